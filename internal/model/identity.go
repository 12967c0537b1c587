// Package model holds the core data types exchanged between scopes, services
// and transports: identities, federations and the message envelope.
package model

import (
	"sync"

	"github.com/google/uuid"
)

// IdentityType classifies a principal.
type IdentityType string

const (
	IdentityService         IdentityType = "SERVICE"
	IdentityUser            IdentityType = "USER"
	IdentityAnonymous       IdentityType = "ANONYMOUS"
	IdentityServiceIdentity IdentityType = "SERVICE_IDENTITY"
)

// AnonymousUsername is the well-known username of the anonymous identity.
const AnonymousUsername = "anonymous"

// FederationKey is the data-bag key under which an identity carries its
// Federation descriptor.
const FederationKey = "federation"

// Identity is an authenticated principal. All fields except the data bag are
// immutable after construction; the data bag is guarded by its own lock so an
// identity can be shared freely between scopes.
type Identity struct {
	Type     IdentityType `json:"type"`
	ID       string       `json:"id"`
	Username string       `json:"username,omitempty"`
	Email    string       `json:"email,omitempty"`
	Groups   []string     `json:"groups,omitempty"`

	mu   sync.RWMutex
	data map[string]any
}

// NewIdentity creates an identity of the given type with a fresh unique id.
func NewIdentity(typ IdentityType, username string) *Identity {
	return &Identity{
		Type:     typ,
		ID:       uuid.NewString(),
		Username: username,
		data:     make(map[string]any),
	}
}

var (
	anonymousOnce sync.Once
	anonymous     *Identity
)

// Anonymous returns the process-wide anonymous identity singleton.
func Anonymous() *Identity {
	anonymousOnce.Do(func() {
		anonymous = &Identity{
			Type:     IdentityAnonymous,
			ID:       "anonymous",
			Username: AnonymousUsername,
			data:     make(map[string]any),
		}
	})
	return anonymous
}

// Data returns the value stored under key in the identity's data bag.
func (i *Identity) Data(key string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.data[key]
	return v, ok
}

// SetData stores a value in the identity's data bag.
func (i *Identity) SetData(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.data == nil {
		i.data = make(map[string]any)
	}
	i.data[key] = value
}

// Federation returns the federation descriptor from the data bag, or nil.
func (i *Identity) Federation() *Federation {
	v, ok := i.Data(FederationKey)
	if !ok {
		return nil
	}
	f, ok := v.(*Federation)
	if !ok {
		return nil
	}
	return f
}

// IsAnonymous reports whether this is the anonymous identity.
func (i *Identity) IsAnonymous() bool {
	return i.Type == IdentityAnonymous
}

// Ref returns the wire-level descriptor for this identity.
func (i *Identity) Ref() IdentityRef {
	return IdentityRef{Type: i.Type, ID: i.ID, Username: i.Username}
}

// IdentityRef is the compact identity descriptor carried in message envelopes.
type IdentityRef struct {
	Type     IdentityType `json:"type"`
	ID       string       `json:"id"`
	Username string       `json:"username,omitempty"`
}

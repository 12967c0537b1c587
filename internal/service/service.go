// Package service defines the capability surface of the distributed services
// a scope can be bound to: the service-type enum, status and capabilities
// descriptors, and the HTTP client used to reach remote instances.
//
// Semantic reasoning, resolution and storage live behind these interfaces;
// the orchestration core only routes to them.
package service

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Type identifies a service role. Scopes resolve services through a typed
// registry keyed by this enum; there is no reflection-based dispatch.
type Type string

const (
	Reasoner  Type = "REASONER"
	Resources Type = "RESOURCES"
	Resolver  Type = "RESOLVER"
	Runtime   Type = "RUNTIME"
	Community Type = "COMMUNITY"

	// Engine is the orchestrating client process itself. It is never
	// discovered or probed, so it has no well-known port.
	Engine Type = "ENGINE"
)

// AllTypes lists every service type a process may depend on.
func AllTypes() []Type {
	return []Type{Reasoner, Resources, Resolver, Runtime, Community}
}

// localPorts maps each service type to its well-known local port, used by the
// discovery loop's reachability probe before any client is constructed.
var localPorts = map[Type]int{
	Reasoner:  8091,
	Resources: 8092,
	Resolver:  8093,
	Runtime:   8094,
	Community: 8090,
}

// LocalServiceURL returns the well-known local URL for this service type.
func (t Type) LocalServiceURL() string {
	port, ok := localPorts[t]
	if !ok {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// Valid reports whether t is a known service type.
func (t Type) Valid() bool {
	_, ok := localPorts[t]
	return ok
}

// Locality classifies where a service instance runs relative to the caller.
type Locality string

const (
	Embedded  Locality = "EMBEDDED"
	Localhost Locality = "LOCALHOST"
	LAN       Locality = "LAN"
	WAN       Locality = "WAN"
)

// Status is the live state of a service instance, returned by its /status
// endpoint and cached by clients.
type Status struct {
	Type        Type   `json:"type"`
	ServiceID   string `json:"serviceId"`
	Available   bool   `json:"available"`
	Busy        bool   `json:"busy"`
	Initialized bool   `json:"initialized"`
	Operational bool   `json:"operational"`
	UptimeMs    int64  `json:"uptimeMs"`
}

// Capabilities describes what a service instance offers, returned by its
// /capabilities endpoint. Version gating uses semantic version constraints.
type Capabilities struct {
	Type             Type     `json:"type"`
	ServiceID        string   `json:"serviceId"`
	ServiceName      string   `json:"serviceName"`
	Version          string   `json:"version"`
	MinClientVersion string   `json:"minClientVersion,omitempty"` // semver constraint, e.g. ">= 0.11"
	BrokerURI        string   `json:"brokerUri,omitempty"`
	FederationID     string   `json:"federationId,omitempty"`
	ExposedQueues    []string `json:"exposedQueues,omitempty"`
}

// CompatibleWith checks the client version against the service's declared
// minimum. An empty constraint accepts any client.
func (c Capabilities) CompatibleWith(clientVersion string) error {
	if c.MinClientVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.MinClientVersion)
	if err != nil {
		return fmt.Errorf("service: bad version constraint %q from %s: %w", c.MinClientVersion, c.ServiceID, err)
	}
	v, err := semver.NewVersion(clientVersion)
	if err != nil {
		return fmt.Errorf("service: bad client version %q: %w", clientVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("service: client version %s does not satisfy %s required by %s",
			clientVersion, c.MinClientVersion, c.ServiceID)
	}
	return nil
}

// Service is the narrow interface the scope/orchestration core needs from any
// dependent service, local or remote. Implementations must keep Available and
// Busy cheap and safe to call from request-handling goroutines.
type Service interface {
	// ServiceType returns the role this instance fills.
	ServiceType() Type
	// ServiceID returns the instance's unique id.
	ServiceID() string
	// URL returns the instance's base URL; empty for embedded services.
	URL() string
	// Locality reports where the instance runs relative to this process.
	Locality() Locality
	// Available reports the last observed online state without blocking.
	Available() bool
	// Busy reports whether the instance is running an atomic operation.
	Busy() bool
	// Capabilities fetches the instance's capability descriptor.
	Capabilities(ctx context.Context) (Capabilities, error)
	// CheckOnline probes the instance and refreshes the Available flag.
	CheckOnline(ctx context.Context) bool
}

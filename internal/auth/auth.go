// Package auth implements certificate-based authentication against a
// federation hub, JWT issuance and validation for scope-carrying requests,
// and secret hashing for privileged local service calls.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys come from the certificate file
// or are auto-generated for anonymous development use.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/service"
)

// ErrAuthentication reports a failed hub authentication. Callers fall back to
// anonymous local operation when they can.
var ErrAuthentication = errors.New("auth: authentication failed")

// tokenIssuer is the issuer and audience claim of locally issued tokens.
const tokenIssuer = "klab"

// Claims carries the scope-relevant identity data in a JWT.
type Claims struct {
	jwt.RegisteredClaims
	Username     string             `json:"username"`
	IdentityType model.IdentityType `json:"identityType"`
	FederationID string             `json:"federationId,omitempty"`
	Groups       []string           `json:"groups,omitempty"`
}

// TokenManager issues and validates Ed25519-signed JWTs for identities.
type TokenManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewTokenManager builds a manager from a certificate's key pair. With a nil
// certificate an ephemeral key pair is generated; tokens then survive only
// this process.
func NewTokenManager(cert *Certificate, expiration time.Duration) (*TokenManager, error) {
	if cert == nil {
		slog.Warn("auth: no certificate, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &TokenManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	priv, pub, err := cert.Keys()
	if err != nil {
		return nil, err
	}
	// A mismatched pair means a hand-edited certificate file.
	derived := priv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, pub) {
		return nil, fmt.Errorf("auth: certificate public key does not match private key")
	}
	return &TokenManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the identity.
func (m *TokenManager) IssueToken(identity *model.Identity) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	var federationID string
	if f := identity.Federation(); f != nil {
		federationID = f.ID
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenIssuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Username:     identity.Username,
		IdentityType: identity.Type,
		FederationID: federationID,
		Groups:       identity.Groups,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *TokenManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(tokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != tokenIssuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	return claims, nil
}

// ServiceReference is a service endpoint granted by the hub at authentication.
type ServiceReference struct {
	Type    service.Type `json:"type"`
	URL     string       `json:"url"`
	Primary bool         `json:"primary,omitempty"`
}

// hubRequest is the authentication request sent to the hub: the public half
// of the certificate only.
type hubRequest struct {
	Type         CertificateType `json:"type"`
	Username     string          `json:"username"`
	Email        string          `json:"email,omitempty"`
	PublicKeyPEM string          `json:"publicKey"`
}

// hubResponse is the hub's grant: who the user is, which federation they
// belong to and which service endpoints they may use.
type hubResponse struct {
	Username   string             `json:"username"`
	Email      string             `json:"email,omitempty"`
	Groups     []string           `json:"groups,omitempty"`
	Token      string             `json:"token,omitempty"`
	Federation *model.Federation  `json:"federation,omitempty"`
	Services   []ServiceReference `json:"services,omitempty"`
}

// Authenticator authenticates certificates against a federation hub.
type Authenticator struct {
	http   *http.Client
	logger *slog.Logger
}

func NewAuthenticator(logger *slog.Logger) *Authenticator {
	return &Authenticator{
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Authenticate resolves a certificate into an identity and the service
// endpoints granted with it.
//
// A nil certificate, or one without a hub, yields the anonymous identity in
// the local federation with no granted services; that is a supported mode,
// not an error. A certificate with a hub that rejects it or cannot be reached
// is an ErrAuthentication: silently degrading a named user to anonymous would
// hide credential problems.
func (a *Authenticator) Authenticate(ctx context.Context, cert *Certificate) (*model.Identity, []ServiceReference, error) {
	if cert == nil || cert.HubURL == "" {
		identity := model.Anonymous()
		identity.SetData(model.FederationKey, model.LocalFederation())
		a.logger.Info("auth: no hub certificate, running anonymously")
		return identity, nil, nil
	}

	resp, err := a.callHub(ctx, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	identity := model.NewIdentity(model.IdentityUser, resp.Username)
	identity.Email = resp.Email
	identity.Groups = resp.Groups
	if resp.Token != "" {
		identity.SetData("hubToken", resp.Token)
	}

	federation := resp.Federation
	if federation == nil {
		federation = model.LocalFederation()
	}
	identity.SetData(model.FederationKey, federation)

	a.logger.Info("auth: authenticated with hub",
		"username", resp.Username, "federation", federation.ID, "services", len(resp.Services))
	return identity, resp.Services, nil
}

func (a *Authenticator) callHub(ctx context.Context, cert *Certificate) (*hubResponse, error) {
	body, err := json.Marshal(hubRequest{
		Type:         cert.Type,
		Username:     cert.Username,
		Email:        cert.Email,
		PublicKeyPEM: cert.PublicKeyPEM,
	})
	if err != nil {
		return nil, fmt.Errorf("encode hub request: %w", err)
	}

	url := strings.TrimRight(cert.HubURL, "/") + "/api/v2/authenticate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub %s unreachable: %w", cert.HubURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("hub rejected certificate: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out hubResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode hub response: %w", err)
	}
	if out.Username == "" {
		out.Username = cert.Username
	}
	return &out, nil
}

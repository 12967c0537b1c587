package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// CertificateType classifies who a certificate identifies.
type CertificateType string

const (
	CertUser    CertificateType = "USER"
	CertNode    CertificateType = "NODE"
	CertService CertificateType = "SERVICE"
)

// Certificate is the locally stored credential a process authenticates with:
// identity data plus an Ed25519 key pair, stored as one JSON file. Without a
// certificate a process runs anonymously against local services only.
type Certificate struct {
	Type          CertificateType `json:"type"`
	Username      string          `json:"username"`
	Email         string          `json:"email,omitempty"`
	HubURL        string          `json:"hubUrl,omitempty"`
	FederationID  string          `json:"federationId,omitempty"`
	PrivateKeyPEM string          `json:"privateKey"`
	PublicKeyPEM  string          `json:"publicKey"`
	ExpiresAt     time.Time       `json:"expiresAt,omitzero"`
}

// LoadCertificate reads a certificate file. Expired certificates load with an
// error so callers can distinguish "missing" from "stale".
func LoadCertificate(path string) (*Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read certificate %s: %w", path, err)
	}
	var c Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("auth: parse certificate %s: %w", path, err)
	}
	if !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt) {
		return &c, fmt.Errorf("auth: certificate for %s expired %s", c.Username, c.ExpiresAt.Format(time.RFC3339))
	}
	return &c, nil
}

// Save writes the certificate with owner-only permissions.
func (c *Certificate) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode certificate: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("auth: write certificate %s: %w", path, err)
	}
	return nil
}

// Keys parses the PEM-encoded Ed25519 key pair.
func (c *Certificate) Keys() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(c.PrivateKeyPEM))
	if block == nil {
		return nil, nil, fmt.Errorf("auth: decode certificate private key PEM")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse certificate private key: %w", err)
	}
	edPriv, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: certificate private key is not Ed25519")
	}

	pubBlock, _ := pem.Decode([]byte(c.PublicKeyPEM))
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("auth: decode certificate public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse certificate public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: certificate public key is not Ed25519")
	}
	return edPriv, edPub, nil
}

// GenerateCertificate creates a self-signed certificate with a fresh Ed25519
// key pair, for development and for service identities that never contact a
// hub.
func GenerateCertificate(typ CertificateType, username string) (*Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate key pair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("auth: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("auth: marshal public key: %w", err)
	}

	return &Certificate{
		Type:          typ,
		Username:      username,
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}, nil
}

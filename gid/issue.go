package gid

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/fedlab/registry-backend/naming"
)

// Default validity windows, following the usual split between long-lived
// authority material and shorter-lived leaf identities.
const (
	AuthorityValidity = 10 * 365 * 24 * time.Hour
	LeafValidity      = 365 * 24 * time.Hour
)

// IssueParams describes the identity to certify.
type IssueParams struct {
	Subject   naming.HRN
	Type      naming.ObjectType
	PublicKey crypto.PublicKey

	// UniqueID is an optional stable identifier (typically a UUID).
	UniqueID string

	// Email is the optional owner email, recorded for user identities.
	Email string

	// NotAfter overrides the default validity window when non-zero.
	NotAfter time.Time
}

// Issue creates a GID for params.Subject signed with issuerKey. When
// issuerGID is nil the certificate is self-signed, which is only valid for a
// root authority. The issuer GID is embedded as the new GID's chain.
func Issue(params IssueParams, issuerKey *ecdsa.PrivateKey, issuerGID *GID) (*GID, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	urn, err := url.Parse(string(naming.HRNToURN(params.Subject, params.Type)))
	if err != nil {
		return nil, fmt.Errorf("failed to encode URN: %w", err)
	}

	notAfter := params.NotAfter
	if notAfter.IsZero() {
		if params.Type == naming.TypeAuthority {
			notAfter = time.Now().Add(AuthorityValidity)
		} else {
			notAfter = time.Now().Add(LeafValidity)
		}
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   string(params.Subject),
			SerialNumber: params.UniqueID,
		},
		URIs:                  []*url.URL{urn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	if params.Email != "" {
		template.EmailAddresses = []string{params.Email}
	}
	if params.Type == naming.TypeAuthority {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	parent := &template
	if issuerGID != nil {
		parent = issuerGID.Certificate
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, parent, params.PublicKey, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created certificate: %w", err)
	}

	return &GID{Certificate: cert, Parent: issuerGID}, nil
}

// NewKey generates a fresh P-256 signing keypair.
func NewKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

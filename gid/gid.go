// Package gid implements the federation identity certificate: a signed
// document binding a hierarchical name to a public key, issued by an ancestor
// authority. A GID is an x509 certificate with the HRN as common name, the
// typed URN as a subject alternative name URI, and the issuer chain embedded
// as a leaf-first PEM bundle.
package gid

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/fedlab/registry-backend/naming"
)

var (
	// ErrMalformedGID is returned when GID bytes cannot be decoded.
	ErrMalformedGID = errors.New("malformed gid")

	// ErrUntrustedChain is returned when a GID chain does not reach any
	// certificate in the trusted-root set.
	ErrUntrustedChain = errors.New("gid chain does not reach a trusted root")

	// ErrNameMismatch is returned when an issuer on the chain is not an
	// ancestor-or-self of the subject it signed.
	ErrNameMismatch = errors.New("issuer name is not an ancestor of subject")

	// ErrExpiredOrMalformed is returned when a signature on the chain fails
	// to verify or a certificate is outside its validity window.
	ErrExpiredOrMalformed = errors.New("gid signature invalid or certificate expired")
)

// GID wraps an identity certificate together with its embedded issuer chain.
// A GID is immutable once issued.
type GID struct {
	Certificate *x509.Certificate

	// Parent is the embedded issuer GID, nil for a self-signed root or for
	// a GID distributed without its chain.
	Parent *GID
}

// HRN returns the subject name the certificate binds.
func (g *GID) HRN() naming.HRN {
	return naming.HRN(g.Certificate.Subject.CommonName)
}

// IssuerHRN returns the name of the authority that signed this GID.
func (g *GID) IssuerHRN() naming.HRN {
	return naming.HRN(g.Certificate.Issuer.CommonName)
}

// URN returns the typed canonical name embedded in the certificate.
func (g *GID) URN() (naming.URN, error) {
	if len(g.Certificate.URIs) == 0 {
		return "", fmt.Errorf("%w: no URN in certificate", ErrMalformedGID)
	}
	return naming.URN(g.Certificate.URIs[0].String()), nil
}

// Type returns the object type carried by the embedded URN.
func (g *GID) Type() (naming.ObjectType, error) {
	urn, err := g.URN()
	if err != nil {
		return "", err
	}
	_, typ, err := naming.ParseURN(urn)
	return typ, err
}

// UniqueID returns the optional unique id assigned at issuance, empty if none.
func (g *GID) UniqueID() string {
	return g.Certificate.Subject.SerialNumber
}

// Email returns the optional owner email, empty if none.
func (g *GID) Email() string {
	if len(g.Certificate.EmailAddresses) == 0 {
		return ""
	}
	return g.Certificate.EmailAddresses[0]
}

// PublicKey returns the subject public key.
func (g *GID) PublicKey() crypto.PublicKey {
	return g.Certificate.PublicKey
}

// SelfSigned reports whether the certificate names itself as issuer.
func (g *GID) SelfSigned() bool {
	return g.Certificate.Subject.CommonName == g.Certificate.Issuer.CommonName
}

// Encode serializes the GID and its embedded chain as a leaf-first PEM bundle.
func (g *GID) Encode() []byte {
	var out []byte
	for cur := g; cur != nil; cur = cur.Parent {
		out = append(out, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cur.Certificate.Raw,
		})...)
	}
	return out
}

// Decode parses a leaf-first PEM bundle into a GID with its embedded chain.
func Decode(data []byte) (*GID, error) {
	var head, tail *GID
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrMalformedGID, block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedGID, err)
		}
		g := &GID{Certificate: cert}
		if head == nil {
			head = g
		} else {
			tail.Parent = g
		}
		tail = g
	}
	if head == nil {
		return nil, fmt.Errorf("%w: no certificate PEM block", ErrMalformedGID)
	}
	return head, nil
}

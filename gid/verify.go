package gid

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/fedlab/registry-backend/naming"
)

// VerifyChain walks the embedded issuer chain of g up to a trusted root.
// It fails with ErrUntrustedChain if no certificate in pool is reached,
// ErrExpiredOrMalformed if any signature fails to verify or any certificate
// is outside its validity window, and ErrNameMismatch if any issuer name is
// not an ancestor-or-self of the subject it signed.
func VerifyChain(g *GID, pool *TrustPool) error {
	return VerifyChainAt(g, pool, time.Now())
}

// VerifyChainAt is VerifyChain evaluated at an explicit point in time.
func VerifyChainAt(g *GID, pool *TrustPool, now time.Time) error {
	for cur := g; ; cur = cur.Parent {
		cert := cur.Certificate
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("%w: certificate for %q not valid at %s",
				ErrExpiredOrMalformed, cur.HRN(), now.Format(time.RFC3339))
		}

		// A trusted certificate terminates the walk regardless of whether
		// more of the chain is embedded.
		if pool.Contains(cert) {
			return nil
		}

		if !cur.IssuerHRN().ContainsOrEquals(cur.HRN()) {
			return fmt.Errorf("%w: %q signed %q", ErrNameMismatch, cur.IssuerHRN(), cur.HRN())
		}

		if cur.SelfSigned() {
			if err := cert.CheckSignatureFrom(cert); err != nil {
				return fmt.Errorf("%w: self-signature of %q: %v", ErrExpiredOrMalformed, cur.HRN(), err)
			}
			// A verified self-signed certificate that is not in the pool is
			// an untrusted root.
			return fmt.Errorf("%w: root %q not trusted", ErrUntrustedChain, cur.HRN())
		}

		if cur.Parent == nil {
			return fmt.Errorf("%w: chain for %q incomplete at %q", ErrUntrustedChain, g.HRN(), cur.HRN())
		}
		if cur.Parent.HRN() != cur.IssuerHRN() {
			return fmt.Errorf("%w: embedded issuer %q does not match issuer name %q",
				ErrNameMismatch, cur.Parent.HRN(), cur.IssuerHRN())
		}
		if err := cert.CheckSignatureFrom(cur.Parent.Certificate); err != nil {
			return fmt.Errorf("%w: signature of %q by %q: %v",
				ErrExpiredOrMalformed, cur.HRN(), cur.IssuerHRN(), err)
		}
	}
}

// TrustPool is the set of federation root GIDs accepted without further chain
// validation. It is loaded once at process start and read-only afterwards.
type TrustPool struct {
	roots map[naming.HRN]*GID
}

// NewTrustPool builds a pool from the given root GIDs.
func NewTrustPool(roots ...*GID) *TrustPool {
	p := &TrustPool{roots: make(map[naming.HRN]*GID, len(roots))}
	for _, r := range roots {
		p.Add(r)
	}
	return p
}

// Add registers a root GID. Intended for pool construction only; pools must
// not be mutated concurrently with verification.
func (p *TrustPool) Add(root *GID) {
	p.roots[root.HRN()] = root
}

// ByName returns the trusted root for the given name, nil if absent.
func (p *TrustPool) ByName(hrn naming.HRN) *GID {
	return p.roots[hrn]
}

// Contains reports whether the exact certificate is in the pool.
func (p *TrustPool) Contains(cert *x509.Certificate) bool {
	root, ok := p.roots[naming.HRN(cert.Subject.CommonName)]
	return ok && bytes.Equal(root.Certificate.Raw, cert.Raw)
}

// ContainsAuthorityOf reports whether any trusted root is an ancestor-or-self
// of the given name. Trusted peers may act across names on this basis.
func (p *TrustPool) ContainsAuthorityOf(hrn naming.HRN) bool {
	for rootHRN := range p.roots {
		if rootHRN.ContainsOrEquals(hrn) {
			return true
		}
	}
	return false
}

// Len returns the number of trusted roots.
func (p *TrustPool) Len() int {
	return len(p.roots)
}

// Names returns the HRNs of all trusted roots.
func (p *TrustPool) Names() []naming.HRN {
	names := make([]naming.HRN, 0, len(p.roots))
	for hrn := range p.roots {
		names = append(names, hrn)
	}
	return names
}

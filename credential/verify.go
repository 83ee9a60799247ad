package credential

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/naming"
)

// Reason classifies why a credential was rejected.
type Reason string

const (
	ReasonMalformed          Reason = "malformed"
	ReasonUntrustedChain     Reason = "untrusted_chain"
	ReasonExpired            Reason = "expired"
	ReasonRightsEscalation   Reason = "rights_escalation"
	ReasonInsufficientRights Reason = "insufficient_rights"
	ReasonTargetMismatch     Reason = "target_mismatch"
)

// rank orders reasons by how far the credential got through verification.
// When several credentials fail for different reasons, the most advanced
// rejection is the most useful one to report.
var rank = map[Reason]int{
	ReasonMalformed:          0,
	ReasonUntrustedChain:     1,
	ReasonExpired:            2,
	ReasonRightsEscalation:   3,
	ReasonInsufficientRights: 4,
	ReasonTargetMismatch:     5,
}

// RejectionError is a verification failure with its classified reason.
type RejectionError struct {
	Reason Reason
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("credential rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// CheckOptions carries per-request verification context.
type CheckOptions struct {
	// SpeaksFor, when set, replaces the credential caller as the effective
	// caller for target checks, provided its identity chain verifies.
	SpeaksFor *gid.GID
}

// Verifier checks credentials against a trusted-root set.
type Verifier struct {
	pool *gid.TrustPool
	log  *slog.Logger
	now  func() time.Time
}

// NewVerifier creates a verifier anchored at the given trust pool.
func NewVerifier(pool *gid.TrustPool, log *slog.Logger) *Verifier {
	return &Verifier{pool: pool, log: log, now: time.Now}
}

// Verify runs the full verification sequence for one credential against one
// operation and target. An empty op skips the operation-rights check, a zero
// target skips the target check. Failures are RejectionError values.
func (v *Verifier) Verify(cred *Credential, op string, target naming.HRN, opts CheckOptions) error {
	// Resolve the effective caller first so that a speaks-for identity with
	// a broken chain is surfaced as such, not as a later target mismatch.
	effective := cred.Caller
	if opts.SpeaksFor != nil && opts.SpeaksFor.HRN() != cred.Caller.HRN() {
		if err := v.verifyGIDChain(opts.SpeaksFor); err != nil {
			return reject(ReasonUntrustedChain, "speaks-for identity %q: %w", opts.SpeaksFor.HRN(), err)
		}
		effective = opts.SpeaksFor
	}

	if err := v.verifyTrust(cred); err != nil {
		return err
	}

	if v.now().After(cred.Expires) {
		return reject(ReasonExpired, "credential for %q expired at %s", cred.Object.HRN(), cred.Expires.Format(time.RFC3339))
	}

	if cred.Parent != nil {
		if err := v.Verify(cred.Parent, "", "", CheckOptions{}); err != nil {
			return err
		}
		if !cred.Rights.IsSubsetOf(cred.Parent.Rights) {
			return reject(ReasonRightsEscalation, "delegated rights %s exceed parent rights %s", cred.Rights, cred.Parent.Rights)
		}
		if cred.Caller.HRN() != cred.Parent.Object.HRN() {
			return reject(ReasonRightsEscalation, "delegation chain broken: caller %q does not match parent subject %q",
				cred.Caller.HRN(), cred.Parent.Object.HRN())
		}
	}

	if op != "" && !cred.Rights.Has(op) {
		return reject(ReasonInsufficientRights, "rights %s do not include %q", cred.Rights, op)
	}

	if target != "" && target != cred.Object.HRN() {
		// Trusted peers may act across names: the exemption requires the
		// effective caller's issuing authority to itself be a trusted root,
		// not merely to sit somewhere under one.
		if v.pool.ByName(effective.IssuerHRN()) == nil {
			return reject(ReasonTargetMismatch, "credential subject %q does not cover target %q", cred.Object.HRN(), target)
		}
	}

	return nil
}

// verifyTrust covers the signature portion of verification: the issuer,
// object and caller identity chains and the credential signature itself.
func (v *Verifier) verifyTrust(cred *Credential) error {
	for _, g := range []*gid.GID{cred.Issuer, cred.Object, cred.Caller} {
		if err := v.verifyGIDChain(g); err != nil {
			return reject(ReasonUntrustedChain, "identity %q: %w", g.HRN(), err)
		}
	}

	if err := cred.verifySignature(); err != nil {
		return reject(ReasonUntrustedChain, "signature: %w", err)
	}

	if cred.Parent == nil {
		// A root credential must be issued by an authority over its subject.
		if !cred.Issuer.HRN().ContainsOrEquals(cred.Object.HRN()) {
			return reject(ReasonUntrustedChain, "issuer %q is not an authority over %q", cred.Issuer.HRN(), cred.Object.HRN())
		}
		return nil
	}

	// A delegated credential must be signed by the holder of the parent.
	if !bytes.Equal(cred.Issuer.Certificate.Raw, cred.Parent.Caller.Certificate.Raw) {
		return reject(ReasonUntrustedChain, "delegated credential not signed by parent holder %q", cred.Parent.Caller.HRN())
	}
	return nil
}

func (v *Verifier) verifyGIDChain(g *gid.GID) error {
	return gid.VerifyChainAt(g, v.pool, v.now())
}

// CheckCredentials verifies a batch of encoded credentials for op against
// every target and returns those that pass. When none pass, the returned
// error is the rejection that made it furthest through verification.
func (v *Verifier) CheckCredentials(encoded []string, op string, targets []naming.HRN, opts CheckOptions) ([]*Credential, error) {
	if len(encoded) == 0 {
		return nil, reject(ReasonMalformed, "no credentials supplied")
	}

	var accepted []*Credential
	var best *RejectionError

	consider := func(r *RejectionError) {
		if best == nil || rank[r.Reason] > rank[best.Reason] {
			best = r
		}
	}

	for _, enc := range encoded {
		cred, err := Decode(enc)
		if err != nil {
			consider(reject(ReasonMalformed, "%w", err))
			continue
		}

		ok := true
		if len(targets) == 0 {
			if err := v.Verify(cred, op, "", opts); err != nil {
				ok = false
				var rej *RejectionError
				if errors.As(err, &rej) {
					consider(rej)
				}
			}
		}
		for _, target := range targets {
			if err := v.Verify(cred, op, target, opts); err != nil {
				ok = false
				var rej *RejectionError
				if errors.As(err, &rej) {
					consider(rej)
				}
				break
			}
		}
		if ok {
			accepted = append(accepted, cred)
		}
	}

	if len(accepted) == 0 {
		v.log.Debug("All credentials rejected", slog.String("op", op), slog.String("reason", string(best.Reason)))
		return nil, best
	}
	return accepted, nil
}

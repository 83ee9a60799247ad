// Package credential implements signed, time-bounded, delegatable grants of
// a rights-set over a named object, and their verification against a
// trusted-root set. A credential binds an object GID (the target), a caller
// GID (the entity receiving rights), a rights-set and an expiry; it may be
// re-delegated from a parent credential with an attenuated rights-set.
//
// The wire form is an opaque signed string: base64 over a JSON envelope with
// PEM-embedded GIDs, the parent credential nested as its own encoded string,
// and an ECDSA/SHA-256 signature by the issuer over the payload.
package credential

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/rights"
)

// ErrMalformed is returned when credential bytes cannot be decoded.
var ErrMalformed = errors.New("malformed credential")

// Credential is a signed grant of Rights over Object's subject, held by
// Caller, valid until Expires. A delegated credential carries its Parent.
type Credential struct {
	// Object names the target the rights apply to.
	Object *gid.GID

	// Caller is the entity receiving the rights.
	Caller *gid.GID

	Rights  rights.Set
	Expires time.Time

	// Parent is the credential this one was delegated from, nil for a root
	// credential issued directly by an authority over the object.
	Parent *Credential

	// Issuer is the GID of the signer: an authority over the object for a
	// root credential, the parent's caller for a delegated one.
	Issuer *gid.GID

	signature []byte

	// parentRaw caches the parent's encoded form so that re-encoding after
	// decode is byte-identical and signatures stay verifiable.
	parentRaw string
}

// Signature returns the issuer signature bytes.
func (c *Credential) Signature() []byte {
	return c.signature
}

// envelope is the JSON wire shape. Field order is the signing payload order.
type envelope struct {
	ObjectGID string     `json:"object_gid"`
	CallerGID string     `json:"caller_gid"`
	Rights    rights.Set `json:"rights"`
	Expires   time.Time  `json:"expires"`
	Parent    string     `json:"parent,omitempty"`
	IssuerGID string     `json:"issuer_gid,omitempty"`
	Signature []byte     `json:"signature,omitempty"`
}

// payload serializes the signed portion of the credential.
func (c *Credential) payload() ([]byte, error) {
	parent, err := c.encodedParent()
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ObjectGID: string(c.Object.Encode()),
		CallerGID: string(c.Caller.Encode()),
		Rights:    c.Rights,
		Expires:   c.Expires,
		Parent:    parent,
	})
}

func (c *Credential) encodedParent() (string, error) {
	if c.parentRaw != "" || c.Parent == nil {
		return c.parentRaw, nil
	}
	enc, err := c.Parent.Encode()
	if err != nil {
		return "", err
	}
	c.parentRaw = enc
	return enc, nil
}

// Sign signs the credential with issuerKey and records issuerGID as its
// issuer. The parent credential, if any, must already be signed.
func Sign(c *Credential, issuerKey *ecdsa.PrivateKey, issuerGID *gid.GID) error {
	if c.Parent != nil && len(c.Parent.signature) == 0 {
		return errors.New("parent credential is not signed")
	}

	payload, err := c.payload()
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}

	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, issuerKey, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign credential: %w", err)
	}

	c.Issuer = issuerGID
	c.signature = sig
	return nil
}

// verifySignature checks the issuer signature over the payload.
func (c *Credential) verifySignature() error {
	if c.Issuer == nil || len(c.signature) == 0 {
		return errors.New("credential is not signed")
	}
	pub, ok := c.Issuer.PublicKey().(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported issuer key type %T", c.Issuer.PublicKey())
	}

	payload, err := c.payload()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(pub, digest[:], c.signature) {
		return errors.New("issuer signature does not verify")
	}
	return nil
}

// Encode serializes the credential as an opaque signed string.
func (c *Credential) Encode() (string, error) {
	if len(c.signature) == 0 {
		return "", errors.New("cannot encode unsigned credential")
	}
	parent, err := c.encodedParent()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(envelope{
		ObjectGID: string(c.Object.Encode()),
		CallerGID: string(c.Caller.Encode()),
		Rights:    c.Rights,
		Expires:   c.Expires,
		Parent:    parent,
		IssuerGID: string(c.Issuer.Encode()),
		Signature: c.signature,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses an opaque signed string back into a credential, recursing
// into the delegation chain. Structural errors return ErrMalformed.
func Decode(s string) (*Credential, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ObjectGID == "" || env.CallerGID == "" || env.IssuerGID == "" || len(env.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformed)
	}

	object, err := gid.Decode([]byte(env.ObjectGID))
	if err != nil {
		return nil, fmt.Errorf("%w: object gid: %v", ErrMalformed, err)
	}
	caller, err := gid.Decode([]byte(env.CallerGID))
	if err != nil {
		return nil, fmt.Errorf("%w: caller gid: %v", ErrMalformed, err)
	}
	issuer, err := gid.Decode([]byte(env.IssuerGID))
	if err != nil {
		return nil, fmt.Errorf("%w: issuer gid: %v", ErrMalformed, err)
	}

	c := &Credential{
		Object:    object,
		Caller:    caller,
		Rights:    env.Rights,
		Expires:   env.Expires,
		Issuer:    issuer,
		signature: env.Signature,
		parentRaw: env.Parent,
	}
	if env.Parent != "" {
		parent, err := Decode(env.Parent)
		if err != nil {
			return nil, fmt.Errorf("%w: parent: %v", ErrMalformed, errors.Unwrap(err))
		}
		c.Parent = parent
	}
	return c, nil
}

// Package hierarchy materializes signing material for the authority tree:
// for any authority name it creates, on demand and parent-first, a long-lived
// keypair and a GID signed by the parent authority, persisting both to a
// name-keyed key store. The root authority's GID is self-signed.
package hierarchy

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
)

var (
	// ErrAuthorityNotFound is returned by Get for an unknown authority.
	ErrAuthorityNotFound = errors.New("authority not found")

	// ErrNotAuthorized is returned by Sign when the signing authority is not
	// an ancestor-or-self of the subject.
	ErrNotAuthorized = errors.New("authority is not an ancestor of subject")

	// ErrHierarchy wraps failures to create signing material for an
	// ancestor; fatal to that subtree only.
	ErrHierarchy = errors.New("cannot create authority material")
)

// AuthorityInfo holds the signing material of one authority.
type AuthorityInfo struct {
	HRN naming.HRN
	Key *ecdsa.PrivateKey
	GID *gid.GID
}

// Hierarchy creates and serves authority signing material. State lives in
// the key store and is materialized lazily; it is never invalidated within a
// process lifetime.
type Hierarchy struct {
	store interfaces.KeyStore
	log   *slog.Logger

	// mu serializes creation so concurrent Ensure calls cannot race on the
	// same authority name.
	mu    sync.Mutex
	cache map[naming.HRN]*AuthorityInfo
}

// New creates a hierarchy backed by the given key store.
func New(store interfaces.KeyStore, log *slog.Logger) *Hierarchy {
	return &Hierarchy{
		store: store,
		log:   log,
		cache: make(map[naming.HRN]*AuthorityInfo),
	}
}

// Get returns the signing material for an existing authority, or
// ErrAuthorityNotFound.
func (h *Hierarchy) Get(ctx context.Context, name naming.HRN) (*AuthorityInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(ctx, name)
}

// Ensure idempotently creates the signing material for name, recursing to
// ensure the parent first. Calling it twice returns identical GIDs and does
// not rotate keys. A newly created root is also recorded as a trusted root.
func (h *Hierarchy) Ensure(ctx context.Context, name naming.HRN) (*AuthorityInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensure(ctx, name)
}

// Sign issues a GID for subject using name's private key. Fails with
// ErrNotAuthorized if name is not an ancestor-or-self of subject.
func (h *Hierarchy) Sign(ctx context.Context, name, subject naming.HRN, typ naming.ObjectType, pubkey crypto.PublicKey, opts SignOptions) (*gid.GID, error) {
	if !name.ContainsOrEquals(subject) {
		return nil, fmt.Errorf("%w: %q cannot sign for %q", ErrNotAuthorized, name, subject)
	}

	info, err := h.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	uniqueID := opts.UniqueID
	if uniqueID == "" {
		uniqueID = uuid.NewString()
	}

	return gid.Issue(gid.IssueParams{
		Subject:   subject,
		Type:      typ,
		PublicKey: pubkey,
		UniqueID:  uniqueID,
		Email:     opts.Email,
		NotAfter:  opts.NotAfter,
	}, info.Key, info.GID)
}

// SignOptions carries the optional attributes of an issued GID.
type SignOptions struct {
	UniqueID string
	Email    string
	NotAfter time.Time
}

// load returns cached or persisted material for name. Callers hold mu.
func (h *Hierarchy) load(ctx context.Context, name naming.HRN) (*AuthorityInfo, error) {
	if info, ok := h.cache[name]; ok {
		return info, nil
	}

	keyPEM, err := h.store.Fetch(ctx, name, interfaces.KindKey)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrAuthorityNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key for %q: %w", name, err)
	}
	key, err := gid.DecodePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key for %q: %w", name, err)
	}

	gidPEM, err := h.store.Fetch(ctx, name, interfaces.KindGID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gid for %q: %w", name, err)
	}
	g, err := gid.Decode(gidPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gid for %q: %w", name, err)
	}

	info := &AuthorityInfo{HRN: name, Key: key, GID: g}
	h.cache[name] = info
	return info, nil
}

// ensure is the recursive body of Ensure. Callers hold mu.
func (h *Hierarchy) ensure(ctx context.Context, name naming.HRN) (*AuthorityInfo, error) {
	info, err := h.load(ctx, name)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrAuthorityNotFound) {
		return nil, err
	}

	// Create transitively, root first.
	var parent *AuthorityInfo
	if parentHRN, ok := name.Parent(); ok {
		parent, err = h.ensure(ctx, parentHRN)
		if err != nil {
			return nil, fmt.Errorf("%w: ancestor %q: %v", ErrHierarchy, parentHRN, err)
		}
	}

	key, err := gid.NewKey()
	if err != nil {
		return nil, fmt.Errorf("%w: keygen for %q: %v", ErrHierarchy, name, err)
	}

	params := gid.IssueParams{
		Subject:   name,
		Type:      naming.TypeAuthority,
		PublicKey: key.Public(),
		UniqueID:  uuid.NewString(),
	}
	var g *gid.GID
	if parent == nil {
		g, err = gid.Issue(params, key, nil)
	} else {
		g, err = gid.Issue(params, parent.Key, parent.GID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: issue gid for %q: %v", ErrHierarchy, name, err)
	}

	keyPEM, err := gid.EncodePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encode key for %q: %v", ErrHierarchy, name, err)
	}
	if err := h.store.Store(ctx, name, interfaces.KindKey, keyPEM); err != nil {
		return nil, fmt.Errorf("%w: persist key for %q: %v", ErrHierarchy, name, err)
	}
	if err := h.store.Store(ctx, name, interfaces.KindGID, g.Encode()); err != nil {
		return nil, fmt.Errorf("%w: persist gid for %q: %v", ErrHierarchy, name, err)
	}

	// A new self-signed root joins the trusted-root namespace, so that
	// credentials issued under it verify against the pool loaded at boot.
	if parent == nil {
		if err := h.store.Store(ctx, name, interfaces.KindTrustedRoot, g.Encode()); err != nil {
			return nil, fmt.Errorf("%w: persist trusted root %q: %v", ErrHierarchy, name, err)
		}
	}

	h.log.Info("Created authority material", slog.String("hrn", name.String()))

	info = &AuthorityInfo{HRN: name, Key: key, GID: g}
	h.cache[name] = info
	return info, nil
}

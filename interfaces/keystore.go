package interfaces

import (
	"context"
	"errors"

	"github.com/fedlab/registry-backend/naming"
)

// KeyKind indicates the namespace of trust material in a key store.
type KeyKind int

const (
	// KindKey for authority signing keys, PEM-encoded.
	KindKey KeyKind = iota
	// KindGID for identity certificates, PEM bundles.
	KindGID
	// KindTrustedRoot for GIDs of federation peers accepted without further
	// chain validation.
	KindTrustedRoot
)

// String returns the kind name, used as a path segment by backends.
func (k KeyKind) String() string {
	switch k {
	case KindKey:
		return "keys"
	case KindGID:
		return "gids"
	case KindTrustedRoot:
		return "trusted_roots"
	default:
		return "unknown"
	}
}

var (
	// ErrKeyNotFound is returned when no material exists for a name and kind.
	ErrKeyNotFound = errors.New("key material not found")

	// ErrStoreUnavailable is returned when a key store backend is not
	// accessible.
	ErrStoreUnavailable = errors.New("key store unavailable")

	// ErrInvalidStoreURI is returned when a key store location URI is
	// malformed or names an unsupported scheme.
	ErrInvalidStoreURI = errors.New("invalid key store URI")
)

// KeyStore persists trust material addressed by authority name and kind.
// HRNs contain no path separators, so names are used as-is by backends.
type KeyStore interface {
	// Fetch retrieves material by name and kind.
	Fetch(ctx context.Context, name naming.HRN, kind KeyKind) ([]byte, error)

	// Store saves material under a name and kind, overwriting any previous
	// content.
	Store(ctx context.Context, name naming.HRN, kind KeyKind, data []byte) error

	// List returns the names present under a kind.
	List(ctx context.Context, kind KeyKind) ([]naming.HRN, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string
}

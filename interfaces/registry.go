package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fedlab/registry-backend/naming"
)

// RecordType tags the concrete kind of a registry record.
type RecordType string

const (
	RecordAuthority RecordType = "authority"
	RecordSlice     RecordType = "slice"
	RecordNode      RecordType = "node"
	RecordUser      RecordType = "user"
)

// ParseRecordType validates a record type tag.
func ParseRecordType(s string) (RecordType, error) {
	switch t := RecordType(s); t {
	case RecordAuthority, RecordSlice, RecordNode, RecordUser:
		return t, nil
	default:
		return "", fmt.Errorf("unknown record type %q", s)
	}
}

// ObjectType maps a record type to its naming object type.
func (t RecordType) ObjectType() naming.ObjectType {
	switch t {
	case RecordAuthority:
		return naming.TypeAuthority
	case RecordSlice:
		return naming.TypeSlice
	case RecordNode:
		return naming.TypeNode
	default:
		return naming.TypeUser
	}
}

// NoPointer marks a record with no foreign-system id.
const NoPointer int64 = -1

// Record is the persisted representation of a federation entity. Relationship
// fields are populated per kind: PIs for authorities, Researchers for slices,
// Keys for users. (Type, HRN) is unique; (Type, Pointer) is unique whenever
// Pointer is not NoPointer.
type Record struct {
	// ID is assigned by the store, zero until persisted.
	ID int64 `json:"record_id"`

	Type RecordType `json:"type"`
	HRN  naming.HRN `json:"hrn"`

	// GID is the record's identity certificate as a PEM bundle, nil until
	// minted.
	GID []byte `json:"gid,omitempty"`

	// Authority is the HRN of the parent authority.
	Authority naming.HRN `json:"authority"`

	// PeerAuthority is non-empty iff the record was imported from a remote
	// federation peer, in which case it is locally read-only for
	// reconciliation purposes.
	PeerAuthority string `json:"peer_authority,omitempty"`

	// Pointer is the foreign-system id, NoPointer if none.
	Pointer int64 `json:"pointer"`

	// Email is set for user records.
	Email string `json:"email,omitempty"`

	// PIs lists the principal investigators of an authority record.
	PIs []naming.HRN `json:"pis,omitempty"`

	// Researchers lists the members of a slice record.
	Researchers []naming.HRN `json:"researchers,omitempty"`

	// Keys lists the public keys of a user record, authorized-keys format.
	Keys []string `json:"keys,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Stale is a transient reconciliation flag, never persisted.
	Stale bool `json:"-"`
}

var (
	// ErrRecordNotFound is returned when no record matches a lookup.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDuplicateRecord is returned when an insert would violate the
	// (type, hrn) or (type, pointer) uniqueness invariants.
	ErrDuplicateRecord = errors.New("duplicate record")
)

// RecordStore is the persistence boundary for registry records. Every call
// runs in its own transaction so a single entity's failure cannot affect
// siblings already committed.
type RecordStore interface {
	// FindByHRN looks up the unique record for (type, hrn).
	FindByHRN(ctx context.Context, typ RecordType, hrn naming.HRN) (*Record, error)

	// FindByPointer looks up the unique record for (type, pointer).
	// Pointer must not be NoPointer.
	FindByPointer(ctx context.Context, typ RecordType, pointer int64) (*Record, error)

	// Upsert inserts the record or, when a record with the same (type, hrn)
	// exists, refreshes its mutable fields and relationships. The record's
	// ID and timestamps are updated in place.
	Upsert(ctx context.Context, rec *Record) error

	// Delete removes the record, cascading to its owned relationships.
	Delete(ctx context.Context, rec *Record) error

	// ListAll returns every record with relationships populated.
	ListAll(ctx context.Context) ([]*Record, error)

	Close() error
}

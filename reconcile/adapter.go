// Package reconcile imports external testbed inventory into the registry:
// one algorithm, parameterized by an adapter, that resolves-or-creates a
// record per external entity, mints identities for new records, refreshes
// membership, and sweeps records that disappeared upstream.
package reconcile

import "context"

// Authority is an external authority entity. Authorities form a tree via
// ParentID; a ParentID of zero makes the authority a direct child of the
// federation's own interface authority.
type Authority struct {
	ID       int64
	Name     string
	ParentID int64

	// PIIDs lists external user ids holding the PI role at this authority.
	PIIDs []int64
}

// User is an external user entity.
type User struct {
	ID    int64
	Login string
	Email string

	// Keys are public keys in authorized-keys format.
	Keys []string
}

// Slice is an external slice entity.
type Slice struct {
	ID   int64
	Name string

	// ResearcherIDs lists external user ids of the slice members.
	ResearcherIDs []int64
}

// Resource is an external node entity.
type Resource struct {
	ID       int64
	Hostname string
}

// Adapter lists the entities of one external testbed. Implementations own
// their transport and timeouts; any error is treated as a recoverable
// per-entity failure by the reconciliation loop.
type Adapter interface {
	Name() string

	// ListAuthorities returns every authority of the testbed.
	ListAuthorities(ctx context.Context) ([]Authority, error)

	// ListUsers returns the users registered at one authority.
	ListUsers(ctx context.Context, authorityID int64) ([]User, error)

	// ListSlices returns the slices owned by one authority.
	ListSlices(ctx context.Context, authorityID int64) ([]Slice, error)

	// ListResources returns the nodes hosted at one authority.
	ListResources(ctx context.Context, authorityID int64) ([]Resource, error)
}

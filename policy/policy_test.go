package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/rights"
)

type stubStore struct {
	interfaces.RecordStore
	records map[string]*interfaces.Record
}

func (s *stubStore) FindByHRN(_ context.Context, typ interfaces.RecordType, hrn naming.HRN) (*interfaces.Record, error) {
	if rec, ok := s.records[string(typ)+"/"+hrn.String()]; ok {
		return rec, nil
	}
	return nil, interfaces.ErrRecordNotFound
}

func newEngine(records ...*interfaces.Record) *Engine {
	store := &stubStore{records: map[string]*interfaces.Record{}}
	for _, rec := range records {
		store.records[string(rec.Type)+"/"+rec.HRN.String()] = rec
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, "root", log)
}

func TestSliceRights(t *testing.T) {
	authority := &interfaces.Record{
		Type: interfaces.RecordAuthority,
		HRN:  "root.siteA",
		PIs:  []naming.HRN{"root.siteA.pi"},
	}
	slice := &interfaces.Record{
		Type:        interfaces.RecordSlice,
		HRN:         "root.siteA.proj",
		Authority:   "root.siteA",
		Researchers: []naming.HRN{"root.siteA.alice"},
	}
	e := newEngine(authority, slice)
	ctx := context.Background()

	got, err := e.DetermineRights(ctx, "root.siteA.alice", slice)
	require.NoError(t, err)
	assert.True(t, rights.NewSet(rights.Refresh, rights.Embed, rights.Bind, rights.Control, rights.Info).IsSubsetOf(got))

	// PIs of the slice's authority get the same set.
	got, err = e.DetermineRights(ctx, "root.siteA.pi", slice)
	require.NoError(t, err)
	assert.True(t, got.Has(rights.Control))

	// Neither researcher nor PI: empty.
	got, err = e.DetermineRights(ctx, "root.siteA.bob", slice)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAuthorityRights(t *testing.T) {
	authority := &interfaces.Record{
		Type: interfaces.RecordAuthority,
		HRN:  "root.siteA",
		PIs:  []naming.HRN{"root.siteA.pi"},
	}
	e := newEngine(authority)
	ctx := context.Background()

	// The federation interface authority holds the full set.
	got, err := e.DetermineRights(ctx, "root", authority)
	require.NoError(t, err)
	assert.True(t, rights.NewSet(rights.Authority, rights.SA, rights.MA).IsSubsetOf(got))

	got, err = e.DetermineRights(ctx, "root.siteA.pi", authority)
	require.NoError(t, err)
	assert.True(t, got.Has(rights.SA))
	assert.False(t, got.Has(rights.MA))

	got, err = e.DetermineRights(ctx, "root.siteA.bob", authority)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUserRights(t *testing.T) {
	user := &interfaces.Record{Type: interfaces.RecordUser, HRN: "root.siteA.alice"}
	e := newEngine(user)
	ctx := context.Background()

	got, err := e.DetermineRights(ctx, "root.siteA.alice", user)
	require.NoError(t, err)
	assert.True(t, rights.NewSet(rights.Refresh, rights.Resolve, rights.Info).IsSubsetOf(got))

	got, err = e.DetermineRights(ctx, "root.siteA.bob", user)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNodeRights(t *testing.T) {
	node := &interfaces.Record{Type: interfaces.RecordNode, HRN: "root.siteA.nodeX"}
	e := newEngine(node)

	got, err := e.DetermineRights(context.Background(), "root.siteA.anyone", node)
	require.NoError(t, err)
	assert.True(t, got.Has(rights.Operator))
}

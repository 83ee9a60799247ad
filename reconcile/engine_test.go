package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedlab/registry-backend/hierarchy"
	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/keystore"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/records"
)

type fakeAdapter struct {
	authorities    []Authority
	users          map[int64][]User
	slices         map[int64][]Slice
	resources      map[int64][]Resource
	authoritiesErr error
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) ListAuthorities(context.Context) ([]Authority, error) {
	return f.authorities, f.authoritiesErr
}

func (f *fakeAdapter) ListUsers(_ context.Context, id int64) ([]User, error) {
	return f.users[id], nil
}

func (f *fakeAdapter) ListSlices(_ context.Context, id int64) ([]Slice, error) {
	return f.slices[id], nil
}

func (f *fakeAdapter) ListResources(_ context.Context, id int64) ([]Resource, error) {
	return f.resources[id], nil
}

func siteAAdapter() *fakeAdapter {
	return &fakeAdapter{
		authorities: []Authority{{ID: 1, Name: "siteA", PIIDs: []int64{7}}},
		users: map[int64][]User{
			1: {{ID: 7, Login: "alice", Email: "alice@example.net"}},
		},
		slices: map[int64][]Slice{
			1: {{ID: 20, Name: "proj", ResearcherIDs: []int64{7}}},
		},
		resources: map[int64][]Resource{},
	}
}

func newTestEngine(t *testing.T) (*Engine, *records.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	keys, err := keystore.NewFileStore(t.TempDir(), log)
	require.NoError(t, err)
	store, err := records.NewStore(filepath.Join(t.TempDir(), "registry.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(store, hierarchy.New(keys, log), "root", log), store
}

func TestPassImportsSite(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	counts, err := engine.Run(ctx, siteAAdapter(), nil)
	require.NoError(t, err)
	assert.Equal(t, Counts{Created: 4}, counts)

	authority, err := store.FindByHRN(ctx, interfaces.RecordAuthority, "root.siteA")
	require.NoError(t, err)
	assert.NotEmpty(t, authority.GID)
	assert.Equal(t, []naming.HRN{"root.siteA.alice"}, authority.PIs)

	alice, err := store.FindByHRN(ctx, interfaces.RecordUser, "root.siteA.alice")
	require.NoError(t, err)
	assert.Equal(t, int64(7), alice.Pointer)
	assert.Equal(t, "alice@example.net", alice.Email)

	slice, err := store.FindByHRN(ctx, interfaces.RecordSlice, "root.siteA.proj")
	require.NoError(t, err)
	assert.Equal(t, []naming.HRN{"root.siteA.alice"}, slice.Researchers)
}

func TestPassIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	adapter := siteAAdapter()

	_, err := engine.Run(ctx, adapter, nil)
	require.NoError(t, err)
	first, err := store.FindByHRN(ctx, interfaces.RecordUser, "root.siteA.alice")
	require.NoError(t, err)

	counts, err := engine.Run(ctx, adapter, nil)
	require.NoError(t, err)
	assert.Zero(t, counts.Created)
	assert.Zero(t, counts.Deleted)
	assert.Zero(t, counts.Failed)

	// Identity is not re-minted on refresh.
	second, err := store.FindByHRN(ctx, interfaces.RecordUser, "root.siteA.alice")
	require.NoError(t, err)
	assert.Equal(t, first.GID, second.GID)
}

func TestSweepDeletesStaleButNotPeerRecords(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	adapter := siteAAdapter()
	adapter.resources[1] = []Resource{{ID: 33, Hostname: "nodeX"}}
	_, err := engine.Run(ctx, adapter, nil)
	require.NoError(t, err)

	// A record imported from a federation peer, absent upstream.
	peer := &interfaces.Record{
		Type:          interfaces.RecordNode,
		HRN:           "fed2.nodeY",
		PeerAuthority: "fed2",
		Pointer:       interfaces.NoPointer,
	}
	require.NoError(t, store.Upsert(ctx, peer))

	// nodeX disappears from the next listing.
	adapter.resources[1] = nil
	counts, err := engine.Run(ctx, adapter, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Deleted)

	_, err = store.FindByHRN(ctx, interfaces.RecordNode, "root.siteA.nodeX")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	_, err = store.FindByHRN(ctx, interfaces.RecordNode, "fed2.nodeY")
	assert.NoError(t, err)
}

func TestHostnameBecomesNodeLeaf(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	adapter := siteAAdapter()
	adapter.resources[1] = []Resource{{ID: 33, Hostname: "n1.lab.example.net"}}
	_, err := engine.Run(ctx, adapter, nil)
	require.NoError(t, err)

	_, err = store.FindByHRN(ctx, interfaces.RecordNode, "root.siteA.n1_lab_example_net")
	assert.NoError(t, err)
}

func TestEntityFailureDoesNotAbortPass(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	adapter := siteAAdapter()
	adapter.users[1] = append(adapter.users[1], User{ID: 8, Login: "bad login"})

	counts, err := engine.Run(ctx, adapter, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)

	// The valid sibling still made it in.
	_, err = store.FindByHRN(ctx, interfaces.RecordUser, "root.siteA.alice")
	assert.NoError(t, err)
}

func TestUnknownResearcherIDSkipped(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	adapter := siteAAdapter()
	adapter.slices[1] = []Slice{{ID: 20, Name: "proj", ResearcherIDs: []int64{7, 999}}}

	_, err := engine.Run(ctx, adapter, nil)
	require.NoError(t, err)

	slice, err := store.FindByHRN(ctx, interfaces.RecordSlice, "root.siteA.proj")
	require.NoError(t, err)
	assert.Equal(t, []naming.HRN{"root.siteA.alice"}, slice.Researchers)
}

func TestListingFailureIsFatalBeforeSweep(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Run(ctx, siteAAdapter(), nil)
	require.NoError(t, err)

	broken := siteAAdapter()
	broken.authoritiesErr = errors.New("upstream down")
	_, err = engine.Run(ctx, broken, nil)
	require.Error(t, err)

	// Nothing was swept on the failed pass.
	_, err = store.FindByHRN(ctx, interfaces.RecordUser, "root.siteA.alice")
	assert.NoError(t, err)
}

func TestProtectedNamesSurviveSweep(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	pinned := &interfaces.Record{
		Type:    interfaces.RecordSlice,
		HRN:     "root.pinned",
		Pointer: interfaces.NoPointer,
	}
	require.NoError(t, store.Upsert(ctx, pinned))

	_, err := engine.Run(ctx, siteAAdapter(), []naming.HRN{"root.pinned"})
	require.NoError(t, err)

	_, err = store.FindByHRN(ctx, interfaces.RecordSlice, "root.pinned")
	assert.NoError(t, err)
}

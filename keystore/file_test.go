package keystore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.Fetch(ctx, "root.siteA", interfaces.KindKey)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, store.Store(ctx, "root.siteA", interfaces.KindKey, []byte("key material")))
	data, err := store.Fetch(ctx, "root.siteA", interfaces.KindKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("key material"), data)

	// Kinds are separate namespaces.
	_, err = store.Fetch(ctx, "root.siteA", interfaces.KindGID)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	assert.True(t, store.Available(ctx))
}

func TestFileStoreList(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Store(ctx, "root", interfaces.KindTrustedRoot, []byte("a")))
	require.NoError(t, store.Store(ctx, "other.fed", interfaces.KindTrustedRoot, []byte("b")))

	names, err := store.List(ctx, interfaces.KindTrustedRoot)
	require.NoError(t, err)
	assert.ElementsMatch(t, []naming.HRN{"root", "other.fed"}, names)

	empty, err := store.List(ctx, interfaces.KindKey)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFactorySchemes(t *testing.T) {
	factory := NewFactory(testLogger())

	store, err := factory.StoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, store.Name(), "file-")

	_, err = factory.StoreFor("ftp://somewhere")
	assert.ErrorIs(t, err, interfaces.ErrInvalidStoreURI)

	_, err = factory.StoreFor("vault://host-only")
	assert.ErrorIs(t, err, interfaces.ErrInvalidStoreURI)
}

func TestLoadTrustPool(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	rootKey, err := gid.NewKey()
	require.NoError(t, err)
	root, err := gid.Issue(gid.IssueParams{
		Subject:   "root",
		Type:      naming.TypeAuthority,
		PublicKey: rootKey.Public(),
	}, rootKey, nil)
	require.NoError(t, err)

	require.NoError(t, store.Store(ctx, root.HRN(), interfaces.KindTrustedRoot, root.Encode()))
	// A garbage entry is skipped, not fatal.
	require.NoError(t, store.Store(ctx, "bogus", interfaces.KindTrustedRoot, []byte("not pem")))

	pool, err := LoadTrustPool(ctx, store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())
	assert.NotNil(t, pool.ByName("root"))
}

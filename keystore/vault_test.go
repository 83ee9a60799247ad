package keystore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
)

// fakeVault emulates the KV v2 surface the store touches: data reads and
// writes plus metadata listing.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (f *fakeVault) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		path := strings.TrimPrefix(r.URL.Path, "/v1/")
		switch {
		case r.Method == "LIST" || r.URL.Query().Get("list") == "true":
			prefix := strings.Replace(path, "/metadata/", "/data/", 1) + "/"
			keys := []string{}
			for k := range f.secrets {
				if strings.HasPrefix(k, prefix) {
					keys = append(keys, strings.TrimPrefix(k, prefix))
				}
			}
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"keys": keys}})
		case r.Method == http.MethodGet:
			material, ok := f.secrets[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"data": map[string]any{"material": material}},
			})
		case r.Method == http.MethodPut || r.Method == http.MethodPost:
			var body struct {
				Data map[string]string `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.secrets[path] = body.Data["material"]
			json.NewEncoder(w).Encode(map[string]any{})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func TestVaultStoreRoundTrip(t *testing.T) {
	fake := &fakeVault{secrets: make(map[string]string)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewVaultStore(srv.URL, "secret", "federation", "test-token", log)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "root.siteA", interfaces.KindKey, []byte("key material")))
	require.NoError(t, store.Store(ctx, "root", interfaces.KindTrustedRoot, []byte("root gid")))

	data, err := store.Fetch(ctx, "root.siteA", interfaces.KindKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("key material"), data)

	_, err = store.Fetch(ctx, "root.siteB", interfaces.KindKey)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	names, err := store.List(ctx, interfaces.KindTrustedRoot)
	require.NoError(t, err)
	assert.Equal(t, []naming.HRN{"root"}, names)

	names, err = store.List(ctx, interfaces.KindGID)
	require.NoError(t, err)
	assert.Empty(t, names)
}

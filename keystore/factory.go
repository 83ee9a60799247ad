package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/interfaces"
)

// Factory creates key stores from URI strings.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a factory instance.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// StoreFor creates a key store from a location URI.
//
// Supported schemes:
//   - file:///var/lib/federation/keys
//   - vault://https://vault.example.com:8200/secret/federation?token=...
//   - s3://bucket/prefix?region=eu-west-1&endpoint=...&access_key=...&secret_key=...
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) StoreFor(locationURI string) (interfaces.KeyStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidStoreURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileStore(u.Path, f.log)
	case "vault":
		return f.createVaultStore(u)
	case "s3":
		return f.createS3Store(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidStoreURI, u.Scheme)
	}
}

// createVaultStore creates a Vault key store.
// URI format: vault://host:port/mount/datapath?token=...&scheme=https
func (f *Factory) createVaultStore(u *url.URL) (interfaces.KeyStore, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || u.Host == "" {
		return nil, fmt.Errorf("%w: vault URI needs host/mount/datapath", interfaces.ErrInvalidStoreURI)
	}

	scheme := u.Query().Get("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	return NewVaultStore(address, parts[0], parts[1], u.Query().Get("token"), f.log)
}

// createS3Store creates an S3 key store.
// URI format: s3://bucket/prefix?region=...&endpoint=...&access_key=...&secret_key=...
func (f *Factory) createS3Store(u *url.URL) (interfaces.KeyStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: s3 URI needs a bucket", interfaces.ErrInvalidStoreURI)
	}

	q := u.Query()
	region := q.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(u.Host, strings.Trim(u.Path, "/"), region,
		q.Get("endpoint"), q.Get("access_key"), q.Get("secret_key"), f.log)
}

// LoadTrustPool reads every GID under the trusted-roots kind into a trust
// pool. Entries that fail to decode are skipped with a warning.
func LoadTrustPool(ctx context.Context, store interfaces.KeyStore, log *slog.Logger) (*gid.TrustPool, error) {
	names, err := store.List(ctx, interfaces.KindTrustedRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted roots: %w", err)
	}

	pool := gid.NewTrustPool()
	for _, name := range names {
		data, err := store.Fetch(ctx, name, interfaces.KindTrustedRoot)
		if err != nil {
			log.Warn("Failed to fetch trusted root", slog.String("name", name.String()), "err", err)
			continue
		}
		root, err := gid.Decode(data)
		if err != nil {
			log.Warn("Failed to decode trusted root", slog.String("name", name.String()), "err", err)
			continue
		}
		pool.Add(root)
	}

	log.Info("Loaded trusted roots", slog.Int("count", pool.Len()))
	return pool, nil
}

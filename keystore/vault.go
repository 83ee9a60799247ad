package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
)

// VaultStore implements a key store on HashiCorp Vault's KV v2 engine.
// Authority material maps to one secret per name under a per-kind path.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault key store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: Vault mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "federation")
//   - token: Vault token, empty to rely on the environment
//   - log: structured logger
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Fetch retrieves material by name and kind using the KV v2 API.
func (s *VaultStore) Fetch(ctx context.Context, name naming.HRN, kind interfaces.KeyKind) ([]byte, error) {
	path := s.secretPath(name, kind)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response for %s", path)
	}
	content, ok := data["material"].(string)
	if !ok {
		return nil, fmt.Errorf("material key not found in Vault data for %s", path)
	}

	return []byte(content), nil
}

// Store saves material under a name and kind.
func (s *VaultStore) Store(ctx context.Context, name naming.HRN, kind interfaces.KeyKind, data []byte) error {
	path := s.secretPath(name, kind)

	_, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"material": string(data),
		},
	})
	if err != nil {
		s.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored key material in Vault",
		slog.String("name", name.String()),
		slog.String("kind", kind.String()))
	return nil
}

// List returns the names present under a kind using the KV v2 metadata API.
func (s *VaultStore) List(ctx context.Context, kind interfaces.KeyKind) ([]naming.HRN, error) {
	path := fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, kind)

	secret, err := s.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid list format in Vault response for %s", path)
	}

	names := make([]naming.HRN, 0, len(raw))
	for _, entry := range raw {
		str, ok := entry.(string)
		if !ok {
			continue
		}
		hrn, err := naming.ParseHRN(str)
		if err != nil {
			s.log.Warn("Skipping non-HRN entry in Vault", slog.String("entry", str))
			continue
		}
		names = append(names, hrn)
	}
	return names, nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

// secretPath maps a name and kind to a KV v2 data path.
func (s *VaultStore) secretPath(name naming.HRN, kind interfaces.KeyKind) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", s.mountPath, s.dataPath, kind, name)
}

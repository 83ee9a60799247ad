package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
)

// FileStore implements a key store on the local file system. Material is
// stored as one file per authority name, in a subdirectory per kind.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

var fileKinds = []interfaces.KeyKind{interfaces.KindKey, interfaces.KindGID, interfaces.KindTrustedRoot}

// NewFileStore creates a file key store rooted at baseDir, creating the
// per-kind subdirectories if they don't exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	for _, kind := range fileKinds {
		if err := os.MkdirAll(filepath.Join(baseDir, kind.String()), 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves material by name and kind. Returns ErrKeyNotFound if the
// file doesn't exist.
func (s *FileStore) Fetch(ctx context.Context, name naming.HRN, kind interfaces.KeyKind) ([]byte, error) {
	path := s.filePath(name, kind)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	s.log.Debug("Fetched key material",
		slog.String("name", name.String()),
		slog.String("kind", kind.String()))
	return data, nil
}

// Store saves material under a name and kind. Signing keys are written with
// owner-only permissions.
func (s *FileStore) Store(ctx context.Context, name naming.HRN, kind interfaces.KeyKind, data []byte) error {
	path := s.filePath(name, kind)

	mode := os.FileMode(0644)
	if kind == interfaces.KindKey {
		mode = 0600
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	s.log.Debug("Stored key material",
		slog.String("name", name.String()),
		slog.String("kind", kind.String()),
		slog.Int("size", len(data)))
	return nil
}

// List returns the names present under a kind.
func (s *FileStore) List(ctx context.Context, kind interfaces.KeyKind) ([]naming.HRN, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, kind.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	names := make([]naming.HRN, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		hrn, err := naming.ParseHRN(entry.Name())
		if err != nil {
			s.log.Warn("Skipping non-HRN entry in key store", slog.String("entry", entry.Name()))
			continue
		}
		names = append(names, hrn)
	}
	return names, nil
}

// Available checks that the base directory exists.
func (s *FileStore) Available(ctx context.Context) bool {
	if _, err := os.Stat(s.baseDir); err != nil {
		s.log.Debug("File key store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

// filePath maps a name and kind to a path. HRN components exclude path
// separators, so the name is safe to use directly.
func (s *FileStore) filePath(name naming.HRN, kind interfaces.KeyKind) string {
	return filepath.Join(s.baseDir, kind.String(), name.String())
}

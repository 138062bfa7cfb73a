// Package archive offers content-addressed blob storage for exported
// evidence bundles. Bundles are immutable: the API has no delete, and a
// put of existing content is a no-op. Backends cover the local filesystem,
// S3 and GCS (the latter behind the gcp build tag).
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Halyard-Labs/keel/pkg/canonicalize"
)

// Store is the blob boundary. Put persists data under its SHA-256 hex hash
// and returns that hash; putting identical content twice is idempotent.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// checkHash rejects anything that is not a full SHA-256 hex digest before
// it reaches a path or object key.
func checkHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("archive: invalid content hash %q", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("archive: invalid content hash %q: %w", hash, err)
	}
	return nil
}

func blobName(hash string) string {
	return hash + ".json"
}

// FileStore is the filesystem backend.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the base directory if needed and returns the store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Put writes the blob via temp-file rename so readers never observe a
// partial bundle.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	path := filepath.Join(s.baseDir, blobName(hash))
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, blobName(hash)+".tmp*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return hash, nil
}

// Get reads a blob by hash.
func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, blobName(hash)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: blob %s not found", hash)
		}
		return nil, fmt.Errorf("archive: open blob: %w", err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// Exists reports whether the blob is present.
func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.baseDir, blobName(hash)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat blob: %w", err)
}

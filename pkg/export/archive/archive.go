// Package archive persists rendered exports in content-addressed blob
// storage. A stored blob is addressed by a ref of the form
// "sha256:<hex>" computed over its bytes, so archiving the same export
// twice is a no-op on every backend. Backends: local filesystem, S3
// (or any S3-compatible endpoint) and, behind the gcp build tag, GCS.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound reports a ref with no stored blob behind it.
var ErrNotFound = errors.New("archive: blob not found")

// Store is a content-addressed blob store.
type Store interface {
	// Put stores data and returns its ref. Storing bytes that are
	// already present returns the existing ref without rewriting.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob behind ref, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether ref is stored.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes the blob behind ref. Deleting an absent ref is
	// not an error.
	Delete(ctx context.Context, ref string) error
}

const refPrefix = "sha256:"

// Ref computes the content ref for data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates ref and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("archive: malformed ref %q", ref)
	}
	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("archive: malformed ref %q", ref)
		}
	}
	return digest, nil
}

// FileStore keeps blobs under a local directory, sharded by the first
// two digest characters to keep directory listings small.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("archive: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(digest string) string {
	return filepath.Join(f.dir, digest[:2], digest)
}

// Put writes through a temp file and renames so a crash never leaves a
// half-written blob behind a valid ref.
func (f *FileStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)
	digest, _ := parseRef(ref)

	f.mu.Lock()
	defer f.mu.Unlock()

	dst := f.path(digest)
	if _, err := os.Stat(dst); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("archive: shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("archive: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("archive: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return ref, nil
}

func (f *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read: %w", err)
	}
	return data, nil
}

func (f *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(f.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive: stat: %w", err)
	}
	return true, nil
}

func (f *FileStore) Delete(_ context.Context, ref string) error {
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(f.path(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive: delete: %w", err)
	}
	return nil
}

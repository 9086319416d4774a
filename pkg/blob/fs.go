package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStore keeps artifacts under a local directory. Development only;
// Presign is unsupported and downloads stream through the API.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: failed to create root %s: %w", abs, err)
	}
	return &FSStore{root: abs}, nil
}

// path maps key to a file under root and rejects escapes.
func (s *FSStore) path(key string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if full != s.root && !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob: key %q escapes store root", key)
	}
	return full, nil
}

// Put writes atomically: temp file in the target directory, then rename.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blob: failed to create dir for %s: %w", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blob: failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("blob: failed to commit %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", ErrPresignNotSupported
}

func (s *FSStore) BucketExists(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("blob: root %s not reachable: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob: root %s is not a directory", s.root)
	}
	return nil
}

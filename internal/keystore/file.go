package keystore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// FileStore implements SecretStore on a private directory.
//
// Fingerprints of files written by this process are cached so repeated
// writes of the same secret cost a hash comparison only.
type FileStore struct {
	root string

	mu      sync.Mutex
	written map[string]uint64
}

// NewFileStore creates the root directory with owner-only permissions. An
// existing directory must already be owner-only and belong to the current
// user.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("checking secret directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secret directory is not a directory: %s", root)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o, want 0700", ErrInsecureDirectory, root, perm)
	}
	if err := checkOwner(root, info); err != nil {
		return nil, err
	}

	return &FileStore{
		root:    root,
		written: make(map[string]uint64),
	}, nil
}

// Root returns the directory holding the secrets.
func (s *FileStore) Root() string {
	return s.root
}

// Write implements SecretStore.
func (s *FileStore) Write(name string, data []byte) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(s.root, name)
	sum := xxhash.Sum64(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.written[name]; ok && prev == sum && unchanged(path, data) {
		return path, nil
	}
	if unchanged(path, data) {
		s.written[name] = sum
		return path, nil
	}

	tmp, err := os.CreateTemp(s.root, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("creating secret file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return "", fmt.Errorf("securing secret file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing secret file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("installing secret file: %w", err)
	}

	s.written[name] = sum
	return path, nil
}

// unchanged reports whether path exists with exactly data as content.
func unchanged(path string, data []byte) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() != int64(len(data)) {
		return false
	}
	existing, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return xxhash.Sum64(existing) == xxhash.Sum64(data) && bytes.Equal(existing, data)
}

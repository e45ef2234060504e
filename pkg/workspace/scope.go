// Package workspace provides request-scoped temporary files.
//
// Every inbound transmission and every outbound encode owns one Scope. All
// intermediate files (decrypted bodies, signed entities, extracted
// attachments) are created inside it, and Release removes them in one go:
//
//	scope, err := workspace.New("")
//	if err != nil {
//	    return err
//	}
//	defer scope.Release()
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrReleased is returned when a released scope is used.
var ErrReleased = errors.New("workspace scope already released")

// Scope owns a private temporary directory plus any files tracked from
// outside of it.
type Scope struct {
	mu       sync.Mutex
	dir      string
	tracked  []string
	released bool
}

// New creates a scope below parent, or below os.TempDir when parent is "".
func New(parent string) (*Scope, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o700); err != nil {
			return nil, fmt.Errorf("creating workspace parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, "as2-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Scope{dir: dir}, nil
}

// Dir returns the scope directory.
func (s *Scope) Dir() string {
	return s.dir
}

// NewFile reserves a new empty file and returns its path.
func (s *Scope) NewFile(pattern string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", ErrReleased
	}
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), nil
}

// WriteFile stores data in a new file and returns its path.
func (s *Scope) WriteFile(pattern string, data []byte) (string, error) {
	path, err := s.NewFile(pattern)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	return path, nil
}

// NewDir reserves a new directory inside the scope.
func (s *Scope) NewDir(pattern string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", ErrReleased
	}
	dir, err := os.MkdirTemp(s.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	return dir, nil
}

// Track registers a file living outside the scope directory for removal.
func (s *Scope) Track(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rel, err := filepath.Rel(s.dir, path); err == nil && filepath.IsLocal(rel) {
		return
	}
	s.tracked = append(s.tracked, path)
}

// Release removes every file of the scope. It is safe to call more than once.
func (s *Scope) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for _, p := range s.tracked {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

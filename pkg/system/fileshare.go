package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openfroyo/provision/pkg/engine"
)

// FileShare is the set of controller-side paths a worker may pull. It only
// grows and is safe for concurrent registration.
type FileShare struct {
	mu       sync.RWMutex
	files    map[string]struct{}
	prefixes []string
}

// NewFileShare creates an empty share.
func NewFileShare() *FileShare {
	return &FileShare{files: make(map[string]struct{})}
}

// Register shares a single path.
func (s *FileShare) Register(path string) {
	clean := filepath.Clean(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[clean] = struct{}{}
}

// RegisterPrefix shares every path at or below prefix.
func (s *FileShare) RegisterPrefix(prefix string) {
	clean := filepath.Clean(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prefixes {
		if p == clean {
			return
		}
	}
	s.prefixes = append(s.prefixes, clean)
}

// Allowed reports whether path was shared. Prefixes match whole path
// components, so "/srv/files" does not share "/srv/files2".
func (s *FileShare) Allowed(path string) bool {
	clean := filepath.Clean(path)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.files[clean]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if clean == p || strings.HasPrefix(clean, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// Open opens a shared path for reading.
func (s *FileShare) Open(path string) (*os.File, error) {
	if !s.Allowed(path) {
		return nil, engine.NewProtocolError(fmt.Sprintf("file %q is not shared", path), nil).
			WithCode(engine.ErrCodeFileNotShared)
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, engine.NewExecutionError(fmt.Sprintf("failed to open shared file %q", path), err).
			WithCode(engine.ErrCodeFilesystem)
	}
	return f, nil
}

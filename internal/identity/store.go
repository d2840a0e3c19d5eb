package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// FileStore keeps the identity in a single file.
type FileStore struct {
	fs   afero.Fs
	path string
}

// NewFileStore returns a store backed by path on fs. A nil fs means the OS
// filesystem.
func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: path}
}

func (s *FileStore) Get(_ context.Context) (string, bool, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	id := strings.TrimSpace(string(data))
	return id, id != "", nil
}

func (s *FileStore) Set(_ context.Context, id string) error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	return afero.WriteFile(s.fs, s.path, []byte(id+"\n"), 0o600)
}

// Path returns the file holding the identity.
func (s *FileStore) Path() string {
	return s.path
}

// MemoryStore keeps the identity for the lifetime of the process.
type MemoryStore struct {
	mu sync.RWMutex
	id string
}

func (s *MemoryStore) Get(_ context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id != "", nil
}

func (s *MemoryStore) Set(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

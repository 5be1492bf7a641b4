package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
)

// FileStore abstracts the backing file so tests can inject failures.
type FileStore interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

// OSFileStore reads and atomically replaces files on disk. Files are written
// with mode 0600 since profiles may carry passwords.
type OSFileStore struct{}

func (OSFileStore) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFileStore) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create connections directory: %w", err)
	}
	return atomicwriter.WriteFile(path, data, 0o600)
}

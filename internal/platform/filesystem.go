package platform

import (
	"os"
	"path/filepath"

	"github.com/forkerdotnet/forkergo/internal/interfaces"
)

// OSFilesystem is the production interfaces.Filesystem backed by the local
// disk. *os.File already satisfies both interfaces.ReadFile and
// interfaces.WriteFile, so no wrapper types are needed.
type OSFilesystem struct{}

// NewOSFilesystem constructs an OSFilesystem.
func NewOSFilesystem() OSFilesystem { return OSFilesystem{} }

// OpenRead opens path for reading with the platform's default, non-exclusive
// share mode; a concurrent writer is never blocked by this call.
func (OSFilesystem) OpenRead(path string) (interfaces.ReadFile, error) {
	return os.Open(path)
}

// CreateExclusive creates path for writing, failing if it already exists.
func (OSFilesystem) CreateExclusive(path string) (interfaces.WriteFile, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

func (OSFilesystem) Stat(path string) (interfaces.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return interfaces.FileInfo{}, err
	}
	return interfaces.FileInfo{Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}, nil
}

func (OSFilesystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Rename performs an atomic rename-with-replace. On POSIX this is rename(2);
// callers are responsible for fsync-ing the containing directory if they
// need the rename itself to be crash-durable beyond what the filesystem's
// own journal already guarantees.
func (OSFilesystem) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (OSFilesystem) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (OSFilesystem) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (OSFilesystem) ReadDir(path string) ([]interfaces.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]interfaces.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, interfaces.DirEntry{Name: filepath.Join(path, e.Name()), IsDir: e.IsDir()})
	}
	return out, nil
}

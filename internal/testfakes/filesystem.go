package testfakes

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/forkerdotnet/forkergo/internal/interfaces"
)

// Filesystem is an in-memory interfaces.Filesystem fake keyed by path.
type Filesystem struct {
	mu      sync.Mutex
	files   map[string][]byte
	modTime map[string]time.Time
	clock   *Clock

	// FailOpenRead, when non-nil, is returned by OpenRead for any path for
	// which it returns a non-nil error (used to simulate SourceMissing/IO
	// faults mid-copy).
	FailOpenRead func(path string) error
}

// NewFilesystem constructs an empty in-memory filesystem driven by clock
// for file modification timestamps.
func NewFilesystem(clock *Clock) *Filesystem {
	return &Filesystem{files: make(map[string][]byte), modTime: make(map[string]time.Time), clock: clock}
}

// Seed places content at path as if written at the clock's current instant.
func (f *Filesystem) Seed(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), content...)
	f.modTime[path] = f.clock.Now()
}

// Touch updates path's modification time to the clock's current instant
// without changing its content (simulates a write that re-opens the file).
func (f *Filesystem) Touch(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modTime[path] = f.clock.Now()
}

func (f *Filesystem) OpenRead(path string) (interfaces.ReadFile, error) {
	if f.FailOpenRead != nil {
		if err := f.FailOpenRead(path); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	return &fakeReadFile{r: bytes.NewReader(content)}, nil
}

func (f *Filesystem) CreateExclusive(path string) (interfaces.WriteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.files[path]; exists {
		return nil, fmt.Errorf("create %s: file exists", path)
	}
	f.files[path] = nil
	f.modTime[path] = f.clock.Now()
	return &fakeWriteFile{fs: f, path: path}, nil
}

func (f *Filesystem) Stat(path string) (interfaces.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return interfaces.FileInfo{}, fmt.Errorf("stat %s: no such file", path)
	}
	return interfaces.FileInfo{Size: int64(len(content)), ModTime: f.modTime[path]}, nil
}

func (f *Filesystem) Exists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok, nil
}

func (f *Filesystem) Rename(oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[oldPath]
	if !ok {
		return fmt.Errorf("rename %s: no such file", oldPath)
	}
	f.files[newPath] = content
	f.modTime[newPath] = f.modTime[oldPath]
	delete(f.files, oldPath)
	delete(f.modTime, oldPath)
	return nil
}

func (f *Filesystem) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	delete(f.modTime, path)
	return nil
}

func (f *Filesystem) MkdirAll(path string) error { return nil }

func (f *Filesystem) ReadDir(dir string) ([]interfaces.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for p := range f.files {
		names = append(names, p)
	}
	sort.Strings(names)
	out := make([]interfaces.DirEntry, 0, len(names))
	for _, p := range names {
		out = append(out, interfaces.DirEntry{Name: p})
	}
	return out, nil
}

// Content returns the current bytes at path (test assertion helper).
func (f *Filesystem) Content(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.files[path]...)
}

type fakeReadFile struct {
	r *bytes.Reader
}

func (r *fakeReadFile) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *fakeReadFile) Close() error                { return nil }

type fakeWriteFile struct {
	fs   *Filesystem
	path string
	buf  bytes.Buffer
}

func (w *fakeWriteFile) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.fs.mu.Lock()
	w.fs.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	w.fs.mu.Unlock()
	return n, err
}

func (w *fakeWriteFile) Close() error { return nil }
func (w *fakeWriteFile) Sync() error  { return nil }

var _ io.Reader = (*fakeReadFile)(nil)

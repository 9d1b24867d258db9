package testutil

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"flowsync/internal/flow"
)

// MemoryFileStore is an in-memory flow.FileStore for tests. Safe for
// concurrent use.
type MemoryFileStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemoryFileStore creates an empty store.
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string][]byte)}
}

func (m *MemoryFileStore) ArchivePath(filename string) string {
	return "/archives/" + path.Base(filename)
}

func (m *MemoryFileStore) MediaPath(filename string) string {
	return "/media/" + path.Base(filename)
}

func (m *MemoryFileStore) UpdatePath(filename string) string {
	return "/updates/" + path.Base(filename)
}

// AddFile stores content at p.
func (m *MemoryFileStore) AddFile(p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), content...)
}

// Content returns the bytes at p, or nil if absent.
func (m *MemoryFileStore) Content(p string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[p]
}

// Corrupt flips the first byte of p, keeping its size.
func (m *MemoryFileStore) Corrupt(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data := m.files[p]; len(data) > 0 {
		data[0] ^= 0xff
	}
}

// Paths lists stored paths in order.
func (m *MemoryFileStore) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryFileStore) WriteAtomic(p string, write func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return err
	}
	m.AddFile(p, buf.Bytes())
	return nil
}

func (m *MemoryFileStore) Open(p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", p)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (m *MemoryFileStore) Stat(p string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	return int64(len(data)), ok, nil
}

func (m *MemoryFileStore) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, p)
	return nil
}

func (m *MemoryFileStore) Copy(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[src]
	if !ok {
		return fmt.Errorf("file not found: %s", src)
	}
	m.files[dst] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryFileStore) RemoveArchives() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p := range m.files {
		if strings.HasPrefix(p, "/archives/") && flow.IsArchiveFile(p) {
			delete(m.files, p)
			n++
		}
	}
	return n, nil
}

// Compile-time check
var _ flow.FileStore = (*MemoryFileStore)(nil)

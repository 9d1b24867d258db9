package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"flowsync/internal/flow"
)

// OSFileStore keeps device files on the real filesystem:
//
//	<root>/
//	  archives/   packaged instances (*.zip)
//	  media/      captured photos, videos and signatures
//	  updates/    downloaded application packages
type OSFileStore struct {
	root       string
	archiveDir string
	mediaDir   string
	updateDir  string
}

// NewOSFileStore creates the directory layout under root.
func NewOSFileStore(root string) (*OSFileStore, error) {
	s := &OSFileStore{
		root:       root,
		archiveDir: filepath.Join(root, "archives"),
		mediaDir:   filepath.Join(root, "media"),
		updateDir:  filepath.Join(root, "updates"),
	}
	for _, dir := range []string{s.archiveDir, s.mediaDir, s.updateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return s, nil
}

func (s *OSFileStore) ArchivePath(filename string) string {
	return filepath.Join(s.archiveDir, filepath.Base(filename))
}

func (s *OSFileStore) MediaPath(filename string) string {
	return filepath.Join(s.mediaDir, filepath.Base(filename))
}

func (s *OSFileStore) UpdatePath(filename string) string {
	return filepath.Join(s.updateDir, filepath.Base(filename))
}

// WriteAtomic writes through a temp file in the destination directory and
// renames it into place only when write returns nil.
func (s *OSFileStore) WriteAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmpFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

// Open opens a file for reading.
func (s *OSFileStore) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Stat reports the size of a regular file. A missing file is not an error.
func (s *OSFileStore) Stat(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, false, fmt.Errorf("not a regular file: %s", path)
	}
	return info.Size(), true, nil
}

// Remove deletes a file. Removing a missing file succeeds.
func (s *OSFileStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Copy copies src to dst atomically.
func (s *OSFileStore) Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	return s.WriteAtomic(dst, func(w io.Writer) error {
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("copying %s: %w", src, err)
		}
		return nil
	})
}

// RemoveArchives deletes every packaged archive and returns how many were removed.
func (s *OSFileStore) RemoveArchives() (int, error) {
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		return 0, fmt.Errorf("reading archive directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !flow.IsArchiveFile(entry.Name()) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := os.Remove(filepath.Join(s.archiveDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing archive %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Compile-time check that OSFileStore implements flow.FileStore interface
var _ flow.FileStore = (*OSFileStore)(nil)

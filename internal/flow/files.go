package flow

import "io"

// FileStore manages the device's local files: packaged archives, captured
// media and downloaded update packages. Paths are opaque to callers and come
// from the *Path methods.
type FileStore interface {
	ArchivePath(filename string) string
	MediaPath(filename string) string
	UpdatePath(filename string) string

	// WriteAtomic streams write's output to a temporary file and renames it
	// to path only when write succeeds, so readers never see a partial file.
	WriteAtomic(path string, write func(w io.Writer) error) error
	Open(path string) (io.ReadCloser, error)
	Stat(path string) (size int64, exists bool, err error)
	Remove(path string) error
	Copy(src, dst string) error
	RemoveArchives() (int, error)
}

// TransmissionPath resolves where the file of a transmission lives locally.
func TransmissionPath(files FileStore, filename string) string {
	if IsArchiveFile(filename) {
		return files.ArchivePath(filename)
	}
	return files.MediaPath(filename)
}

package vault

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"flowsync/internal/flow"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// It stores uploads and backups as files in a directory structure:
//
//	<root>/
//	  files/
//	    devicezip/<name>.zip
//	    images/<name>
//	  backups/
//	    <deviceID>.db.age
//	    <deviceID>.version
type FileSystemVault struct {
	name       string
	root       string
	filesDir   string
	backupsDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	filesDir := filepath.Join(root, "files")
	backupsDir := filepath.Join(root, "backups")

	for _, dir := range []string{filesDir, backupsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	return &FileSystemVault{
		name:       name,
		root:       root,
		filesDir:   filesDir,
		backupsDir: backupsDir,
	}, nil
}

// PutFile stores a file under dir. The content is only moved into place when
// its size and MD5 match what the caller announced.
func (v *FileSystemVault) PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (string, error) {
	destDir, err := v.fileDir(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	h := md5.New()
	err = v.writeFile(filepath.Join(destDir, filepath.Base(name)), io.TeeReader(r, h), size, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if contentMD5 != "" && !flow.Digest(h.Sum(nil)).Matches(contentMD5) {
			return fmt.Errorf("content md5 mismatch for %s", name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}

// GetFile retrieves a stored file and writes it to w.
func (v *FileSystemVault) GetFile(ctx context.Context, dir, name string, w io.Writer) error {
	srcDir, err := v.fileDir(dir)
	if err != nil {
		return err
	}
	return v.readFile(filepath.Join(srcDir, filepath.Base(name)), w, fmt.Sprintf("file not found: %s/%s", dir, name))
}

func (v *FileSystemVault) fileDir(dir string) (string, error) {
	clean := filepath.Clean("/" + dir)
	if clean == "/" {
		return "", fmt.Errorf("invalid vault directory: %q", dir)
	}
	return filepath.Join(v.filesDir, clean), nil
}

// PutBackup stores the backup of a device along with a version marker.
func (v *FileSystemVault) PutBackup(ctx context.Context, deviceID string, r io.Reader, size int64, version int64) error {
	destPath := filepath.Join(v.backupsDir, deviceID+".db.age")
	if err := v.writeFile(destPath, r, size, nil); err != nil {
		return err
	}

	versionPath := filepath.Join(v.backupsDir, deviceID+".version")
	versionData := strconv.FormatInt(version, 10)
	return os.WriteFile(versionPath, []byte(versionData), 0644)
}

// GetBackupVersion returns the backup version of a device.
// Returns 0 if no version file exists.
func (v *FileSystemVault) GetBackupVersion(ctx context.Context, deviceID string) (int64, error) {
	versionPath := filepath.Join(v.backupsDir, deviceID+".version")
	data, err := os.ReadFile(versionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// GetBackup retrieves the backup of a device and writes it to w.
func (v *FileSystemVault) GetBackup(ctx context.Context, deviceID string, w io.Writer) error {
	srcPath := filepath.Join(v.backupsDir, deviceID+".db.age")
	return v.readFile(srcPath, w, fmt.Sprintf("backup not found for device: %s", deviceID))
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	for _, dir := range []string{v.filesDir, v.backupsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	return nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
// check, when set, runs after the copy and can veto the rename.
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64, check func() error) error {
	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(destPath)
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

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// readFile reads from the specified path and writes to w.
func (v *FileSystemVault) readFile(srcPath string, w io.Writer, notFoundMsg string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s", notFoundMsg)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	return nil
}

// Compile-time check that FileSystemVault implements flow.Vault interface
var _ flow.Vault = (*FileSystemVault)(nil)

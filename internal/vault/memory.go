package vault

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"flowsync/internal/flow"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It stores all files and backups in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name          string
	files         map[string][]byte // "dir/name" -> content
	backups       map[string][]byte // deviceID -> encrypted snapshot
	backupVersion map[string]int64  // deviceID -> version
	puts          int
	mu            sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:          name,
		files:         make(map[string][]byte),
		backups:       make(map[string][]byte),
		backupVersion: make(map[string]int64),
	}
}

func fileKey(dir, name string) string {
	return dir + "/" + name
}

// PutFile stores a file and returns the hex MD5 of what was kept as its ETag.
func (m *MemoryVault) PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	sum := md5.Sum(data)
	if contentMD5 != "" && !flow.Digest(sum).Matches(contentMD5) {
		return "", fmt.Errorf("content md5 mismatch for %s", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-uploading the same file replaces it.
	m.files[fileKey(dir, name)] = data
	m.puts++
	return `"` + hex.EncodeToString(sum[:]) + `"`, nil
}

// GetFile retrieves a stored file.
func (m *MemoryVault) GetFile(ctx context.Context, dir, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[fileKey(dir, name)]
	if !ok {
		return fmt.Errorf("file not found: %s/%s", dir, name)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// HasFile reports whether dir/name has been stored.
func (m *MemoryVault) HasFile(dir, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[fileKey(dir, name)]
	return ok
}

// Puts returns how many files were accepted.
func (m *MemoryVault) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// PutBackup stores the backup of a device with its version.
func (m *MemoryVault) PutBackup(ctx context.Context, deviceID string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.backups[deviceID] = data
	m.backupVersion[deviceID] = version
	return nil
}

// GetBackupVersion returns the backup version of a device.
// Returns 0 if no backup has been stored for this device.
func (m *MemoryVault) GetBackupVersion(ctx context.Context, deviceID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.backupVersion[deviceID], nil
}

// GetBackup retrieves the backup of a device.
func (m *MemoryVault) GetBackup(ctx context.Context, deviceID string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.backups[deviceID]
	if !ok {
		return fmt.Errorf("backup not found for device: %s", deviceID)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryVault implements flow.Vault interface
var _ flow.Vault = (*MemoryVault)(nil)

package flow

import (
	"context"
	"io"
)

// Vault is the remote object store that receives archives, media and
// encrypted device backups.
type Vault interface {
	// PutFile stores size bytes from r under dir/name. contentMD5 is the
	// base64 MD5 of the content; the store rejects the upload when the
	// received bytes do not match it. The returned ETag is the store's digest
	// of what it kept, which the caller verifies against the local file.
	PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (etag string, err error)

	// GetFile writes the content of dir/name to w.
	GetFile(ctx context.Context, dir, name string, w io.Writer) error

	// PutBackup stores an encrypted database snapshot for a device.
	// version is stored alongside for consistency checks.
	PutBackup(ctx context.Context, deviceID string, r io.Reader, size int64, version int64) error

	// GetBackup writes the latest backup of a device to w.
	GetBackup(ctx context.Context, deviceID string, w io.Writer) error

	// GetBackupVersion returns the version of the stored backup, 0 if none.
	GetBackupVersion(ctx context.Context, deviceID string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}

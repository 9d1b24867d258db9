package flow

import (
	"context"
	"fmt"
	"io"
	"os"
)

// DeviceBackup keeps an encrypted copy of the device database in the vault,
// versioned by the id of the last state-mutating operation.
type DeviceBackup struct {
	db        Database
	vault     Vault
	encryptor Encryptor
	deviceID  string
	logger    Logger
}

func NewDeviceBackup(db Database, vault Vault, encryptor Encryptor, deviceID string, logger Logger) *DeviceBackup {
	return &DeviceBackup{
		db:        db,
		vault:     vault,
		encryptor: encryptor,
		deviceID:  deviceID,
		logger:    logger,
	}
}

// CheckVersion fails when the vault holds a newer backup than the local
// database, which means this device's state was restored elsewhere.
func (b *DeviceBackup) CheckVersion(ctx context.Context) error {
	remote, err := b.vault.GetBackupVersion(ctx, b.deviceID)
	if err != nil {
		return fmt.Errorf("checking remote backup version: %w", err)
	}
	local, err := b.db.MaxOperationID()
	if err != nil {
		return fmt.Errorf("checking local backup version: %w", err)
	}
	if remote > local {
		return fmt.Errorf("local database is behind remote backup (local=%d, remote=%d): restore from vault or re-initialize", local, remote)
	}
	return nil
}

// Upload snapshots the database, encrypts it and stores it with version.
func (b *DeviceBackup) Upload(ctx context.Context, version int64) error {
	snapshot, err := os.CreateTemp("", "flowsync-db-*.db")
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	snapshotPath := snapshot.Name()
	snapshot.Close()
	os.Remove(snapshotPath)
	defer os.Remove(snapshotPath)

	if err := b.db.BackupTo(snapshotPath); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}

	encrypted, err := os.CreateTemp("", "flowsync-db-*.db.age")
	if err != nil {
		return fmt.Errorf("creating encrypted snapshot file: %w", err)
	}
	defer os.Remove(encrypted.Name())
	defer encrypted.Close()

	plain, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	err = b.encryptor.Encrypt(plain, encrypted)
	plain.Close()
	if err != nil {
		return fmt.Errorf("encrypting snapshot: %w", err)
	}

	size, err := encrypted.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sizing encrypted snapshot: %w", err)
	}
	if _, err := encrypted.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding encrypted snapshot: %w", err)
	}
	if err := b.vault.PutBackup(ctx, b.deviceID, NewContextReader(ctx, encrypted), size, version); err != nil {
		return fmt.Errorf("uploading backup: %w", err)
	}
	b.logger.Info("database backed up", "device", b.deviceID, "version", version, "size", size)
	return nil
}

// Restore downloads the latest backup and writes the decrypted database to dest.
func (b *DeviceBackup) Restore(ctx context.Context, dc DecryptionContext, dest string) error {
	encrypted, err := os.CreateTemp("", "flowsync-restore-*.db.age")
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	defer os.Remove(encrypted.Name())
	defer encrypted.Close()

	if err := b.vault.GetBackup(ctx, b.deviceID, encrypted); err != nil {
		return fmt.Errorf("downloading backup: %w", err)
	}
	if _, err := encrypted.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding backup: %w", err)
	}

	tmp := dest + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating restored database: %w", err)
	}
	if err := dc.Decrypt(encrypted, out); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("decrypting backup: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing restored database: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing restored database: %w", err)
	}
	b.logger.Info("database restored", "device", b.deviceID, "path", dest)
	return nil
}

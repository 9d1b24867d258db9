package app

import (
	"context"
	"fmt"
	"os"

	"flowsync/internal/config"
	"flowsync/internal/database"
	"flowsync/internal/encryption"
	"flowsync/internal/flow"
	"flowsync/internal/vault"
)

// Restore replaces the local database with the latest backup in the vault.
// Exactly one of passphrase or identities unlocks the backup: the passphrase
// opens the configured private key, identities holds age identities directly.
func Restore(ctx context.Context, cfg *config.Config, passphrase, identities string) (string, error) {
	if cfg.Database.Type != "sqlite" {
		return "", fmt.Errorf("restore needs a sqlite database, have %q", cfg.Database.Type)
	}

	dc, err := unlock(cfg.Encryption, passphrase, identities)
	if err != nil {
		return "", err
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		return "", fmt.Errorf("creating vault: %w", err)
	}
	version, err := v.GetBackupVersion(ctx, cfg.DeviceID)
	if err != nil {
		return "", fmt.Errorf("checking backup version: %w", err)
	}
	if version == 0 {
		return "", fmt.Errorf("no backup stored for device %s", cfg.DeviceID)
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0700); err != nil {
		return "", fmt.Errorf("creating database directory: %w", err)
	}
	dest := database.FilePath(cfg.Database, cfg.DeviceID)
	backup := flow.NewDeviceBackup(nil, v, nil, cfg.DeviceID, flow.NewNopLogger())
	if err := backup.Restore(ctx, dc, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func unlock(cfg config.EncryptionConfig, passphrase, identities string) (flow.DecryptionContext, error) {
	if identities != "" {
		return encryption.NewIdentityContext(identities)
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsConfigured() {
		return nil, fmt.Errorf("encryption keys not configured")
	}
	dc, err := enc.Unlock(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key: %w", err)
	}
	return dc, nil
}

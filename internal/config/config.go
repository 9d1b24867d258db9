package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
)

// Config represents the main configuration for flowsync.
type Config struct {
	DeviceID   string           `toml:"device_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Server     ServerConfig     `toml:"server"`
	User       UserConfig       `toml:"user"`
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Storage    StorageConfig    `toml:"storage"`
	Sync       SyncConfig       `toml:"sync"`
}

// ServerConfig points at the Flow API.
type ServerConfig struct {
	URL     string `toml:"url"`
	APIKey  string `toml:"api_key,omitempty"` // signs datapoint requests; FLOWSYNC_API_KEY overrides
	Timeout string `toml:"timeout,omitempty"` // Go duration, e.g. "30s"
}

// UserConfig identifies who captures data on this device and which survey
// group the device is assigned to.
type UserConfig struct {
	ID            int64  `toml:"id"`
	Name          string `toml:"name"`
	Email         string `toml:"email,omitempty"`
	SurveyGroupID int64  `toml:"survey_group_id"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`

	// Recipients are additional age public keys (e.g. the field office's)
	// that can decrypt device backups without the device passphrase.
	Recipients []string `toml:"recipients,omitempty"`
}

// VaultConfig represents configuration for the object store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the device database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StorageConfig locates archives, media and downloaded packages on the device.
type StorageConfig struct {
	Dir string `toml:"dir"`
	// PublishDir receives copies of all transmission files on `flowsync publish`.
	PublishDir string `toml:"publish_dir,omitempty"`
	// BootstrapDir is scanned for form zips on `flowsync form bootstrap`.
	BootstrapDir string `toml:"bootstrap_dir,omitempty"`
}

// SyncConfig controls when and how the device talks to the server.
type SyncConfig struct {
	AllowMetered    bool   `toml:"allow_metered"`
	Network         string `toml:"network"` // "wifi", "metered" or "none"; FLOWSYNC_NETWORK overrides
	Workers         int    `toml:"workers"`
	UploadRetries   int    `toml:"upload_retries"`
	TransferTimeout string `toml:"transfer_timeout,omitempty"`
	PullInterval    string `toml:"pull_interval,omitempty"`
}

// TransferTimeoutDuration returns the bound for one file transfer, 0 if unset.
func (s SyncConfig) TransferTimeoutDuration() (time.Duration, error) {
	return parseDuration("transfer_timeout", s.TransferTimeout)
}

// PullIntervalDuration returns the period of the sync watch loop, 0 if unset.
func (s SyncConfig) PullIntervalDuration() (time.Duration, error) {
	return parseDuration("pull_interval", s.PullInterval)
}

// TimeoutDuration returns the HTTP timeout of API calls, 0 if unset.
func (s ServerConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("timeout", s.Timeout)
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative", field, s)
	}
	return d, nil
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Vault:    VaultConfig{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "flowsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "flowsync.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Storage: StorageConfig{
			Dir:          filepath.Join(baseDir, "files"),
			PublishDir:   filepath.Join(baseDir, "published"),
			BootstrapDir: filepath.Join(baseDir, "bootstrap"),
		},
		Sync: SyncConfig{
			Network:         "wifi",
			Workers:         4,
			UploadRetries:   2,
			TransferTimeout: "5m",
			PullInterval:    "15m",
		},
	}
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.DeviceID == "" {
		errs = multierror.Append(errs, fmt.Errorf("device_id is required"))
	}
	switch c.Vault.Type {
	case "memory":
	case "filesystem":
		if c.Vault.FSVaultRoot == "" {
			errs = multierror.Append(errs, fmt.Errorf("filesystem vault requires fs_vault_root"))
		}
	case "s3":
		if c.Vault.S3Bucket == "" {
			errs = multierror.Append(errs, fmt.Errorf("s3 vault requires s3_bucket"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown vault type: %q", c.Vault.Type))
	}
	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if c.Database.DataDir == "" {
			errs = multierror.Append(errs, fmt.Errorf("sqlite database requires data_dir"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown database type: %q", c.Database.Type))
	}
	if c.Storage.Dir == "" {
		errs = multierror.Append(errs, fmt.Errorf("storage dir is required"))
	}
	if c.Sync.Workers < 0 || c.Sync.UploadRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("sync workers and upload_retries must not be negative"))
	}
	for _, fn := range []func() (time.Duration, error){
		c.Sync.TransferTimeoutDuration, c.Sync.PullIntervalDuration, c.Server.TimeoutDuration,
	} {
		if _, err := fn(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

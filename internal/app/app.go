package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"flowsync/internal/config"
	"flowsync/internal/database"
	"flowsync/internal/encryption"
	"flowsync/internal/files"
	"flowsync/internal/flow"
	"flowsync/internal/remote"
	"flowsync/internal/vault"
)

// Environment overrides, read after the optional .env in the base dir.
const (
	EnvNetwork = "FLOWSYNC_NETWORK"
	EnvAPIKey  = "FLOWSYNC_API_KEY"
)

// Options tune how a FlowApp is built. Zero values select production behaviour.
type Options struct {
	Verbose bool
	// Network overrides connectivity detection.
	Network flow.NetworkMonitor
	// API overrides the HTTP client built from the server config.
	API   flow.RemoteAPI
	Clock flow.Clock
	IDs   flow.IDGenerator
}

// FlowApp is the application layer between the CLI and flow.Service.
// It constructs all dependencies from config, exposes high-level operations
// and manages the database lifecycle and device backup on Close.
type FlowApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	vault     flow.Vault
	files     *files.OSFileStore
	encryptor flow.Encryptor
	session   *flow.Session
	service   *flow.Service
	backup    *flow.DeviceBackup
	clock     flow.Clock
	logger    flow.Logger
	op        *Operation
	logFile   *os.File
}

// LoadEnv applies baseDir/.env to the process environment. A missing file is
// not an error; variables already set win.
func LoadEnv(baseDir string) error {
	err := godotenv.Load(filepath.Join(baseDir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// NewFlowApp creates a fully wired FlowApp from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "Export").
// The caller must call Close when done.
func NewFlowApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*FlowApp, error) {
	if err := LoadEnv(cfg.BaseDir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = flow.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = flow.UUIDGenerator{}
	}

	network := opts.Network
	if network == nil {
		n, err := networkFromConfig(cfg.Sync)
		if err != nil {
			return nil, err
		}
		network = n
	}

	syncOpts, err := syncOptions(cfg.Sync)
	if err != nil {
		return nil, err
	}

	api := opts.API
	if api == nil {
		timeout, err := cfg.Server.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		apiKey := cfg.Server.APIKey
		if v := os.Getenv(EnvAPIKey); v != "" {
			apiKey = v
		}
		api = remote.NewClient(cfg.Server.URL, apiKey, timeout)
	}

	session, err := flow.NewSession(
		flow.User{ID: cfg.User.ID, Name: cfg.User.Name, Email: cfg.User.Email},
		cfg.DeviceID, cfg.User.SurveyGroupID, cfg.Sync.AllowMetered, opts.Clock.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	store, err := files.NewOSFileStore(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("creating file store: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.DeviceID, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, opts.Verbose)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	backup := flow.NewDeviceBackup(db, v, enc, cfg.DeviceID, log)
	if err := backup.CheckVersion(ctx); err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}

	svc := flow.NewService(flow.ServiceDeps{
		Database: db,
		API:      api,
		Vault:    v,
		Files:    store,
		Network:  network,
		Session:  session,
		Logger:   log,
		Clock:    opts.Clock,
		IDs:      opts.IDs,
		Workers:  cfg.Sync.Workers,
		Sync:     syncOpts,
	})

	return &FlowApp{
		cfg:       cfg,
		db:        db,
		vault:     v,
		files:     store,
		encryptor: enc,
		session:   session,
		service:   svc,
		backup:    backup,
		clock:     opts.Clock,
		logger:    log,
		op:        NewOperation(operation, ""),
		logFile:   logFile,
	}, nil
}

func networkFromConfig(cfg config.SyncConfig) (flow.NetworkMonitor, error) {
	name := cfg.Network
	if v := os.Getenv(EnvNetwork); v != "" {
		name = v
	}
	c, err := flow.ParseConnectionType(name)
	if err != nil {
		return nil, err
	}
	return flow.StaticNetwork(c), nil
}

func syncOptions(cfg config.SyncConfig) (flow.SyncOptions, error) {
	opts := flow.DefaultSyncOptions()
	opts.UploadRetries = cfg.UploadRetries
	timeout, err := cfg.TransferTimeoutDuration()
	if err != nil {
		return opts, err
	}
	opts.TransferTimeout = timeout
	return opts, nil
}

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// Only DB-mutating commands call it.
func (a *FlowApp) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	dbOp, err := a.db.CreateOperation(a.op.Name, parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// Session returns the logged-in session.
func (a *FlowApp) Session() *flow.Session { return a.session }

// FetchForm downloads and stores a form definition.
func (a *FlowApp) FetchForm(ctx context.Context, formID string) (*flow.Form, error) {
	if err := a.persistOperation("form=" + formID); err != nil {
		return nil, err
	}
	form, err := a.service.FetchForm(ctx, formID)
	return form, a.op.Fail(err)
}

// StartInstance creates a new SAVED instance of formID.
func (a *FlowApp) StartInstance(formID, dataPointID string) (*flow.FormInstance, error) {
	if err := a.persistOperation("form=" + formID); err != nil {
		return nil, err
	}
	inst, err := a.service.StartInstance(formID, dataPointID)
	return inst, a.op.Fail(err)
}

// Answer captures one response. confirmation, when non-empty, is recorded
// as the second entry of a double-entry question before validation.
func (a *FlowApp) Answer(instanceID int64, questionID string, iteration int, value, confirmation string) (*flow.QuestionError, error) {
	if err := a.persistOperation(fmt.Sprintf("instance=%d question=%s", instanceID, questionID)); err != nil {
		return nil, err
	}
	engine, err := a.service.OpenInstance(instanceID)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	if confirmation != "" {
		if _, err := engine.Confirm(questionID, iteration, confirmation); err != nil {
			return nil, a.op.Fail(err)
		}
	}
	_, problem, err := engine.Capture(questionID, iteration, value)
	return problem, a.op.Fail(err)
}

// Submit validates and submits an instance, then schedules its export.
// Validation problems are returned without changing the instance.
func (a *FlowApp) Submit(ctx context.Context, instanceID int64) ([]flow.QuestionError, error) {
	if err := a.persistOperation("instance=" + strconv.FormatInt(instanceID, 10)); err != nil {
		return nil, err
	}
	engine, err := a.service.OpenInstance(instanceID)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	problems, err := engine.Submit()
	if err != nil || len(problems) > 0 {
		return problems, a.op.Fail(err)
	}
	return nil, a.op.Fail(a.service.Export(ctx, instanceID).Wait(ctx))
}

// Export packages every submitted instance.
func (a *FlowApp) Export(ctx context.Context) (int, error) {
	if err := a.persistOperation(""); err != nil {
		return 0, err
	}
	n, err := a.service.ExportSubmitted(ctx)
	return n, a.op.Fail(err)
}

// Sync runs one sync cycle.
func (a *FlowApp) Sync(ctx context.Context, mode flow.SyncMode) flow.SyncResult {
	if err := a.persistOperation("mode=" + mode.String()); err != nil {
		return flow.SyncResult{Code: flow.ResultTransportError, Err: err}
	}
	res := a.service.Sync(ctx, mode)
	if res.Code != flow.ResultSuccess {
		a.op.Status = "error"
	}
	return res
}

// PublishData copies every transmission file into dir, or into the configured
// publish directory when dir is empty.
func (a *FlowApp) PublishData(ctx context.Context, dir string) (flow.PublishResult, error) {
	if dir == "" {
		dir = a.cfg.Storage.PublishDir
	}
	if dir == "" {
		return flow.PublishResult{}, errors.New("no publish directory configured")
	}
	return a.service.PublishData(ctx, dir)
}

// Bootstrap installs the form zips found in dir, or in the configured
// bootstrap directory when dir is empty.
func (a *FlowApp) Bootstrap(ctx context.Context, dir string) (flow.BootstrapResult, error) {
	if dir == "" {
		dir = a.cfg.Storage.BootstrapDir
	}
	if dir == "" {
		return flow.BootstrapResult{}, errors.New("no bootstrap directory configured")
	}
	if err := a.persistOperation("dir=" + dir); err != nil {
		return flow.BootstrapResult{}, err
	}
	res, err := a.service.Bootstrap(ctx, dir)
	return res, a.op.Fail(err)
}

// Repair resets interrupted uploads and re-exports broken instances.
func (a *FlowApp) Repair(ctx context.Context) (int, error) {
	if err := a.persistOperation(""); err != nil {
		return 0, err
	}
	n, err := a.service.Repair(ctx)
	return n, a.op.Fail(err)
}

// Wipe deletes every captured instance and local archive.
func (a *FlowApp) Wipe() error {
	if err := a.persistOperation(""); err != nil {
		return err
	}
	return a.op.Fail(a.service.Wipe())
}

// Status reports what is waiting on the device.
func (a *FlowApp) Status() (*flow.StatusReport, error) {
	return a.service.Status()
}

// History returns the most recent operations.
func (a *FlowApp) History(limit int) ([]*flow.Operation, error) {
	return a.db.ListOperations(limit)
}

// CheckUpdate reports whether a package newer than current is available.
func (a *FlowApp) CheckUpdate(ctx context.Context, current string) (*flow.ApkData, bool, error) {
	return a.service.Updater().Check(ctx, current)
}

// DownloadUpdate fetches and verifies a package, returning its local path.
func (a *FlowApp) DownloadUpdate(ctx context.Context, apk *flow.ApkData) (string, error) {
	return a.service.Updater().Download(ctx, apk)
}

// ValidateVault checks that the configured vault is reachable.
func (a *FlowApp) ValidateVault(ctx context.Context) error {
	return a.vault.ValidateSetup(ctx)
}

// Close stops background work, finalizes the operation and closes all resources.
// Persisted operations upload an encrypted database backup versioned by the
// operation ID. The backup is skipped when no keys are configured.
func (a *FlowApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.service.Close()
	a.session.Close()

	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status, a.clock.Now()); err != nil {
			keep(fmt.Errorf("finishing operation: %w", err))
		}
		if a.encryptor.IsConfigured() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			keep(a.backup.Upload(ctx, a.op.ID))
			cancel()
		} else {
			a.logger.Warn("skipping database backup: encryption keys not configured")
		}
	}

	if err := a.db.Close(); err != nil {
		keep(fmt.Errorf("closing database: %w", err))
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

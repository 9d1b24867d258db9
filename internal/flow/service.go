package flow

import (
	"context"
	"fmt"
	"time"
)

// ServiceDeps are the collaborators of a Service.
type ServiceDeps struct {
	Database Database
	API      RemoteAPI
	Vault    Vault
	Files    FileStore
	Network  NetworkMonitor
	Session  *Session
	Logger   Logger
	Clock    Clock
	IDs      IDGenerator
	Workers  int
	Sync     SyncOptions
}

// Service is the orchestration layer the CLI talks to. It owns the worker
// pool shared by exports and uploads.
type Service struct {
	db        Database
	api       RemoteAPI
	files     FileStore
	network   NetworkMonitor
	session   *Session
	logger    Logger
	clock     Clock
	ids       IDGenerator
	pool      *Pool
	verifier  *IntegrityVerifier
	exporter  *Exporter
	syncer    *SyncOrchestrator
	updater   *Updater
	publisher *Publisher
	bootstrap *Bootstrapper
}

// NewService wires the flow components together. The caller must call Close.
func NewService(deps ServiceDeps) *Service {
	pool := NewPool(deps.Workers, deps.Logger)
	verifier := NewIntegrityVerifier(deps.Files, deps.Logger)
	packager := NewPackager(deps.Files, deps.Logger)
	exporter := NewExporter(deps.Database, packager, deps.Files, pool, deps.Session, deps.Logger)
	syncer := NewSyncOrchestrator(SyncDeps{
		Session:  deps.Session,
		Database: deps.Database,
		API:      deps.API,
		Vault:    deps.Vault,
		Files:    deps.Files,
		Network:  deps.Network,
		Verifier: verifier,
		Exporter: exporter,
		Pool:     pool,
		Logger:   deps.Logger,
		Options:  deps.Sync,
	})
	updater := NewUpdater(deps.API, deps.Files, verifier, deps.Network, deps.Session, deps.Sync.TransferTimeout, deps.Logger)

	return &Service{
		db:        deps.Database,
		api:       deps.API,
		files:     deps.Files,
		network:   deps.Network,
		session:   deps.Session,
		logger:    deps.Logger,
		clock:     deps.Clock,
		ids:       deps.IDs,
		pool:      pool,
		verifier:  verifier,
		exporter:  exporter,
		syncer:    syncer,
		updater:   updater,
		publisher: NewPublisher(deps.Database, deps.Files, deps.Clock, deps.Logger),
		bootstrap: NewBootstrapper(deps.Database, deps.Session, deps.Logger),
	}
}

// Close cancels background work and waits for it to stop.
func (s *Service) Close() {
	s.pool.Close()
}

// FetchForm downloads, validates and stores a form definition.
func (s *Service) FetchForm(ctx context.Context, formID string) (*Form, error) {
	if err := s.session.Policy().CheckControl(s.network.Connection()); err != nil {
		return nil, err
	}
	data, err := s.api.DownloadFormHeader(ctx, formID, s.session.DeviceID)
	if err != nil {
		return nil, err
	}
	form, err := ParseForm(data)
	if err != nil {
		return nil, fmt.Errorf("form %s: %w", formID, err)
	}
	if form.ID == "" {
		form.ID = formID
	}
	if form.ID != formID {
		return nil, fmt.Errorf("requested form %s but received %s", formID, form.ID)
	}
	if form.SurveyGroupID == 0 {
		form.SurveyGroupID = s.session.SurveyGroupID
	}
	if err := s.db.SaveForm(form, data); err != nil {
		return nil, fmt.Errorf("storing form %s: %w", formID, err)
	}
	s.logger.Info("form stored", "form", formID, "version", form.Version, "questions", len(form.Questions()))
	return form, nil
}

// PublishData copies every transmission file into dir for manual collection.
func (s *Service) PublishData(ctx context.Context, dir string) (PublishResult, error) {
	return s.publisher.Publish(ctx, dir)
}

// Bootstrap installs the form definitions of the zip files in dir.
func (s *Service) Bootstrap(ctx context.Context, dir string) (BootstrapResult, error) {
	return s.bootstrap.Import(ctx, dir)
}

// StartInstance creates a SAVED instance of formID. An empty dataPointID
// registers a new datapoint.
func (s *Service) StartInstance(formID, dataPointID string) (*FormInstance, error) {
	form, err := s.db.FindForm(formID)
	if err != nil {
		return nil, fmt.Errorf("finding form %s: %w", formID, err)
	}
	if form == nil {
		return nil, fmt.Errorf("form %s is not available on this device", formID)
	}

	if dataPointID == "" {
		dp := &DataPoint{ID: s.ids.New(), SurveyGroupID: form.SurveyGroupID}
		if err := s.db.SaveDataPoint(dp); err != nil {
			return nil, fmt.Errorf("creating datapoint: %w", err)
		}
		dataPointID = dp.ID
	} else {
		dp, err := s.db.FindDataPoint(dataPointID)
		if err != nil {
			return nil, fmt.Errorf("finding datapoint %s: %w", dataPointID, err)
		}
		if dp == nil {
			return nil, fmt.Errorf("datapoint %s not found", dataPointID)
		}
	}

	now := s.clock.Now()
	inst := &FormInstance{
		UUID:        s.ids.New(),
		FormID:      form.ID,
		FormVersion: form.Version,
		DataPointID: dataPointID,
		UserID:      s.session.User.ID,
		Status:      StatusSaved,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := s.db.CreateInstance(inst); err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	s.logger.Info("instance started", "instance", inst.ID, "form", formID, "datapoint", dataPointID)
	return inst, nil
}

// OpenInstance loads an instance with its form and responses for capture.
func (s *Service) OpenInstance(instanceID int64) (*FormEngine, error) {
	inst, err := s.db.FindInstance(instanceID)
	if err != nil {
		return nil, fmt.Errorf("finding instance %d: %w", instanceID, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("instance %d not found", instanceID)
	}
	form, err := s.db.FindForm(inst.FormID)
	if err != nil {
		return nil, fmt.Errorf("finding form %s: %w", inst.FormID, err)
	}
	if form == nil {
		return nil, fmt.Errorf("form %s is not available on this device", inst.FormID)
	}
	responses, err := s.db.FindResponses(instanceID)
	if err != nil {
		return nil, fmt.Errorf("finding responses of instance %d: %w", instanceID, err)
	}
	return NewFormEngine(form, inst, responses, s.db, s.clock, s.logger)
}

// Export schedules packaging of a submitted instance.
func (s *Service) Export(ctx context.Context, instanceID int64) *Task {
	return s.exporter.Export(ctx, instanceID)
}

// ExportSubmitted packages every submitted instance.
func (s *Service) ExportSubmitted(ctx context.Context) (int, error) {
	return s.exporter.ExportSubmitted(ctx)
}

// Repair runs the self-healing scan on its own.
func (s *Service) Repair(ctx context.Context) (int, error) {
	if _, err := s.db.ResetInProgress(); err != nil {
		return 0, fmt.Errorf("resetting interrupted transmissions: %w", err)
	}
	return s.exporter.Repair(ctx)
}

// Sync runs one sync cycle.
func (s *Service) Sync(ctx context.Context, mode SyncMode) SyncResult {
	return s.syncer.Sync(ctx, mode)
}

// Updater returns the application package updater.
func (s *Service) Updater() *Updater {
	return s.updater
}

// StatusReport summarizes what is waiting on the device.
type StatusReport struct {
	Instances map[InstanceStatus]int
	Unsynced  []*Transmission
	LastSync  string
	CheckedAt time.Time
}

// Status reports instance counts per status and every unsynced transmission.
func (s *Service) Status() (*StatusReport, error) {
	report := &StatusReport{Instances: make(map[InstanceStatus]int), CheckedAt: s.clock.Now()}
	for _, st := range []InstanceStatus{StatusSaved, StatusSubmitted, StatusRequested, StatusExported, StatusSynced, StatusDownloaded, StatusDeleted} {
		insts, err := s.db.FindInstancesByStatus(st)
		if err != nil {
			return nil, fmt.Errorf("counting %s instances: %w", st, err)
		}
		report.Instances[st] = len(insts)
	}
	unsynced, err := s.db.Unsynced()
	if err != nil {
		return nil, fmt.Errorf("listing unsynced transmissions: %w", err)
	}
	report.Unsynced = unsynced
	last, err := s.db.SyncedTime(s.session.SurveyGroupID)
	if err != nil {
		return nil, fmt.Errorf("reading sync time: %w", err)
	}
	report.LastSync = last
	return report, nil
}

// Wipe deletes all captured data and local archives. It is the only path
// that deletes transmissions.
func (s *Service) Wipe() error {
	if err := s.db.Wipe(); err != nil {
		return fmt.Errorf("wiping database: %w", err)
	}
	n, err := s.files.RemoveArchives()
	if err != nil {
		return fmt.Errorf("removing archives: %w", err)
	}
	s.logger.Info("device data wiped", "archives", n)
	return nil
}

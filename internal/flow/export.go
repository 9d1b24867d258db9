package flow

import (
	"context"
	"fmt"
)

// Exporter packages submitted instances and registers their transmissions.
// For one instance the archive is always written before it is registered.
type Exporter struct {
	db       Database
	packager *Packager
	files    FileStore
	pool     *Pool
	session  *Session
	logger   Logger
}

func NewExporter(db Database, packager *Packager, files FileStore, pool *Pool, session *Session, logger Logger) *Exporter {
	return &Exporter{
		db:       db,
		packager: packager,
		files:    files,
		pool:     pool,
		session:  session,
		logger:   logger,
	}
}

// Export schedules packaging of one instance on the pool. A second call for
// the same instance while one is in flight returns the in-flight task.
func (e *Exporter) Export(ctx context.Context, instanceID int64) *Task {
	t, _ := e.pool.Submit(ctx, instanceKey(instanceID), func(ctx context.Context) error {
		_, err := e.exportNow(ctx, instanceID)
		return err
	})
	return t
}

// exportNow marks the instance REQUESTED, writes the archive and registers
// its transmissions. A crash between the steps leaves the instance REQUESTED
// for Repair to pick up.
func (e *Exporter) exportNow(ctx context.Context, instanceID int64) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.db.SetInstanceStatusToRequested(instanceID); err != nil {
		return nil, fmt.Errorf("requesting export of instance %d: %w", instanceID, err)
	}
	inst, err := e.db.FindInstance(instanceID)
	if err != nil {
		return nil, fmt.Errorf("finding instance %d: %w", instanceID, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("instance %d not found", instanceID)
	}
	responses, err := e.db.FindResponses(instanceID)
	if err != nil {
		return nil, fmt.Errorf("finding responses of instance %d: %w", instanceID, err)
	}

	art, err := e.packager.Export(inst, responses, e.session)
	if err != nil {
		return nil, err
	}
	if err := e.db.RegisterExport(instanceID, inst.FormID, art.Filenames()); err != nil {
		return nil, fmt.Errorf("registering export of instance %d: %w", instanceID, err)
	}
	e.logger.Info("instance exported", "instance", instanceID, "archive", art.Filename, "files", len(art.Filenames()))
	return art, nil
}

// ExportSubmitted exports every SUBMITTED instance and returns how many succeeded.
func (e *Exporter) ExportSubmitted(ctx context.Context) (int, error) {
	instances, err := e.db.FindInstancesByStatus(StatusSubmitted)
	if err != nil {
		return 0, fmt.Errorf("finding submitted instances: %w", err)
	}
	return e.exportAll(ctx, instances)
}

// Repair re-exports instances whose packaging did not complete: every
// REQUESTED instance, and every EXPORTED instance whose archive is gone or
// unreadable while its transmission is not yet COMPLETE.
func (e *Exporter) Repair(ctx context.Context) (int, error) {
	instances, err := e.db.FindInstancesByStatus(StatusRequested, StatusExported)
	if err != nil {
		return 0, fmt.Errorf("finding exported instances: %w", err)
	}

	var broken []*FormInstance
	for _, inst := range instances {
		if inst.Status == StatusRequested {
			broken = append(broken, inst)
			continue
		}
		cerr, err := e.checkArchive(inst)
		if err != nil {
			return 0, err
		}
		if cerr != nil {
			e.logger.Warn("repairing instance", "instance", inst.ID, "reason", cerr.Reason)
			broken = append(broken, inst)
		}
	}
	return e.exportAll(ctx, broken)
}

// checkArchive returns a ConsistencyError when an exported instance's
// archive still needs uploading but is absent or invalid.
func (e *Exporter) checkArchive(inst *FormInstance) (*ConsistencyError, error) {
	ts, err := e.db.TransmissionsForInstance(inst.ID)
	if err != nil {
		return nil, fmt.Errorf("finding transmissions of instance %d: %w", inst.ID, err)
	}
	var archive *Transmission
	for _, t := range ts {
		if t.IsArchive() {
			archive = t
			break
		}
	}
	if archive == nil {
		return &ConsistencyError{InstanceID: inst.ID, Reason: "no archive registered"}, nil
	}
	if archive.Status == TransmissionComplete {
		return nil, nil
	}
	_, exists, err := e.files.Stat(e.files.ArchivePath(archive.Filename))
	if err != nil {
		return nil, fmt.Errorf("checking archive %s: %w", archive.Filename, err)
	}
	if !exists {
		return &ConsistencyError{InstanceID: inst.ID, Reason: "archive missing"}, nil
	}
	if _, err := e.packager.ReadManifest(archive.Filename); err != nil {
		return &ConsistencyError{InstanceID: inst.ID, Reason: "archive invalid: " + err.Error()}, nil
	}
	return nil, nil
}

func (e *Exporter) exportAll(ctx context.Context, instances []*FormInstance) (int, error) {
	tasks := make([]*Task, 0, len(instances))
	for _, inst := range instances {
		tasks = append(tasks, e.Export(ctx, inst.ID))
	}
	exported := 0
	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return exported, ctx.Err()
			}
			e.logger.Error("export failed", "task", t.Key(), "error", err)
			continue
		}
		exported++
	}
	return exported, nil
}

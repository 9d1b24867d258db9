package database

import (
	"database/sql"
	"fmt"
	"time"

	"flowsync/internal/flow"
)

const instanceColumns = `id, uuid, form_id, form_version, data_point_id, user_id, status, created_at, modified_at, submitted_at, duration_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*flow.FormInstance, error) {
	var inst flow.FormInstance
	var status string
	var submitted sql.NullTime
	var durationMS int64
	err := row.Scan(&inst.ID, &inst.UUID, &inst.FormID, &inst.FormVersion, &inst.DataPointID, &inst.UserID,
		&status, &inst.CreatedAt, &inst.ModifiedAt, &submitted, &durationMS)
	if err != nil {
		return nil, err
	}
	inst.Status = flow.InstanceStatus(status)
	inst.SubmittedAt = submitted.Time
	inst.Duration = time.Duration(durationMS) * time.Millisecond
	return &inst, nil
}

func (s *SQLiteDatabase) CreateInstance(inst *flow.FormInstance) error {
	if inst.Status == "" {
		inst.Status = flow.StatusSaved
	}
	res, err := s.db.Exec(`INSERT INTO form_instances
		(uuid, form_id, form_version, data_point_id, user_id, status, created_at, modified_at, submitted_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.UUID, inst.FormID, inst.FormVersion, inst.DataPointID, inst.UserID, string(inst.Status),
		inst.CreatedAt, inst.ModifiedAt, nullTime(inst.SubmittedAt), inst.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}
	inst.ID = id
	return nil
}

func (s *SQLiteDatabase) FindInstance(id int64) (*flow.FormInstance, error) {
	inst, err := scanInstance(s.db.QueryRow(`SELECT `+instanceColumns+` FROM form_instances WHERE id = ?`, id))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteDatabase) FindInstanceByUUID(uuid string) (*flow.FormInstance, error) {
	inst, err := scanInstance(s.db.QueryRow(`SELECT `+instanceColumns+` FROM form_instances WHERE uuid = ?`, uuid))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding instance by uuid: %w", err)
	}
	return inst, nil
}

func (s *SQLiteDatabase) FindInstancesByStatus(statuses ...flow.InstanceStatus) ([]*flow.FormInstance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.Query(`SELECT `+instanceColumns+` FROM form_instances
		WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("finding instances by status: %w", err)
	}
	defer rows.Close()

	var out []*flow.FormInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) SetInstanceStatus(id int64, status flow.InstanceStatus) error {
	res, err := s.db.Exec(`UPDATE form_instances SET status = ?, modified_at = ? WHERE id = ?`, string(status), s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("setting instance status: %w", err)
	}
	return expectOne(res, "instance", id)
}

func (s *SQLiteDatabase) SetInstanceStatusToRequested(instanceID int64) error {
	return s.SetInstanceStatus(instanceID, flow.StatusRequested)
}

// SubmitInstance only applies to SAVED instances.
func (s *SQLiteDatabase) SubmitInstance(instanceID int64, submittedAt time.Time, duration time.Duration) error {
	res, err := s.db.Exec(`UPDATE form_instances
		SET status = ?, submitted_at = ?, duration_ms = ?, modified_at = ?
		WHERE id = ? AND status = ?`,
		string(flow.StatusSubmitted), submittedAt, duration.Milliseconds(), submittedAt, instanceID, string(flow.StatusSaved))
	if err != nil {
		return fmt.Errorf("submitting instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("instance %d is not saved", instanceID)
	}
	return nil
}

func (s *SQLiteDatabase) MarkFormsDeleted(formIDs []string) (int, error) {
	if len(formIDs) == 0 {
		return 0, nil
	}
	args := append([]any{string(flow.StatusDeleted), s.clock.Now()}, stringArgs(formIDs)...)
	args = append(args, string(flow.StatusDeleted))
	res, err := s.db.Exec(`UPDATE form_instances SET status = ?, modified_at = ?
		WHERE form_id IN (`+placeholders(len(formIDs))+`) AND status != ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("marking forms deleted: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

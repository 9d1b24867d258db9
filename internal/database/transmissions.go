package database

import (
	"database/sql"
	"fmt"

	"flowsync/internal/flow"
)

const transmissionColumns = `id, form_instance_id, form_id, filename, status, created_at, started_at, ended_at`

func scanTransmission(row scanner) (*flow.Transmission, error) {
	var t flow.Transmission
	var status string
	var started, ended sql.NullTime
	if err := row.Scan(&t.ID, &t.InstanceID, &t.FormID, &t.Filename, &status, &t.CreatedAt, &started, &ended); err != nil {
		return nil, err
	}
	t.Status = flow.TransmissionStatus(status)
	t.StartedAt = started.Time
	t.EndedAt = ended.Time
	return &t, nil
}

func (s *SQLiteDatabase) queryTransmissions(query string, args ...any) ([]*flow.Transmission, error) {
	rows, err := s.db.Query(`SELECT `+transmissionColumns+` FROM transmissions `+query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*flow.Transmission
	for rows.Next() {
		t, err := scanTransmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transmission: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// registerTx adds transmissions without resurrecting completed ones: an
// existing row is only reset when it FAILED. Filenames are unique across
// instances because they name the remote object.
func (s *SQLiteDatabase) registerTx(tx *sql.Tx, instanceID int64, formID string, filenames []string) error {
	now := s.clock.Now()
	for _, name := range filenames {
		var owner int64
		err := tx.QueryRow(`SELECT form_instance_id FROM transmissions WHERE filename = ?`, name).Scan(&owner)
		switch {
		case isNotFound(err):
		case err != nil:
			return fmt.Errorf("checking transmission %s: %w", name, err)
		case owner != instanceID:
			return fmt.Errorf("registering %s for instance %d: %w (owner %d)", name, instanceID, flow.ErrFilenameTaken, owner)
		}
		_, err = tx.Exec(`INSERT INTO transmissions (form_instance_id, form_id, filename, status, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (filename) DO UPDATE SET status = excluded.status, started_at = NULL, ended_at = NULL
			WHERE transmissions.status = ?`,
			instanceID, formID, name, string(flow.TransmissionPending), now, string(flow.TransmissionFailed))
		if err != nil {
			return fmt.Errorf("registering transmission %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteDatabase) CreateTransmissions(instanceID int64, formID string, filenames []string) error {
	return s.inTx(func(tx *sql.Tx) error {
		return s.registerTx(tx, instanceID, formID, filenames)
	})
}

func (s *SQLiteDatabase) RegisterExport(instanceID int64, formID string, filenames []string) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := s.registerTx(tx, instanceID, formID, filenames); err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE form_instances SET status = ?, modified_at = ? WHERE id = ?`,
			string(flow.StatusExported), s.clock.Now(), instanceID)
		if err != nil {
			return fmt.Errorf("marking instance exported: %w", err)
		}
		return expectOne(res, "instance", instanceID)
	})
}

// SetStatus stamps started_at when a transfer begins and ended_at when it
// completes or fails.
func (s *SQLiteDatabase) SetStatus(filename string, status flow.TransmissionStatus) error {
	now := s.clock.Now()
	var res sql.Result
	var err error
	switch status {
	case flow.TransmissionInProgress:
		res, err = s.db.Exec(`UPDATE transmissions SET status = ?, started_at = ?, ended_at = NULL WHERE filename = ?`, string(status), now, filename)
	case flow.TransmissionComplete, flow.TransmissionFailed:
		res, err = s.db.Exec(`UPDATE transmissions SET status = ?, ended_at = ? WHERE filename = ?`, string(status), now, filename)
	default:
		res, err = s.db.Exec(`UPDATE transmissions SET status = ? WHERE filename = ?`, string(status), filename)
	}
	if err != nil {
		return fmt.Errorf("setting transmission status: %w", err)
	}
	return expectOne(res, "transmission", filename)
}

func (s *SQLiteDatabase) Pending() ([]*flow.Transmission, error) {
	ts, err := s.queryTransmissions(`WHERE status IN (?, ?) ORDER BY id`,
		string(flow.TransmissionPending), string(flow.TransmissionFailed))
	if err != nil {
		return nil, fmt.Errorf("listing pending transmissions: %w", err)
	}
	return ts, nil
}

func (s *SQLiteDatabase) Unsynced() ([]*flow.Transmission, error) {
	ts, err := s.queryTransmissions(`WHERE status != ? ORDER BY id`, string(flow.TransmissionComplete))
	if err != nil {
		return nil, fmt.Errorf("listing unsynced transmissions: %w", err)
	}
	return ts, nil
}

func (s *SQLiteDatabase) Transmissions() ([]*flow.Transmission, error) {
	ts, err := s.queryTransmissions(`ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing transmissions: %w", err)
	}
	return ts, nil
}

func (s *SQLiteDatabase) TransmissionsForInstance(instanceID int64) ([]*flow.Transmission, error) {
	ts, err := s.queryTransmissions(`WHERE form_instance_id = ? ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing transmissions of instance: %w", err)
	}
	return ts, nil
}

func (s *SQLiteDatabase) ResetInProgress() (int, error) {
	res, err := s.db.Exec(`UPDATE transmissions SET status = ?, started_at = NULL WHERE status = ?`,
		string(flow.TransmissionPending), string(flow.TransmissionInProgress))
	if err != nil {
		return 0, fmt.Errorf("resetting in-progress transmissions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkMissing fails the transmissions of files the server never received and
// moves their instances back to EXPORTED so they are not considered synced.
func (s *SQLiteDatabase) MarkMissing(filenames []string) (int, error) {
	marked := 0
	err := s.inTx(func(tx *sql.Tx) error {
		now := s.clock.Now()
		for _, name := range filenames {
			var instanceID int64
			err := tx.QueryRow(`SELECT form_instance_id FROM transmissions WHERE filename = ?`, name).Scan(&instanceID)
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("finding transmission %s: %w", name, err)
			}
			if _, err := tx.Exec(`UPDATE transmissions SET status = ?, ended_at = ? WHERE filename = ?`,
				string(flow.TransmissionFailed), now, name); err != nil {
				return fmt.Errorf("failing transmission %s: %w", name, err)
			}
			if _, err := tx.Exec(`UPDATE form_instances SET status = ?, modified_at = ? WHERE id = ? AND status IN (?, ?)`,
				string(flow.StatusExported), now, instanceID, string(flow.StatusSynced), string(flow.StatusExported)); err != nil {
				return fmt.Errorf("reverting instance %d: %w", instanceID, err)
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

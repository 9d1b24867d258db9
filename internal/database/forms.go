package database

import (
	"database/sql"
	"fmt"

	"flowsync/internal/flow"
)

const saveFormSQL = `INSERT INTO forms (id, survey_group_id, name, version, definition, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		survey_group_id = excluded.survey_group_id,
		name = excluded.name,
		version = excluded.version,
		definition = excluded.definition,
		updated_at = excluded.updated_at`

func (s *SQLiteDatabase) SaveForm(form *flow.Form, definition []byte) error {
	_, err := s.db.Exec(saveFormSQL, form.ID, form.SurveyGroupID, form.Name, form.Version, definition, s.clock.Now())
	if err != nil {
		return fmt.Errorf("saving form %s: %w", form.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) SaveForms(defs []flow.FormDefinition) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := s.clock.Now()
		for _, d := range defs {
			if _, err := tx.Exec(saveFormSQL, d.Form.ID, d.Form.SurveyGroupID, d.Form.Name, d.Form.Version, d.Raw, now); err != nil {
				return fmt.Errorf("saving form %s: %w", d.Form.ID, err)
			}
		}
		return nil
	})
}

// FindForm parses the stored definition. The stored id and survey group win
// over whatever the definition carries.
func (s *SQLiteDatabase) FindForm(formID string) (*flow.Form, error) {
	var definition []byte
	var groupID int64
	err := s.db.QueryRow(`SELECT definition, survey_group_id FROM forms WHERE id = ?`, formID).Scan(&definition, &groupID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding form: %w", err)
	}
	form, err := flow.ParseForm(definition)
	if err != nil {
		return nil, fmt.Errorf("stored form %s: %w", formID, err)
	}
	form.ID = formID
	form.SurveyGroupID = groupID
	return form, nil
}

func (s *SQLiteDatabase) FormIDs(surveyGroupID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM forms WHERE ? = 0 OR survey_group_id = ? ORDER BY id`, surveyGroupID, surveyGroupID)
	if err != nil {
		return nil, fmt.Errorf("listing forms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning form id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

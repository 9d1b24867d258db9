package database

import (
	"fmt"

	"flowsync/internal/flow"
)

// SaveResponse upserts on (instance, question, iteration) so a response
// captured twice before its id is known still maps to one row.
func (s *SQLiteDatabase) SaveResponse(r *flow.Response) (int64, error) {
	if r.ID != 0 {
		res, err := s.db.Exec(`UPDATE responses SET value = ?, type = ?, include_flag = ? WHERE id = ?`,
			r.Value, string(r.Kind), r.Include, r.ID)
		if err != nil {
			return 0, fmt.Errorf("updating response: %w", err)
		}
		if err := expectOne(res, "response", r.ID); err != nil {
			return 0, err
		}
		return r.ID, nil
	}

	var id int64
	err := s.db.QueryRow(`INSERT INTO responses (form_instance_id, question_id, iteration, value, type, include_flag)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (form_instance_id, question_id, iteration)
		DO UPDATE SET value = excluded.value, type = excluded.type, include_flag = excluded.include_flag
		RETURNING id`,
		r.InstanceID, r.QuestionID, r.Iteration, r.Value, string(r.Kind), r.Include).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting response: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) DeleteResponse(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM responses WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting response: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindResponses(instanceID int64) ([]*flow.Response, error) {
	rows, err := s.db.Query(`SELECT id, form_instance_id, question_id, iteration, value, type, include_flag
		FROM responses WHERE form_instance_id = ? ORDER BY question_id, iteration`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("finding responses: %w", err)
	}
	defer rows.Close()

	var out []*flow.Response
	for rows.Next() {
		var r flow.Response
		var kind string
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.QuestionID, &r.Iteration, &r.Value, &kind, &r.Include); err != nil {
			return nil, fmt.Errorf("scanning response: %w", err)
		}
		r.Kind = flow.ResponseKind(kind)
		out = append(out, &r)
	}
	return out, rows.Err()
}

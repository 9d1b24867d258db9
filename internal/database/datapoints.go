package database

import (
	"database/sql"
	"fmt"
	"time"

	"flowsync/internal/flow"
)

func (s *SQLiteDatabase) SaveDataPoint(dp *flow.DataPoint) error {
	return upsertDataPoint(s.db, dp)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertDataPoint(db execer, dp *flow.DataPoint) error {
	var lat, lon, elev sql.NullFloat64
	if dp.Location != nil {
		lat = sql.NullFloat64{Float64: dp.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: dp.Location.Longitude, Valid: true}
		elev = sql.NullFloat64{Float64: dp.Location.Elevation, Valid: true}
	}
	_, err := db.Exec(`INSERT INTO data_points (id, survey_group_id, name, latitude, longitude, elevation, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			survey_group_id = excluded.survey_group_id,
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			last_modified = excluded.last_modified`,
		dp.ID, dp.SurveyGroupID, dp.Name, lat, lon, elev, dp.LastModified)
	if err != nil {
		return fmt.Errorf("saving datapoint %s: %w", dp.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) FindDataPoint(id string) (*flow.DataPoint, error) {
	var dp flow.DataPoint
	var lat, lon, elev sql.NullFloat64
	err := s.db.QueryRow(`SELECT id, survey_group_id, name, latitude, longitude, elevation, last_modified
		FROM data_points WHERE id = ?`, id).
		Scan(&dp.ID, &dp.SurveyGroupID, &dp.Name, &lat, &lon, &elev, &dp.LastModified)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding datapoint: %w", err)
	}
	if lat.Valid && lon.Valid {
		dp.Location = &flow.GeoLocation{Latitude: lat.Float64, Longitude: lon.Float64, Elevation: elev.Float64}
	}
	return &dp, nil
}

// UpdateDataPointDisplay sets the name and, when loc is not nil, the position.
func (s *SQLiteDatabase) UpdateDataPointDisplay(dataPointID, name string, loc *flow.GeoLocation) error {
	var res sql.Result
	var err error
	if loc == nil {
		res, err = s.db.Exec(`UPDATE data_points SET name = ? WHERE id = ?`, name, dataPointID)
	} else {
		res, err = s.db.Exec(`UPDATE data_points SET name = ?, latitude = ?, longitude = ?, elevation = ? WHERE id = ?`,
			name, loc.Latitude, loc.Longitude, loc.Elevation, dataPointID)
	}
	if err != nil {
		return fmt.Errorf("updating datapoint display: %w", err)
	}
	return expectOne(res, "datapoint", dataPointID)
}

// SaveRemoteDataPoints stores pulled datapoints with their instances as
// DOWNLOADED. Instances already on the device are left alone.
func (s *SQLiteDatabase) SaveRemoteDataPoints(surveyGroupID int64, points []flow.RemoteDataPoint, syncedTime string) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, rp := range points {
			dp := &flow.DataPoint{
				ID:            rp.ID,
				SurveyGroupID: rp.SurveyGroupID,
				Name:          rp.DisplayName,
				LastModified:  rp.LastModified,
			}
			if dp.SurveyGroupID == 0 {
				dp.SurveyGroupID = surveyGroupID
			}
			if rp.Latitude != nil && rp.Longitude != nil {
				dp.Location = &flow.GeoLocation{Latitude: *rp.Latitude, Longitude: *rp.Longitude}
			}
			if err := upsertDataPoint(tx, dp); err != nil {
				return err
			}
			for _, ri := range rp.Instances {
				if err := s.insertDownloadedTx(tx, rp.ID, ri); err != nil {
					return err
				}
			}
		}
		_, err := tx.Exec(`INSERT INTO sync_times (survey_group_id, synced_time) VALUES (?, ?)
			ON CONFLICT (survey_group_id) DO UPDATE SET synced_time = excluded.synced_time`, surveyGroupID, syncedTime)
		if err != nil {
			return fmt.Errorf("saving sync time: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) insertDownloadedTx(tx *sql.Tx, dataPointID string, ri flow.RemoteInstance) error {
	var exists int
	err := tx.QueryRow(`SELECT COUNT(*) FROM form_instances WHERE uuid = ?`, ri.UUID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking instance %s: %w", ri.UUID, err)
	}
	if exists > 0 {
		return nil
	}

	submitted := time.UnixMilli(ri.SubmissionDate).UTC()
	res, err := tx.Exec(`INSERT INTO form_instances (uuid, form_id, data_point_id, status, created_at, modified_at, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ri.UUID, ri.FormID, dataPointID, string(flow.StatusDownloaded), submitted, s.clock.Now(), submitted)
	if err != nil {
		return fmt.Errorf("inserting instance %s: %w", ri.UUID, err)
	}
	instanceID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, r := range ri.Responses {
		kind, err := flow.ParseResponseKind(r.AnswerType)
		if err != nil {
			kind = flow.KindText
		}
		_, err = tx.Exec(`INSERT INTO responses (form_instance_id, question_id, iteration, value, type, include_flag)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT (form_instance_id, question_id, iteration) DO UPDATE SET value = excluded.value`,
			instanceID, r.QuestionID, r.Iteration, r.Value, string(kind))
		if err != nil {
			return fmt.Errorf("inserting response %s of instance %s: %w", r.QuestionID, ri.UUID, err)
		}
	}
	return nil
}

func (s *SQLiteDatabase) SyncedTime(surveyGroupID int64) (string, error) {
	var t string
	err := s.db.QueryRow(`SELECT synced_time FROM sync_times WHERE survey_group_id = ?`, surveyGroupID).Scan(&t)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading sync time: %w", err)
	}
	return t, nil
}

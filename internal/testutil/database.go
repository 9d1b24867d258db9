package testutil

import (
	"testing"

	"flowsync/internal/database"
	"flowsync/internal/flow"
)

// NewTestDatabase creates a new in-memory SQLite database with schema applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if _, err := sqlDB.Exec(database.Schema); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	db := database.NewSQLiteDatabaseFromDB(sqlDB, ":memory:", FixedClock())

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// SeedInstance stores a datapoint and an instance of formID in status.
func SeedInstance(t *testing.T, db flow.Database, uuid, formID string, status flow.InstanceStatus) *flow.FormInstance {
	t.Helper()

	now := FixedClock().Now()
	dp := &flow.DataPoint{ID: "dp-" + uuid, SurveyGroupID: 1}
	if err := db.SaveDataPoint(dp); err != nil {
		t.Fatalf("SaveDataPoint() error = %v", err)
	}
	inst := &flow.FormInstance{
		UUID:        uuid,
		FormID:      formID,
		FormVersion: 1,
		DataPointID: dp.ID,
		Status:      status,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if status != flow.StatusSaved {
		inst.SubmittedAt = now
	}
	if err := db.CreateInstance(inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	return inst
}

// SeedResponse stores one response of an instance.
func SeedResponse(t *testing.T, db flow.Database, instanceID int64, questionID string, iteration int, value string, kind flow.ResponseKind) *flow.Response {
	t.Helper()

	r := &flow.Response{
		InstanceID: instanceID,
		QuestionID: questionID,
		Iteration:  iteration,
		Value:      value,
		Kind:       kind,
		Include:    true,
	}
	id, err := db.SaveResponse(r)
	if err != nil {
		t.Fatalf("SaveResponse() error = %v", err)
	}
	r.ID = id
	return r
}

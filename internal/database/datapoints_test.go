package database

import (
	"testing"

	"flowsync/internal/flow"
)

const testFormXML = `<survey id="form-1" name="Water point" version="3.0" surveyGroupId="7">
  <questionGroup>
    <heading>Site</heading>
    <question id="q1" type="free" mandatory="true" localeNameFlag="true"><text>Name</text></question>
  </questionGroup>
</survey>`

func TestSQLiteDatabase_Forms(t *testing.T) {
	db := newTestDB(t)
	form, err := flow.ParseForm([]byte(testFormXML))
	if err != nil {
		t.Fatalf("ParseForm() error = %v", err)
	}

	if err := db.SaveForm(form, []byte(testFormXML)); err != nil {
		t.Fatalf("SaveForm() error = %v", err)
	}
	got, err := db.FindForm("form-1")
	if err != nil || got == nil {
		t.Fatalf("FindForm() = %v, %v", got, err)
	}
	if got.Version != 3 || got.SurveyGroupID != 7 || got.Question("q1") == nil {
		t.Errorf("FindForm() = %+v", got)
	}

	if missing, _ := db.FindForm("nope"); missing != nil {
		t.Error("FindForm() should return nil for unknown form")
	}

	ids, _ := db.FormIDs(7)
	if len(ids) != 1 || ids[0] != "form-1" {
		t.Errorf("FormIDs(7) = %v", ids)
	}
	if ids, _ := db.FormIDs(8); len(ids) != 0 {
		t.Errorf("FormIDs(8) = %v, want empty", ids)
	}
	if ids, _ := db.FormIDs(0); len(ids) != 1 {
		t.Errorf("FormIDs(0) = %v, want all", ids)
	}
}

func TestSQLiteDatabase_DataPoints(t *testing.T) {
	t.Run("display update keeps location when none given", func(t *testing.T) {
		db := newTestDB(t)
		dp := &flow.DataPoint{ID: "dp-1", Location: &flow.GeoLocation{Latitude: 1, Longitude: 2}}
		db.SaveDataPoint(dp)

		if err := db.UpdateDataPointDisplay("dp-1", "Well 4", nil); err != nil {
			t.Fatalf("UpdateDataPointDisplay() error = %v", err)
		}
		got, _ := db.FindDataPoint("dp-1")
		if got.Name != "Well 4" {
			t.Errorf("Name = %q, want %q", got.Name, "Well 4")
		}
		if got.Location == nil || got.Location.Latitude != 1 {
			t.Errorf("Location = %+v, want kept", got.Location)
		}
	})

	t.Run("unknown datapoint", func(t *testing.T) {
		db := newTestDB(t)
		if dp, err := db.FindDataPoint("x"); dp != nil || err != nil {
			t.Errorf("FindDataPoint() = %v, %v; want nil, nil", dp, err)
		}
		if err := db.UpdateDataPointDisplay("x", "n", nil); err == nil {
			t.Error("UpdateDataPointDisplay() expected error")
		}
	})
}

func TestSQLiteDatabase_SaveRemoteDataPoints(t *testing.T) {
	db := newTestDB(t)
	lat, lon := -1.5, 36.8
	points := []flow.RemoteDataPoint{{
		ID:           "dp-remote",
		DisplayName:  "School",
		Latitude:     &lat,
		Longitude:    &lon,
		LastModified: 1700000000000,
		Instances: []flow.RemoteInstance{{
			UUID:           "remote-uuid",
			FormID:         "form-1",
			SubmissionDate: 1700000000000,
			Responses: []flow.ManifestResponse{
				{QuestionID: "q1", Iteration: flow.NoIteration, AnswerType: "VALUE", Value: "ok"},
			},
		}},
	}}

	if err := db.SaveRemoteDataPoints(7, points, "1700000000000"); err != nil {
		t.Fatalf("SaveRemoteDataPoints() error = %v", err)
	}
	// Pulling the same page again must not duplicate anything.
	if err := db.SaveRemoteDataPoints(7, points, "1700000000000"); err != nil {
		t.Fatalf("SaveRemoteDataPoints() second call error = %v", err)
	}

	dp, _ := db.FindDataPoint("dp-remote")
	if dp == nil || dp.SurveyGroupID != 7 || dp.Location == nil {
		t.Fatalf("FindDataPoint() = %+v", dp)
	}

	inst, _ := db.FindInstanceByUUID("remote-uuid")
	if inst == nil || inst.Status != flow.StatusDownloaded {
		t.Fatalf("FindInstanceByUUID() = %+v", inst)
	}
	rs, _ := db.FindResponses(inst.ID)
	if len(rs) != 1 || rs[0].Kind != flow.KindText {
		t.Errorf("FindResponses() = %+v", rs)
	}

	synced, _ := db.SyncedTime(7)
	if synced != "1700000000000" {
		t.Errorf("SyncedTime() = %q", synced)
	}
	if synced, _ := db.SyncedTime(99); synced != "" {
		t.Errorf("SyncedTime(99) = %q, want empty", synced)
	}
}

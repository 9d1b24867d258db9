package flow_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsync/internal/flow"
	"flowsync/internal/testutil"
)

const syncForm = `<survey id="form-1" surveyGroupId="7"><questionGroup><question id="q1"/></questionGroup></survey>`

// withForm stores form-1 so the files check has something to ask about.
func (f *syncFixture) withForm(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.SaveForm(mustParseForm(t, syncForm), []byte(syncForm)))
}

func TestSync_UploadsAndMarksSynced(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	inst := f.submitted(t, "u-1", "a.jpg")

	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	require.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Exported)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
	assert.Equal(t, map[string]flow.TransmissionStatus{
		"u-1-dev-1.zip": flow.TransmissionComplete,
		"a.jpg":         flow.TransmissionComplete,
	}, f.statuses(t, inst.ID))

	assert.True(t, f.store.HasFile(flow.RemoteDataDir, "u-1-dev-1.zip"))
	assert.True(t, f.store.HasFile(flow.RemoteImageDir, "a.jpg"))
	assert.Equal(t, []testutil.Notification{
		{Action: flow.ActionSubmit, FormID: "form-1", Filename: "u-1-dev-1.zip", DeviceID: "dev-1"},
	}, f.server.Notifications(), "media uploaded on the first attempt is not announced")
	assert.Equal(t, flow.StateIdle, f.orch.State())

	again := f.orch.Sync(context.Background(), flow.SyncBoth)
	assert.Equal(t, flow.ResultSuccess, again.Code)
	assert.Zero(t, again.Uploaded)
	assert.Equal(t, 2, f.vault.TotalCalls(), "completed files are never uploaded twice")
}

func TestSync_NoNetworkTouchesNothing(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionNone, true)
	f.withForm(t)
	inst := f.submitted(t, "u-1")

	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	assert.Equal(t, flow.ResultNoNetwork, res.Code)
	assert.ErrorIs(t, res.Err, flow.ErrNoNetwork)
	assert.Equal(t, flow.StatusSubmitted, f.instanceStatus(t, inst.ID))
	assert.Empty(t, f.statuses(t, inst.ID))
	assert.Zero(t, f.server.Requests("/devicenotification"))
	assert.Zero(t, f.server.Requests("/surveyedlocale"))
	assert.Zero(t, f.vault.TotalCalls())
}

func TestSync_MeteredWithoutOptIn(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionMetered, false)
	f.withForm(t)
	inst := f.submitted(t, "u-1")

	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	assert.Equal(t, flow.ResultMeteredNotAllowed, res.Code)
	assert.Equal(t, flow.ResultMeteredNotAllowed, res.PullCode)
	assert.Equal(t, flow.ResultMeteredNotAllowed, res.PushCode)
	assert.ErrorIs(t, res.Err, flow.ErrMeteredNotAllowed)
	assert.Equal(t, 1, f.server.Requests("/devicenotification"), "control calls are allowed on metered")
	assert.Zero(t, f.server.Requests("/surveyedlocale"))
	assert.Zero(t, f.vault.TotalCalls())
	assert.Equal(t, flow.StatusExported, f.instanceStatus(t, inst.ID), "local preparation still runs")

	pushOnly := f.orch.Sync(context.Background(), flow.SyncPush)
	assert.Equal(t, flow.ResultMeteredNotAllowed, pushOnly.Code)
	assert.Zero(t, f.vault.TotalCalls())
}

func TestSync_MeteredWithOptIn(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionMetered, true)
	inst := f.submitted(t, "u-1")

	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	require.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
}

func TestSync_AssignmentMissing(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.server.SetForbidden(true)
	inst := f.submitted(t, "u-1")

	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	assert.Equal(t, flow.ResultAssignmentMissing, res.Code)
	assert.Equal(t, flow.ResultAssignmentMissing, res.PullCode)
	assert.Equal(t, flow.ResultSuccess, res.PushCode, "collected data is still uploaded")
	assert.ErrorIs(t, res.Err, flow.ErrAssignmentMissing)
	assert.Equal(t, 1, f.server.Requests("/surveyedlocale"), "a 403 is not retried")
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
}

func TestSync_ReconcileFailureDoesNotBlockTransfers(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.withForm(t)
	f.server.Update(func(s *testutil.FakeFlowServer) { s.FailTimes = 1 })
	inst := f.submitted(t, "u-1")

	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, flow.ResultSuccess, res.PullCode)
	assert.Equal(t, flow.ResultSuccess, res.PushCode)
	var te *flow.TransportError
	require.ErrorAs(t, res.Err, &te, "the failed files check is still reported")
	assert.Equal(t, 1, f.server.Requests("/devicenotification"))
	assert.Equal(t, 1, f.server.Requests("/surveyedlocale"))
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
}

func TestSync_RetriesTemporaryPageFailures(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.server.Update(func(s *testutil.FakeFlowServer) { s.FailTimes = 1 })

	res := f.orch.Sync(context.Background(), flow.SyncPull)

	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, 2, f.server.Requests("/surveyedlocale"))
}

func TestSync_DigestMismatchIsNeverAccepted(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.vault.BadETag = true
	inst := f.submitted(t, "u-1")

	res := f.orch.Sync(context.Background(), flow.SyncPush)

	assert.Equal(t, flow.ResultTransportError, res.Code)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Uploaded)
	var ie *flow.IntegrityError
	assert.True(t, errors.As(res.Err, &ie), "%v", res.Err)
	assert.Equal(t, 3, f.vault.Calls("u-1-dev-1.zip"), "one upload plus two retries")
	assert.Equal(t, flow.TransmissionPending, f.statuses(t, inst.ID)["u-1-dev-1.zip"])
	assert.Equal(t, flow.StatusExported, f.instanceStatus(t, inst.ID))
	assert.Empty(t, f.server.Notifications())

	f.vault.BadETag = false
	res = f.orch.Sync(context.Background(), flow.SyncPush)
	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
}

func TestSync_PartialFailure(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.vault.FailFiles["b.jpg"] = true
	inst := f.submitted(t, "u-1", "b.jpg")
	other := f.submitted(t, "u-2")

	res := f.orch.Sync(context.Background(), flow.SyncPush)

	assert.Equal(t, flow.ResultPartial, res.Code)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
	var te *flow.TransportError
	assert.True(t, errors.As(res.Err, &te))
	assert.Equal(t, map[string]flow.TransmissionStatus{
		"u-1-dev-1.zip": flow.TransmissionComplete,
		"b.jpg":         flow.TransmissionPending,
	}, f.statuses(t, inst.ID))
	assert.Equal(t, flow.StatusExported, f.instanceStatus(t, inst.ID))
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, other.ID))

	delete(f.vault.FailFiles, "b.jpg")
	res = f.orch.Sync(context.Background(), flow.SyncPush)
	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
	assert.Len(t, f.server.Notifications(), 2, "one submit per archive, no image notice")
}

func TestSync_ReuploadsFilesTheServerIsMissing(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.withForm(t)
	inst := f.submitted(t, "u-1", "a.jpg")

	require.Equal(t, flow.ResultSuccess, f.orch.Sync(context.Background(), flow.SyncBoth).Code)
	require.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))

	f.server.SetMissing("a.jpg")
	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	require.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, f.vault.Calls("a.jpg"))
	assert.Equal(t, 1, f.vault.Calls("u-1-dev-1.zip"))
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
	assert.Equal(t, []testutil.Notification{
		{Action: flow.ActionSubmit, FormID: "form-1", Filename: "u-1-dev-1.zip", DeviceID: "dev-1"},
		{Action: flow.ActionImage, FormID: "form-1", Filename: "a.jpg", DeviceID: "dev-1"},
	}, f.server.Notifications())
}

func TestSync_DeletedFormsOnServer(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.withForm(t)
	f.server.Update(func(s *testutil.FakeFlowServer) { s.DeletedForms = []string{"form-1"} })
	inst := testutil.SeedInstance(t, f.db, "u-1", "form-1", flow.StatusSaved)

	res := f.orch.Sync(context.Background(), flow.SyncPull)

	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, flow.StatusDeleted, f.instanceStatus(t, inst.ID))
}

func TestSync_PagesThroughDataPoints(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	lat, lon := 1.5, 36.8
	var points []flow.RemoteDataPoint
	for i, modified := range []int64{100, 200, 300, 400, 500} {
		dp := flow.RemoteDataPoint{
			ID:            "dp-" + string(rune('a'+i)),
			SurveyGroupID: 7,
			DisplayName:   "Site",
			LastModified:  modified,
		}
		if i == 0 {
			dp.Latitude, dp.Longitude = &lat, &lon
			dp.Instances = []flow.RemoteInstance{{
				UUID:           "remote-1",
				FormID:         "form-1",
				SubmissionDate: 1700000000000,
				Responses:      []flow.ManifestResponse{{QuestionID: "q1", Iteration: flow.NoIteration, AnswerType: "text", Value: "old"}},
			}}
		}
		points = append(points, dp)
	}
	f.server.Update(func(s *testutil.FakeFlowServer) {
		s.PageSize = 2
		s.DataPoints = points
	})

	res := f.orch.Sync(context.Background(), flow.SyncPull)

	require.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, 5, res.Pulled)
	assert.Equal(t, 5, f.server.Requests("/surveyedlocale"))

	synced, err := f.db.SyncedTime(7)
	require.NoError(t, err)
	assert.Equal(t, "500", synced)

	dp, err := f.db.FindDataPoint("dp-a")
	require.NoError(t, err)
	require.NotNil(t, dp)
	assert.Equal(t, "Site", dp.Name)
	require.NotNil(t, dp.Location)
	assert.Equal(t, 1.5, dp.Location.Latitude)

	remote, err := f.db.FindInstanceByUUID("remote-1")
	require.NoError(t, err)
	require.NotNil(t, remote)
	assert.Equal(t, flow.StatusDownloaded, remote.Status)

	// The next cycle resumes from the stored marker; only the datapoint
	// sitting on the marker is served again.
	res = f.orch.Sync(context.Background(), flow.SyncPull)
	assert.Equal(t, flow.ResultSuccess, res.Code)
	assert.Equal(t, 1, res.Pulled)
}

func TestSync_ResetsInterruptedUploads(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	inst := f.exported(t, "u-1")
	require.NoError(t, f.db.SetStatus("u-1-dev-1.zip", flow.TransmissionInProgress))

	res := f.orch.Sync(context.Background(), flow.SyncPush)

	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, 1, res.Reset)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
}

func TestSync_MissingLocalFileIsReported(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	inst := f.exported(t, "u-1", "a.jpg")
	require.NoError(t, f.files.Remove(f.files.MediaPath("a.jpg")))

	res := f.orch.Sync(context.Background(), flow.SyncPush)

	assert.Equal(t, flow.ResultPartial, res.Code)
	var ce *flow.ConsistencyError
	assert.True(t, errors.As(res.Err, &ce), "%v", res.Err)
	assert.Equal(t, flow.TransmissionPending, f.statuses(t, inst.ID)["a.jpg"])
}

func TestSync_PageOfOneTimestampStopsPaging(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.server.Update(func(s *testutil.FakeFlowServer) {
		s.PageSize = 2
		s.DataPoints = []flow.RemoteDataPoint{
			{ID: "dp-a", SurveyGroupID: 7, LastModified: 100},
			{ID: "dp-b", SurveyGroupID: 7, LastModified: 100},
			{ID: "dp-c", SurveyGroupID: 7, LastModified: 100},
		}
	})

	res := f.orch.Sync(context.Background(), flow.SyncPull)

	// The repeated page ends the loop instead of spinning on it; dp-c needs
	// the server to page past the shared timestamp.
	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, 2, res.Pulled)
	assert.Equal(t, 2, f.server.Requests("/surveyedlocale"))
}

// cancellingVault cancels the sync after reading the first chunk of one file.
type cancellingVault struct {
	flow.Vault
	file   string
	cancel context.CancelFunc
	read   int
}

func (c *cancellingVault) PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (string, error) {
	if name != c.file {
		return c.Vault.PutFile(ctx, dir, name, r, size, contentMD5, contentType)
	}
	first := make([]byte, flow.ChunkSize)
	n, err := io.ReadFull(r, first)
	c.read += n
	if err != nil {
		return "", err
	}
	c.cancel()
	rest, err := io.ReadAll(r)
	c.read += len(rest)
	if err != nil {
		return "", err
	}
	return c.Vault.PutFile(ctx, dir, name, bytes.NewReader(append(first, rest...)), size, contentMD5, contentType)
}

func TestSync_CancelledDuringUpload(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cv := &cancellingVault{Vault: f.vault.Vault, file: "big.jpg", cancel: cancel}
	f.vault.Vault = cv
	inst := f.submitted(t, "u-1", "big.jpg")
	f.files.AddFile(f.files.MediaPath("big.jpg"), bytes.Repeat([]byte{0xFF}, 4*flow.ChunkSize))

	res := f.orch.Sync(ctx, flow.SyncPush)

	assert.Equal(t, flow.ResultCancelled, res.Code)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, flow.ChunkSize, cv.read, "the transfer stops at the next chunk")
	assert.Equal(t, map[string]flow.TransmissionStatus{
		"u-1-dev-1.zip": flow.TransmissionComplete,
		"big.jpg":       flow.TransmissionPending,
	}, f.statuses(t, inst.ID))
	assert.True(t, f.store.HasFile(flow.RemoteDataDir, "u-1-dev-1.zip"))
	assert.False(t, f.store.HasFile(flow.RemoteImageDir, "big.jpg"))
	assert.Equal(t, flow.StatusExported, f.instanceStatus(t, inst.ID))

	res = f.orch.Sync(context.Background(), flow.SyncPush)
	assert.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
}

// stallingVault never finishes an upload until its context ends.
type stallingVault struct {
	flow.Vault
}

func (stallingVault) PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSync_StalledUploadTimesOut(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.vault.Vault = stallingVault{Vault: f.vault.Vault}
	f.withOptions(func(o *flow.SyncOptions) { o.TransferTimeout = 50 * time.Millisecond })
	inst := f.submitted(t, "u-1")

	done := make(chan flow.SyncResult, 1)
	go func() { done <- f.orch.Sync(context.Background(), flow.SyncPush) }()

	var res flow.SyncResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not return after the transfer timeout")
	}

	assert.Equal(t, flow.ResultTransportError, res.Code)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, flow.TransmissionPending, f.statuses(t, inst.ID)["u-1-dev-1.zip"])
	assert.False(t, f.store.HasFile(flow.RemoteDataDir, "u-1-dev-1.zip"))
	assert.Equal(t, flow.StatusExported, f.instanceStatus(t, inst.ID))
}

// blockingVault holds every upload until released.
type blockingVault struct {
	flow.Vault
	entered chan struct{}
	release chan struct{}
}

func (b *blockingVault) PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (string, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Vault.PutFile(ctx, dir, name, r, size, contentMD5, contentType)
}

func TestSync_SingleFlight(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	blocker := &blockingVault{Vault: f.vault.Vault, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.vault.Vault = blocker
	inst := f.submitted(t, "u-1")

	done := make(chan flow.SyncResult, 1)
	go func() { done <- f.orch.Sync(context.Background(), flow.SyncPush) }()
	<-blocker.entered

	second := f.orch.Sync(context.Background(), flow.SyncPush)
	assert.Equal(t, flow.ResultInProgress, second.Code)
	assert.ErrorIs(t, second.Err, flow.ErrSyncInProgress)
	assert.Equal(t, flow.StatePush, f.orch.State())

	close(blocker.release)
	first := <-done
	assert.Equal(t, flow.ResultSuccess, first.Code, "%v", first.Err)
	assert.Equal(t, flow.StatusSynced, f.instanceStatus(t, inst.ID))
}

func TestSync_ClosedSession(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.session.Close()

	res := f.orch.Sync(context.Background(), flow.SyncBoth)

	assert.Equal(t, flow.ResultCancelled, res.Code)
	assert.ErrorIs(t, res.Err, flow.ErrSessionClosed)
	assert.Zero(t, f.server.Requests("/surveyedlocale"))
}

func TestSync_CancelledContext(t *testing.T) {
	f := newSyncFixture(t, flow.ConnectionWiFi, false)
	f.submitted(t, "u-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.orch.Sync(ctx, flow.SyncBoth)

	assert.Equal(t, flow.ResultCancelled, res.Code)
	assert.Zero(t, f.vault.TotalCalls())
}

func TestParseSyncMode(t *testing.T) {
	for in, want := range map[string]flow.SyncMode{"": flow.SyncBoth, "both": flow.SyncBoth, "PULL": flow.SyncPull, "push": flow.SyncPush} {
		got, err := flow.ParseSyncMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := flow.ParseSyncMode("sideways")
	assert.Error(t, err)
}

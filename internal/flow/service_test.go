package flow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsync/internal/database"
	"flowsync/internal/flow"
	"flowsync/internal/testutil"
)

type serviceFixture struct {
	db      *database.SQLiteDatabase
	files   *testutil.MemoryFileStore
	server  *testutil.FakeFlowServer
	network *testutil.SwitchableNetwork
	svc     *flow.Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		db:      testutil.NewTestDatabase(t),
		files:   testutil.NewMemoryFileStore(),
		server:  testutil.NewFakeFlowServer(t),
		network: testutil.NewSwitchableNetwork(flow.ConnectionWiFi),
	}
	opts := flow.DefaultSyncOptions()
	opts.RetryMinInterval = 0
	f.svc = flow.NewService(flow.ServiceDeps{
		Database: f.db,
		API:      f.server.Client(),
		Vault:    testutil.NewTestVault(),
		Files:    f.files,
		Network:  f.network,
		Session:  newSession(t, false),
		Logger:   flow.NewNopLogger(),
		Clock:    testutil.FixedClock(),
		IDs:      testutil.NewStubIDGenerator(),
		Workers:  2,
		Sync:     opts,
	})
	t.Cleanup(f.svc.Close)
	return f
}

func TestService_FetchForm(t *testing.T) {
	f := newServiceFixture(t)
	f.server.Update(func(s *testutil.FakeFlowServer) {
		s.Forms["hh-1"] = []byte(householdForm)
		s.Forms["alias"] = []byte(householdForm)
	})

	form, err := f.svc.FetchForm(context.Background(), "hh-1")
	require.NoError(t, err)
	assert.Equal(t, "Household", form.Name)

	stored, err := f.db.FindForm("hh-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.Questions(), 7)

	_, err = f.svc.FetchForm(context.Background(), "alias")
	assert.Error(t, err, "definition id differs from the requested one")

	_, err = f.svc.FetchForm(context.Background(), "unknown")
	assert.Error(t, err)

	f.network.Set(flow.ConnectionNone)
	_, err = f.svc.FetchForm(context.Background(), "hh-1")
	assert.ErrorIs(t, err, flow.ErrNoNetwork)
}

func TestService_CaptureExportStatusWipe(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.server.Update(func(s *testutil.FakeFlowServer) { s.Forms["hh-1"] = []byte(householdForm) })
	_, err := f.svc.FetchForm(ctx, "hh-1")
	require.NoError(t, err)

	inst, err := f.svc.StartInstance("hh-1", "")
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", inst.DataPointID)
	assert.Equal(t, "00000000-0000-0000-0000-000000000002", inst.UUID)
	assert.Equal(t, 2.5, inst.FormVersion)

	engine, err := f.svc.OpenInstance(inst.ID)
	require.NoError(t, err)
	_, _, err = engine.Capture("name", flow.NoIteration, "Ana")
	require.NoError(t, err)
	problems, err := engine.Submit()
	require.NoError(t, err)
	require.Empty(t, problems)

	require.NoError(t, f.svc.Export(ctx, inst.ID).Wait(ctx))

	report, err := f.svc.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Instances[flow.StatusExported])
	assert.Zero(t, report.Instances[flow.StatusSaved])
	require.Len(t, report.Unsynced, 1)
	assert.Equal(t, flow.ArchiveName(inst.UUID, "dev-1"), report.Unsynced[0].Filename)

	second, err := f.svc.StartInstance("hh-1", inst.DataPointID)
	require.NoError(t, err)
	assert.Equal(t, inst.DataPointID, second.DataPointID)

	require.NoError(t, f.svc.Wipe())
	report, err = f.svc.Status()
	require.NoError(t, err)
	assert.Zero(t, report.Instances[flow.StatusExported])
	assert.Zero(t, report.Instances[flow.StatusSaved])
	assert.Empty(t, report.Unsynced)
	assert.Nil(t, f.files.Content(f.files.ArchivePath(flow.ArchiveName(inst.UUID, "dev-1"))))

	dp, err := f.db.FindDataPoint(inst.DataPointID)
	require.NoError(t, err)
	assert.NotNil(t, dp, "datapoints survive a wipe")
	form, err := f.db.FindForm("hh-1")
	require.NoError(t, err)
	assert.NotNil(t, form, "forms survive a wipe")
}

func TestService_StartInstanceErrors(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.StartInstance("missing", "")
	assert.Error(t, err)

	require.NoError(t, f.db.SaveForm(mustParseForm(t, householdForm), []byte(householdForm)))
	_, err = f.svc.StartInstance("hh-1", "no-such-datapoint")
	assert.Error(t, err)
}

func TestService_RepairAndSync(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	inst := testutil.SeedInstance(t, f.db, "u-1", "form-1", flow.StatusSubmitted)
	require.NoError(t, f.db.SetInstanceStatusToRequested(inst.ID))

	n, err := f.svc.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := f.svc.Sync(ctx, flow.SyncPush)
	require.Equal(t, flow.ResultSuccess, res.Code, "%v", res.Err)

	got, err := f.db.FindInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSynced, got.Status)
}

package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowsync/internal/database"
	"flowsync/internal/flow"
	"flowsync/internal/testutil"
	"flowsync/internal/vault"
)

func mustParseForm(t *testing.T, def string) *flow.Form {
	t.Helper()
	form, err := flow.ParseForm([]byte(def))
	require.NoError(t, err)
	return form
}

func newSession(t *testing.T, allowMetered bool) *flow.Session {
	t.Helper()
	s, err := flow.NewSession(flow.User{ID: 1, Name: "Ana", Email: "ana@example.org"}, "dev-1", 7, allowMetered, testutil.FixedClock().Now())
	require.NoError(t, err)
	return s
}

// syncFixture wires a SyncOrchestrator to in-memory collaborators and a fake server.
type syncFixture struct {
	db       *database.SQLiteDatabase
	files    *testutil.MemoryFileStore
	store    *vault.MemoryVault
	vault    *testutil.FaultyVault
	server   *testutil.FakeFlowServer
	network  *testutil.SwitchableNetwork
	session  *flow.Session
	exporter *flow.Exporter
	deps     flow.SyncDeps
	orch     *flow.SyncOrchestrator
}

func newSyncFixture(t *testing.T, conn flow.ConnectionType, allowMetered bool) *syncFixture {
	t.Helper()

	f := &syncFixture{
		db:      testutil.NewTestDatabase(t),
		files:   testutil.NewMemoryFileStore(),
		store:   testutil.NewTestVault(),
		server:  testutil.NewFakeFlowServer(t),
		network: testutil.NewSwitchableNetwork(conn),
		session: newSession(t, allowMetered),
	}
	f.vault = testutil.NewFaultyVault(f.store)

	log := flow.NewNopLogger()
	pool := flow.NewPool(2, log)
	t.Cleanup(pool.Close)

	f.exporter = flow.NewExporter(f.db, flow.NewPackager(f.files, log), f.files, pool, f.session, log)
	f.deps = flow.SyncDeps{
		Session:  f.session,
		Database: f.db,
		API:      f.server.Client(),
		Vault:    f.vault,
		Files:    f.files,
		Network:  f.network,
		Verifier: flow.NewIntegrityVerifier(f.files, log),
		Exporter: f.exporter,
		Pool:     pool,
		Logger:   log,
		Options: flow.SyncOptions{
			UploadRetries:    2,
			PageRetries:      2,
			RetryMinInterval: time.Millisecond,
			RetryMaxInterval: 5 * time.Millisecond,
			TransferTimeout:  10 * time.Second,
		},
	}
	f.orch = flow.NewSyncOrchestrator(f.deps)
	return f
}

// withOptions rebuilds the orchestrator with adjusted options.
func (f *syncFixture) withOptions(fn func(o *flow.SyncOptions)) {
	fn(&f.deps.Options)
	f.orch = flow.NewSyncOrchestrator(f.deps)
}

// submitted seeds a SUBMITTED instance with a text answer and one image
// answer per media file, storing each media file locally.
func (f *syncFixture) submitted(t *testing.T, uuid string, media ...string) *flow.FormInstance {
	t.Helper()
	inst := testutil.SeedInstance(t, f.db, uuid, "form-1", flow.StatusSubmitted)
	testutil.SeedResponse(t, f.db, inst.ID, "q1", flow.NoIteration, "Well "+uuid, flow.KindText)
	for i, name := range media {
		testutil.SeedResponse(t, f.db, inst.ID, "photo", i, name, flow.KindImage)
		f.files.AddFile(f.files.MediaPath(name), []byte("jpeg:"+name))
	}
	return inst
}

// exported seeds a submitted instance and packages it.
func (f *syncFixture) exported(t *testing.T, uuid string, media ...string) *flow.FormInstance {
	t.Helper()
	inst := f.submitted(t, uuid, media...)
	require.NoError(t, f.exporter.Export(context.Background(), inst.ID).Wait(context.Background()))
	return inst
}

func (f *syncFixture) statuses(t *testing.T, instanceID int64) map[string]flow.TransmissionStatus {
	t.Helper()
	ts, err := f.db.TransmissionsForInstance(instanceID)
	require.NoError(t, err)
	out := make(map[string]flow.TransmissionStatus, len(ts))
	for _, tr := range ts {
		out[tr.Filename] = tr.Status
	}
	return out
}

func (f *syncFixture) instanceStatus(t *testing.T, id int64) flow.InstanceStatus {
	t.Helper()
	inst, err := f.db.FindInstance(id)
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst.Status
}

// memPersister is an in-memory ResponsePersister.
type memPersister struct {
	next    int64
	rows    map[int64]flow.Response
	saves   int
	deletes int
}

func newMemPersister() *memPersister {
	return &memPersister{rows: map[int64]flow.Response{}}
}

func (p *memPersister) SaveResponse(r *flow.Response) (int64, error) {
	p.saves++
	id := r.ID
	if id == 0 {
		p.next++
		id = p.next
	}
	c := *r
	c.ID = id
	p.rows[id] = c
	return id, nil
}

func (p *memPersister) DeleteResponse(id int64) error {
	p.deletes++
	delete(p.rows, id)
	return nil
}

package app

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flowsync/internal/config"
	"flowsync/internal/flow"
	"flowsync/internal/testutil"
	"flowsync/internal/vault"
)

const waterPointForm = `<survey id="form-1" name="Water point" version="3.0" surveyGroupId="7">
  <questionGroup>
    <heading>Site</heading>
    <question id="q1" type="free" mandatory="true" localeNameFlag="true"><text>Name</text></question>
  </questionGroup>
</survey>`

func newTestConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	cfg := config.NewConfig("dev-1", t.TempDir())
	cfg.Encryption.Type = "test"
	cfg.Server.URL = serverURL
	cfg.User = config.UserConfig{ID: 3, Name: "Ana", SurveyGroupID: 7}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *FlowApp {
	t.Helper()
	a, err := NewFlowApp(context.Background(), cfg, operation, Options{
		Network: testutil.NewSwitchableNetwork(flow.ConnectionWiFi),
		Clock:   testutil.FixedClock(),
		IDs:     testutil.NewStubIDGenerator(),
	})
	if err != nil {
		t.Fatalf("NewFlowApp() error = %v", err)
	}
	return a
}

func TestFlowApp_CaptureAndSync(t *testing.T) {
	srv := testutil.NewFakeFlowServer(t)
	srv.Forms["form-1"] = []byte(waterPointForm)
	cfg := newTestConfig(t, srv.URL)
	ctx := context.Background()

	a := newTestApp(t, cfg, "FetchForm")
	if _, err := a.FetchForm(ctx, "form-1"); err != nil {
		t.Fatalf("FetchForm() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	a = newTestApp(t, cfg, "Capture")
	inst, err := a.StartInstance("form-1", "")
	if err != nil {
		t.Fatalf("StartInstance() error = %v", err)
	}

	problems, err := a.Submit(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(problems) != 1 || problems[0].QuestionID != "q1" {
		t.Fatalf("Submit() problems = %v, want mandatory q1", problems)
	}

	if problem, err := a.Answer(inst.ID, "q1", flow.NoIteration, "Well A", ""); err != nil || problem != nil {
		t.Fatalf("Answer() = %v, %v", problem, err)
	}
	if problems, err := a.Submit(ctx, inst.ID); err != nil || len(problems) != 0 {
		t.Fatalf("Submit() = %v, %v", problems, err)
	}

	res := a.Sync(ctx, flow.SyncBoth)
	if res.Code != flow.ResultSuccess {
		t.Fatalf("Sync() code = %s, err = %v", res.Code, res.Err)
	}
	if res.Uploaded != 1 {
		t.Errorf("Sync() uploaded = %d, want 1", res.Uploaded)
	}

	report, err := a.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.Instances[flow.StatusSynced] != 1 {
		t.Errorf("synced instances = %d, want 1", report.Instances[flow.StatusSynced])
	}
	if len(report.Unsynced) != 0 {
		t.Errorf("unsynced transmissions = %d, want 0", len(report.Unsynced))
	}

	notes := srv.Notifications()
	if len(notes) != 1 || notes[0].Action != flow.ActionSubmit || notes[0].FormID != "form-1" {
		t.Errorf("notifications = %+v, want one submit for form-1", notes)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	v, err := vault.NewFileSystemVault("check", cfg.Vault.FSVaultRoot)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	version, err := v.GetBackupVersion(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetBackupVersion() error = %v", err)
	}
	if version != 2 {
		t.Errorf("backup version = %d, want 2", version)
	}
}

func TestFlowApp_BootstrapAndPublish(t *testing.T) {
	srv := testutil.NewFakeFlowServer(t)
	cfg := newTestConfig(t, srv.URL)
	ctx := context.Background()

	if err := os.MkdirAll(cfg.Storage.BootstrapDir, 0755); err != nil {
		t.Fatal(err)
	}
	out, err := os.Create(filepath.Join(cfg.Storage.BootstrapDir, "forms.zip"))
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	w, _ := zw.Create("form-1/Water point.xml")
	w.Write([]byte(waterPointForm))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	a := newTestApp(t, cfg, "Bootstrap")
	res, err := a.Bootstrap(ctx, "")
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if len(res.Forms) != 1 || res.Forms[0] != "form-1" {
		t.Errorf("Bootstrap() forms = %v, want [form-1]", res.Forms)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	a = newTestApp(t, cfg, "Capture")
	defer a.Close()
	inst, err := a.StartInstance("form-1", "")
	if err != nil {
		t.Fatalf("StartInstance() error = %v", err)
	}
	if problem, err := a.Answer(inst.ID, "q1", flow.NoIteration, "Well A", ""); err != nil || problem != nil {
		t.Fatalf("Answer() = %v, %v", problem, err)
	}
	if problems, err := a.Submit(ctx, inst.ID); err != nil || len(problems) != 0 {
		t.Fatalf("Submit() = %v, %v", problems, err)
	}

	published, err := a.PublishData(ctx, "")
	if err != nil {
		t.Fatalf("PublishData() error = %v", err)
	}
	if published.Published != 1 || published.Dir != cfg.Storage.PublishDir {
		t.Errorf("PublishData() = %+v, want 1 file in %s", published, cfg.Storage.PublishDir)
	}
	entries, err := os.ReadDir(filepath.Join(cfg.Storage.PublishDir, flow.RemoteDataDir))
	if err != nil || len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".zip") {
		t.Errorf("published archives = %v, %v", entries, err)
	}
}

func TestFlowApp_ReadOnlyCommandSkipsBackup(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")

	a := newTestApp(t, cfg, "Status")
	if _, err := a.Status(); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	v, _ := vault.NewFileSystemVault("check", cfg.Vault.FSVaultRoot)
	if version, _ := v.GetBackupVersion(context.Background(), "dev-1"); version != 0 {
		t.Errorf("backup version = %d, want 0 for a read-only command", version)
	}
}

func TestFlowApp_BehindRemoteBackup(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	ctx := context.Background()

	v, err := vault.NewFileSystemVault("check", cfg.Vault.FSVaultRoot)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if err := v.PutBackup(ctx, "dev-1", strings.NewReader("x"), 1, 5); err != nil {
		t.Fatalf("PutBackup() error = %v", err)
	}

	_, err = NewFlowApp(ctx, cfg, "Sync", Options{Clock: testutil.FixedClock()})
	if err == nil || !strings.Contains(err.Error(), "behind") {
		t.Fatalf("NewFlowApp() error = %v, want local database behind remote", err)
	}
}

func TestFlowApp_Restore(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	ctx := context.Background()

	a := newTestApp(t, cfg, "Wipe")
	if err := a.Wipe(); err != nil {
		t.Fatalf("Wipe() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	dbPath := filepath.Join(cfg.Database.DataDir, "dev-1.db")
	if err := os.Remove(dbPath); err != nil {
		t.Fatalf("removing database: %v", err)
	}

	got, err := Restore(ctx, cfg, "any", "")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got != dbPath {
		t.Errorf("Restore() path = %q, want %q", got, dbPath)
	}

	a = newTestApp(t, cfg, "History")
	defer a.Close()
	ops, err := a.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Name != "Wipe" {
		t.Errorf("History() = %+v, want the restored Wipe operation", ops)
	}
}

func TestFlowApp_NetworkOverride(t *testing.T) {
	t.Setenv(EnvNetwork, "none")
	cfg := newTestConfig(t, "http://127.0.0.1:1")

	a, err := NewFlowApp(context.Background(), cfg, "Sync", Options{Clock: testutil.FixedClock()})
	if err != nil {
		t.Fatalf("NewFlowApp() error = %v", err)
	}
	defer a.Close()

	res := a.Sync(context.Background(), flow.SyncBoth)
	if res.Code != flow.ResultNoNetwork {
		t.Errorf("Sync() code = %s, want %s", res.Code, flow.ResultNoNetwork)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()

	if err := LoadEnv(dir); err != nil {
		t.Fatalf("LoadEnv() without .env error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FLOWSYNC_TEST_VALUE=from-env\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOWSYNC_TEST_VALUE", "")
	os.Unsetenv("FLOWSYNC_TEST_VALUE")

	if err := LoadEnv(dir); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if got := os.Getenv("FLOWSYNC_TEST_VALUE"); got != "from-env" {
		t.Errorf("FLOWSYNC_TEST_VALUE = %q, want from-env", got)
	}
}

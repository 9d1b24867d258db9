package flow_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsync/internal/files"
	"flowsync/internal/flow"
	"flowsync/internal/testutil"
)

func newTestUpdater(t *testing.T, conn flow.ConnectionType, allowMetered bool) (*flow.Updater, *testutil.FakeFlowServer, *testutil.MemoryFileStore) {
	t.Helper()
	srv := testutil.NewFakeFlowServer(t)
	files := testutil.NewMemoryFileStore()
	log := flow.NewNopLogger()
	u := flow.NewUpdater(srv.Client(), files, flow.NewIntegrityVerifier(files, log),
		flow.StaticNetwork(conn), newSession(t, allowMetered), 10*time.Second, log)
	return u, srv, files
}

func TestUpdater_Check(t *testing.T) {
	u, srv, _ := newTestUpdater(t, flow.ConnectionMetered, false)

	apk, newer, err := u.Check(context.Background(), "2.0.9")
	require.NoError(t, err)
	assert.Nil(t, apk)
	assert.False(t, newer)

	srv.Update(func(s *testutil.FakeFlowServer) {
		s.Apk = &flow.ApkData{Version: "2.1.0", FileURL: "/files/app.apk"}
	})

	apk, newer, err = u.Check(context.Background(), "2.0.9")
	require.NoError(t, err)
	require.NotNil(t, apk)
	assert.True(t, newer, "checks are control calls and run on metered")

	_, newer, err = u.Check(context.Background(), "2.1")
	require.NoError(t, err)
	assert.False(t, newer)
}

func TestUpdater_CheckOffline(t *testing.T) {
	u, srv, _ := newTestUpdater(t, flow.ConnectionNone, false)

	_, _, err := u.Check(context.Background(), "1.0")
	assert.ErrorIs(t, err, flow.ErrNoNetwork)
	assert.Zero(t, srv.Requests("/deviceapprest"))
}

func TestUpdater_Download(t *testing.T) {
	u, srv, files := newTestUpdater(t, flow.ConnectionWiFi, false)
	payload := []byte("apk payload")
	srv.Update(func(s *testutil.FakeFlowServer) { s.Files["app.apk"] = payload })

	dest, err := u.Download(context.Background(), &flow.ApkData{
		Version:     "2.1.0",
		FileURL:     "/files/app.apk",
		MD5Checksum: testutil.MD5Hex(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, files.UpdatePath("app.apk"), dest)
	assert.Equal(t, payload, files.Content(dest))
}

func TestUpdater_DownloadChecksumMismatch(t *testing.T) {
	u, srv, files := newTestUpdater(t, flow.ConnectionWiFi, false)
	srv.Update(func(s *testutil.FakeFlowServer) { s.Files["app.apk"] = []byte("tampered") })

	_, err := u.Download(context.Background(), &flow.ApkData{
		Version:     "2.1.0",
		FileURL:     "/files/app.apk",
		MD5Checksum: testutil.MD5Hex([]byte("original")),
	})

	var ie *flow.IntegrityError
	require.True(t, errors.As(err, &ie), "%v", err)
	assert.Nil(t, files.Content(files.UpdatePath("app.apk")), "a corrupt download is deleted")
}

func TestUpdater_StalledDownloadTimesOut(t *testing.T) {
	root := t.TempDir()
	store, err := files.NewOSFileStore(root)
	require.NoError(t, err)
	srv := testutil.NewFakeFlowServer(t)
	payload := bytes.Repeat([]byte("apk"), 4*flow.ChunkSize)
	srv.Update(func(s *testutil.FakeFlowServer) {
		s.Files["app.apk"] = payload
		s.StallFilesAfter = flow.ChunkSize
	})
	log := flow.NewNopLogger()
	u := flow.NewUpdater(srv.Client(), store, flow.NewIntegrityVerifier(store, log),
		flow.StaticNetwork(flow.ConnectionWiFi), newSession(t, false), 100*time.Millisecond, log)

	start := time.Now()
	_, err = u.Download(context.Background(), &flow.ApkData{
		Version:     "2.1.0",
		FileURL:     "/files/app.apk",
		MD5Checksum: testutil.MD5Hex(payload),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	left, err := os.ReadDir(filepath.Dir(store.UpdatePath("app.apk")))
	require.NoError(t, err)
	assert.Empty(t, left, "no partial package is left behind")
}

func TestUpdater_DownloadRefusedOnMetered(t *testing.T) {
	u, srv, _ := newTestUpdater(t, flow.ConnectionMetered, false)

	_, err := u.Download(context.Background(), &flow.ApkData{Version: "2.1.0", FileURL: "/files/app.apk"})
	assert.ErrorIs(t, err, flow.ErrMeteredNotAllowed)
	assert.Zero(t, srv.Requests("/files/app.apk"))
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2.1.0", "2.0.9", 1},
		{"2.10", "2.9", 1},
		{"2.1", "2.1.0", 0},
		{"1.9.9", "2.0", -1},
		{"", "0", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, flow.CompareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

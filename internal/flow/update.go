package flow

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
)

// Updater checks for and downloads new application packages.
type Updater struct {
	api      RemoteAPI
	files    FileStore
	verifier Verifier
	network  NetworkMonitor
	session  *Session
	timeout  time.Duration
	logger   Logger
}

func NewUpdater(api RemoteAPI, files FileStore, verifier Verifier, network NetworkMonitor, session *Session, timeout time.Duration, logger Logger) *Updater {
	return &Updater{
		api:      api,
		files:    files,
		verifier: verifier,
		network:  network,
		session:  session,
		timeout:  timeout,
		logger:   logger,
	}
}

// Check returns the available package when it is newer than current.
// It is a control call and is allowed on any connection.
func (u *Updater) Check(ctx context.Context, current string) (*ApkData, bool, error) {
	if err := u.session.Policy().CheckControl(u.network.Connection()); err != nil {
		return nil, false, err
	}
	apk, err := u.api.LoadApkData(ctx, current)
	if err != nil {
		return nil, false, err
	}
	if apk == nil || apk.Version == "" {
		return nil, false, nil
	}
	return apk, CompareVersions(apk.Version, current) > 0, nil
}

// Download fetches the package and verifies its digest. On mismatch the file
// is deleted and an IntegrityError returned. A download exceeding the
// configured timeout fails rather than hanging.
func (u *Updater) Download(ctx context.Context, apk *ApkData) (string, error) {
	if err := u.session.Policy().CheckBulk(u.network.Connection()); err != nil {
		return "", err
	}
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	name := path.Base(apk.FileURL)
	if name == "" || name == "/" || name == "." {
		name = "flow-" + apk.Version + ".apk"
	}
	dest := u.files.UpdatePath(name)

	err := u.files.WriteAtomic(dest, func(w io.Writer) error {
		_, err := u.api.Download(ctx, apk.FileURL, w)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", apk.FileURL, err)
	}

	if !u.verifier.Verify(dest, apk.MD5Checksum) {
		if rerr := u.files.Remove(dest); rerr != nil {
			u.logger.Warn("removing corrupt download", "path", dest, "error", rerr)
		}
		return "", &IntegrityError{Filename: name, Expected: apk.MD5Checksum}
	}
	u.logger.Info("update downloaded", "version", apk.Version, "path", dest)
	return dest, nil
}

// CompareVersions compares dotted numeric versions such as "2.10.1".
// Missing components count as zero.
func CompareVersions(a, b string) int {
	pa := strings.Split(strings.TrimSpace(a), ".")
	pb := strings.Split(strings.TrimSpace(b), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

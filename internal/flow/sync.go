package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lestrrat-go/backoff/v2"
	"golang.org/x/sync/errgroup"
)

// SyncMode selects the directions of a sync cycle.
type SyncMode int

const (
	SyncBoth SyncMode = iota
	SyncPull
	SyncPush
)

func (m SyncMode) String() string {
	switch m {
	case SyncPull:
		return "pull"
	case SyncPush:
		return "push"
	default:
		return "both"
	}
}

// ParseSyncMode parses "pull", "push" or "both".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "both", "":
		return SyncBoth, nil
	case "pull":
		return SyncPull, nil
	case "push":
		return SyncPush, nil
	}
	return SyncBoth, fmt.Errorf("unknown sync mode: %q", s)
}

func (m SyncMode) pulls() bool { return m == SyncBoth || m == SyncPull }
func (m SyncMode) pushes() bool { return m == SyncBoth || m == SyncPush }

// ResultCode summarizes a sync cycle.
type ResultCode string

const (
	ResultSuccess           ResultCode = "SUCCESS"
	ResultPartial           ResultCode = "PARTIAL"
	ResultNoNetwork         ResultCode = "ERROR_NO_NETWORK"
	ResultMeteredNotAllowed ResultCode = "ERROR_SYNC_NOT_ALLOWED_OVER_METERED"
	ResultAssignmentMissing ResultCode = "ERROR_ASSIGNMENT_MISSING"
	ResultTransportError    ResultCode = "ERROR_TRANSPORT"
	ResultCancelled         ResultCode = "CANCELLED"
	ResultInProgress        ResultCode = "SYNC_IN_PROGRESS"
)

// SyncState is the orchestrator's current step.
type SyncState string

const (
	StateIdle        SyncState = "IDLE"
	StateCheckPolicy SyncState = "CHECK_POLICY"
	StatePull        SyncState = "PULL"
	StatePush        SyncState = "PUSH"
)

// SyncResult is the outcome of one cycle. Pull and push run independently:
// PullCode and PushCode report each direction (empty when the mode skipped
// it), Code is the first failing one, and Err aggregates every failure.
type SyncResult struct {
	Code     ResultCode
	PullCode ResultCode
	PushCode ResultCode
	Reset    int
	Repaired int
	Exported int
	Pulled   int
	Uploaded int
	Failed   int
	Err      error
}

// SyncOptions tunes retries and timeouts.
type SyncOptions struct {
	// UploadRetries is how many extra uploads are attempted when the echoed
	// digest does not match.
	UploadRetries int

	// PageRetries bounds retries of a failed datapoint page.
	PageRetries      int
	RetryMinInterval time.Duration
	RetryMaxInterval time.Duration

	// TransferTimeout bounds a single file upload. Zero means no limit.
	TransferTimeout time.Duration
}

// DefaultSyncOptions returns the options used in production.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		UploadRetries:    2,
		PageRetries:      3,
		RetryMinInterval: time.Second,
		RetryMaxInterval: 30 * time.Second,
		TransferTimeout:  5 * time.Minute,
	}
}

// SyncDeps are the collaborators of a SyncOrchestrator.
type SyncDeps struct {
	Session  *Session
	Database Database
	API      RemoteAPI
	Vault    Vault
	Files    FileStore
	Network  NetworkMonitor
	Verifier Verifier
	Exporter *Exporter
	Pool     *Pool
	Logger   Logger
	Options  SyncOptions
}

// SyncOrchestrator runs sync cycles: pull assigned datapoints and push
// pending transmissions, subject to the network policy. One cycle runs at a time.
type SyncOrchestrator struct {
	SyncDeps
	retry backoff.Policy

	running sync.Mutex
	state   atomic.Value
}

func NewSyncOrchestrator(deps SyncDeps) *SyncOrchestrator {
	defaults := DefaultSyncOptions()
	if deps.Options.PageRetries < 1 {
		deps.Options.PageRetries = 1
	}
	if deps.Options.RetryMinInterval <= 0 {
		deps.Options.RetryMinInterval = defaults.RetryMinInterval
	}
	if deps.Options.RetryMaxInterval < deps.Options.RetryMinInterval {
		deps.Options.RetryMaxInterval = deps.Options.RetryMinInterval
	}
	o := &SyncOrchestrator{
		SyncDeps: deps,
		retry: backoff.Exponential(
			backoff.WithMinInterval(deps.Options.RetryMinInterval),
			backoff.WithMaxInterval(deps.Options.RetryMaxInterval),
			backoff.WithJitterFactor(0.05),
			backoff.WithMaxRetries(deps.Options.PageRetries),
		),
	}
	o.state.Store(StateIdle)
	return o
}

// State returns the step the orchestrator is in.
func (o *SyncOrchestrator) State() SyncState {
	return o.state.Load().(SyncState)
}

func (o *SyncOrchestrator) setState(s SyncState) {
	o.state.Store(s)
	o.Logger.Debug("sync state", "state", string(s))
}

// Sync runs one cycle. Failures on individual items leave them unchanged for
// the next cycle and are reported in the result.
func (o *SyncOrchestrator) Sync(ctx context.Context, mode SyncMode) SyncResult {
	if !o.Session.Active() {
		return SyncResult{Code: ResultCancelled, Err: ErrSessionClosed}
	}
	if !o.running.TryLock() {
		return SyncResult{Code: ResultInProgress, Err: ErrSyncInProgress}
	}
	defer o.running.Unlock()
	defer o.setState(StateIdle)

	o.setState(StateCheckPolicy)
	conn := o.Network.Connection()
	policy := o.Session.Policy()
	if err := policy.CheckControl(conn); err != nil {
		o.Logger.Info("sync skipped", "mode", mode.String(), "reason", err)
		return SyncResult{Code: ResultNoNetwork, Err: err}
	}
	bulkErr := policy.CheckBulk(conn)

	res := SyncResult{Code: ResultSuccess}
	var errs *multierror.Error
	if err := o.prepare(ctx, &res); err != nil {
		return o.finish(res, errs, err)
	}

	if mode.pulls() {
		o.setState(StatePull)
		if err := o.reconcile(ctx); err != nil {
			o.Logger.Warn("reconciling files with server", "error", err)
			errs = multierror.Append(errs, err)
		}
		n, err := o.pull(ctx, bulkErr)
		res.Pulled = n
		res.PullCode = ResultSuccess
		if err != nil {
			o.Logger.Warn("pull failed", "error", err)
			errs = multierror.Append(errs, err)
			res.PullCode = classify(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return o.finish(res, errs, err)
	}

	if mode.pushes() {
		err := bulkErr
		if err == nil {
			o.setState(StatePush)
			var failures error
			failures, err = o.push(ctx, &res)
			if failures != nil {
				errs = multierror.Append(errs, failures)
			}
		}
		res.PushCode = pushCode(res, err)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return o.finish(res, errs, err)
	}

	return o.finish(res, errs, nil)
}

func pushCode(res SyncResult, err error) ResultCode {
	switch {
	case err != nil:
		return classify(err)
	case res.Failed > 0 && res.Uploaded == 0:
		return ResultTransportError
	case res.Failed > 0:
		return ResultPartial
	default:
		return ResultSuccess
	}
}

// prepare heals local state before any transfer: interrupted uploads are
// reset, broken exports redone and submitted instances packaged.
func (o *SyncOrchestrator) prepare(ctx context.Context, res *SyncResult) error {
	n, err := o.Database.ResetInProgress()
	if err != nil {
		return fmt.Errorf("resetting interrupted transmissions: %w", err)
	}
	res.Reset = n

	if res.Repaired, err = o.Exporter.Repair(ctx); err != nil {
		return err
	}
	if res.Exported, err = o.Exporter.ExportSubmitted(ctx); err != nil {
		return err
	}
	return nil
}

// finish sets the overall code. A fatal error (failed preparation or
// cancellation) decides it; otherwise the first failing direction does.
func (o *SyncOrchestrator) finish(res SyncResult, errs *multierror.Error, fatal error) SyncResult {
	if fatal != nil {
		errs = multierror.Append(errs, fatal)
		res.Code = classify(fatal)
	} else {
		res.Code = ResultSuccess
		for _, c := range []ResultCode{res.PullCode, res.PushCode} {
			if c != "" && c != ResultSuccess {
				res.Code = c
				break
			}
		}
	}
	res.Err = errs.ErrorOrNil()
	o.Logger.Info("sync finished",
		"code", string(res.Code),
		"pull", string(res.PullCode),
		"push", string(res.PushCode),
		"pulled", res.Pulled,
		"exported", res.Exported,
		"repaired", res.Repaired,
		"uploaded", res.Uploaded,
		"failed", res.Failed,
	)
	return res
}

func classify(err error) ResultCode {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCancelled
	case errors.Is(err, ErrAssignmentMissing):
		return ResultAssignmentMissing
	case errors.Is(err, ErrMeteredNotAllowed):
		return ResultMeteredNotAllowed
	case errors.Is(err, ErrNoNetwork):
		return ResultNoNetwork
	default:
		return ResultTransportError
	}
}

// pull pages through the assigned datapoints unless bulk transfer is refused.
//
// The server returns datapoints modified at or after the marker, oldest
// first, and the marker only advances to the newest LastModified of a page.
// Items of the previous page are skipped, so the one on the marker is not
// counted twice. This relies on no single LastModified filling a whole page:
// such a page would be served again unchanged and the loop stops there.
func (o *SyncOrchestrator) pull(ctx context.Context, bulkErr error) (int, error) {
	if bulkErr != nil {
		return 0, bulkErr
	}

	groupID := o.Session.SurveyGroupID
	last, err := o.Database.SyncedTime(groupID)
	if err != nil {
		return 0, fmt.Errorf("reading sync time: %w", err)
	}

	total := 0
	previous := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := o.fetchPage(ctx, last)
		if err != nil {
			return total, err
		}

		var fresh []RemoteDataPoint
		next := last
		var maxModified int64
		for _, dp := range batch.DataPoints {
			if previous[dp.ID] {
				continue
			}
			fresh = append(fresh, dp)
			if dp.LastModified > maxModified {
				maxModified = dp.LastModified
			}
		}
		if len(fresh) == 0 {
			if len(batch.DataPoints) > 1 && samePageTimestamp(batch.DataPoints, last) {
				o.Logger.Warn("datapoint page shares one timestamp, later datapoints at it are not reachable",
					"survey_group", groupID, "last_updated", last, "page", len(batch.DataPoints))
			}
			break
		}
		if maxModified > 0 {
			next = strconv.FormatInt(maxModified, 10)
		}
		if err := o.Database.SaveRemoteDataPoints(groupID, fresh, next); err != nil {
			return total, fmt.Errorf("storing datapoints: %w", err)
		}
		total += len(fresh)
		last = next

		previous = make(map[string]bool, len(batch.DataPoints))
		for _, dp := range batch.DataPoints {
			previous[dp.ID] = true
		}
	}
	o.Logger.Info("datapoints pulled", "survey_group", groupID, "count", total)
	return total, nil
}

func samePageTimestamp(page []RemoteDataPoint, marker string) bool {
	for _, dp := range page {
		if strconv.FormatInt(dp.LastModified, 10) != marker {
			return false
		}
	}
	return true
}

// reconcile asks the server which files it is missing and which forms were
// deleted. It is a control call and runs on any connection. A failure is
// logged by the caller and does not stop the rest of the cycle.
func (o *SyncOrchestrator) reconcile(ctx context.Context) error {
	formIDs, err := o.Database.FormIDs(o.Session.SurveyGroupID)
	if err != nil {
		return fmt.Errorf("listing forms: %w", err)
	}
	if len(formIDs) == 0 {
		return nil
	}
	list, err := o.API.FilesLists(ctx, o.Session.DeviceID, formIDs)
	if err != nil {
		return err
	}
	if missing := list.Missing(); len(missing) > 0 {
		n, err := o.Database.MarkMissing(missing)
		if err != nil {
			return fmt.Errorf("marking missing files: %w", err)
		}
		o.Logger.Info("server missing files", "reported", len(missing), "marked", n)
	}
	if len(list.DeletedForms) > 0 {
		n, err := o.Database.MarkFormsDeleted(list.DeletedForms)
		if err != nil {
			return fmt.Errorf("marking deleted forms: %w", err)
		}
		o.Logger.Info("forms deleted on server", "forms", len(list.DeletedForms), "instances", n)
	}
	if list.NewFormsAvailable {
		o.Logger.Info("new forms available")
	}
	return nil
}

// fetchPage retries temporary failures with exponential backoff. A 403 means
// the device lost its assignment and is not retried.
func (o *SyncOrchestrator) fetchPage(ctx context.Context, last string) (*DataPointBatch, error) {
	var lastErr error
	b := o.retry.Start(ctx)
	for backoff.Continue(b) {
		batch, err := o.API.AssignedDataPoints(ctx, o.Session.DeviceID, o.Session.SurveyGroupID, last)
		if err == nil {
			return batch, nil
		}
		var te *TransportError
		if errors.As(err, &te) && te.Forbidden() {
			return nil, fmt.Errorf("%w: %v", ErrAssignmentMissing, err)
		}
		if !errors.As(err, &te) || !te.Temporary() {
			return nil, err
		}
		lastErr = err
		o.Logger.Warn("datapoint page failed", "last_updated", last, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, lastErr
}

// push uploads pending transmissions. Instances proceed concurrently on the
// pool; the files of one instance go one at a time. Per-file failures are
// returned as failures; err is set only when the push itself stopped.
func (o *SyncOrchestrator) push(ctx context.Context, res *SyncResult) (failures error, err error) {
	pending, err := o.Database.Pending()
	if err != nil {
		return nil, fmt.Errorf("listing pending transmissions: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var order []int64
	byInstance := make(map[int64][]*Transmission)
	for _, t := range pending {
		if _, ok := byInstance[t.InstanceID]; !ok {
			order = append(order, t.InstanceID)
		}
		byInstance[t.InstanceID] = append(byInstance[t.InstanceID], t)
	}

	var (
		mu       sync.Mutex
		merr     *multierror.Error
		uploaded atomic.Int64
		failed   atomic.Int64
	)
	record := func(err error) {
		failed.Add(1)
		mu.Lock()
		merr = multierror.Append(merr, err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		id, ts := id, byInstance[id]
		task, started := o.Pool.Submit(gctx, instanceKey(id), func(ctx context.Context) error {
			for _, t := range ts {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := o.upload(ctx, t); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					o.Logger.Warn("upload failed", "file", t.Filename, "error", err)
					record(err)
					continue
				}
				uploaded.Add(1)
			}
			return o.markSynced(id)
		})
		if !started {
			o.Logger.Debug("instance busy, upload deferred", "instance", id)
			continue
		}
		g.Go(func() error {
			if err := task.Wait(gctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				record(err)
			}
			return nil
		})
	}
	gerr := g.Wait()

	res.Uploaded = int(uploaded.Load())
	res.Failed = int(failed.Load())
	return merr.ErrorOrNil(), gerr
}

// upload transfers one file. The transmission is IN_PROGRESS while the
// transfer runs and returns to its prior status on any failure.
func (o *SyncOrchestrator) upload(ctx context.Context, t *Transmission) error {
	path := TransmissionPath(o.Files, t.Filename)
	_, exists, err := o.Files.Stat(path)
	if err != nil {
		return fmt.Errorf("checking %s: %w", t.Filename, err)
	}
	if !exists {
		return &ConsistencyError{InstanceID: t.InstanceID, Reason: "file missing: " + t.Filename}
	}

	prior := t.Status
	if err := o.Database.SetStatus(t.Filename, TransmissionInProgress); err != nil {
		return fmt.Errorf("starting upload of %s: %w", t.Filename, err)
	}
	if err := o.transfer(ctx, t, path, prior); err != nil {
		if rerr := o.Database.SetStatus(t.Filename, prior); rerr != nil {
			o.Logger.Error("restoring transmission status", "file", t.Filename, "error", rerr)
		}
		return err
	}
	if err := o.Database.SetStatus(t.Filename, TransmissionComplete); err != nil {
		return fmt.Errorf("completing upload of %s: %w", t.Filename, err)
	}
	o.Logger.Info("file uploaded", "file", t.Filename, "instance", t.InstanceID)
	return nil
}

func (o *SyncOrchestrator) transfer(ctx context.Context, t *Transmission, path string, prior TransmissionStatus) error {
	if o.Options.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Options.TransferTimeout)
		defer cancel()
	}

	digest, size, err := digestFile(o.Files, path)
	if err != nil {
		return err
	}

	var etag string
	verified := false
	for attempt := 0; attempt <= o.Options.UploadRetries; attempt++ {
		etag, err = o.putFile(ctx, t.Filename, path, size, digest)
		if err != nil {
			return err
		}
		if o.Verifier.Verify(path, etag) {
			verified = true
			break
		}
		o.Logger.Warn("uploaded digest mismatch", "file", t.Filename, "attempt", attempt+1, "etag", etag)
	}
	if !verified {
		return &IntegrityError{Filename: t.Filename, Expected: digest.Hex(), Actual: etag}
	}

	action := ""
	switch {
	case t.IsArchive():
		action = ActionSubmit
	case prior == TransmissionFailed:
		action = ActionImage
	}
	if action != "" {
		if err := o.API.NotifyFileAvailable(ctx, action, t.FormID, t.Filename, o.Session.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

func (o *SyncOrchestrator) putFile(ctx context.Context, name, path string, size int64, digest Digest) (string, error) {
	f, err := o.Files.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	etag, err := o.Vault.PutFile(ctx, RemoteDir(name), name, NewContextReader(ctx, f), size, digest.Base64(), ContentType(name))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var te *TransportError
		if errors.As(err, &te) {
			return "", err
		}
		return "", &TransportError{Op: "upload " + name, Err: err}
	}
	return etag, nil
}

// markSynced moves an instance to SYNCED once every one of its files is COMPLETE.
func (o *SyncOrchestrator) markSynced(instanceID int64) error {
	ts, err := o.Database.TransmissionsForInstance(instanceID)
	if err != nil {
		return fmt.Errorf("listing transmissions of instance %d: %w", instanceID, err)
	}
	if len(ts) == 0 {
		return nil
	}
	for _, t := range ts {
		if t.Status != TransmissionComplete {
			return nil
		}
	}
	if err := o.Database.SetInstanceStatus(instanceID, StatusSynced); err != nil {
		return fmt.Errorf("marking instance %d synced: %w", instanceID, err)
	}
	o.Logger.Info("instance synced", "instance", instanceID)
	return nil
}

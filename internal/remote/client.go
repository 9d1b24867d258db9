package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flowsync/internal/flow"
)

// Server paths.
const (
	pathDataPoints   = "/surveyedlocale"
	pathFilesList    = "/devicenotification"
	pathNotify       = "/processor"
	pathSurveyHeader = "/surveymanager"
	pathApkVersion   = "/deviceapprest"
)

// Client talks to the Flow server over HTTP. Responses are JSON except for
// form definitions, which are XML.
type Client struct {
	Base   string
	APIKey string
	HTTP   *http.Client
	Clock  flow.Clock
}

// NewClient creates a client for base. A zero timeout leaves requests bounded
// only by their context.
func NewClient(base, apiKey string, timeout time.Duration) *Client {
	return &Client{
		Base:   strings.TrimRight(base, "/"),
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: timeout},
		Clock:  flow.RealClock{},
	}
}

func (c *Client) AssignedDataPoints(ctx context.Context, deviceID string, surveyID int64, lastUpdated string) (*flow.DataPointBatch, error) {
	if lastUpdated == "" {
		lastUpdated = "0"
	}
	q := url.Values{}
	q.Set("androidId", deviceID)
	q.Set("lastUpdateTime", lastUpdated)
	q.Set("surveyGroupId", strconv.FormatInt(surveyID, 10))
	signed := Sign(q, c.APIKey, c.Clock.Now())

	var out flow.DataPointBatch
	if err := c.getJSON(ctx, "datapoints", pathDataPoints+"?"+signed, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FilesLists(ctx context.Context, deviceID string, formIDs []string) (*flow.FilesList, error) {
	q := url.Values{}
	q.Set("deviceId", deviceID)
	for _, id := range formIDs {
		q.Add("formId", id)
	}
	var out flow.FilesList
	if err := c.getJSON(ctx, "files list", pathFilesList+"?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NotifyFileAvailable(ctx context.Context, action, formID, filename, deviceID string) error {
	q := url.Values{}
	q.Set("action", action)
	q.Set("formID", formID)
	q.Set("fileName", filename)
	q.Set("devId", deviceID)
	resp, err := c.do(ctx, "notify "+action, http.MethodGet, pathNotify+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// The status already confirms the notification; the body is drained
	// only so the connection can be reused, and a broken body is ignored.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) DownloadFormHeader(ctx context.Context, formID, deviceID string) ([]byte, error) {
	q := url.Values{}
	q.Set("action", "getSurveyHeader")
	q.Set("surveyId", formID)
	q.Set("androidId", deviceID)
	resp, err := c.do(ctx, "form "+formID, http.MethodGet, pathSurveyHeader+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportErr(ctx, "form "+formID, 0, err)
	}
	return data, nil
}

func (c *Client) LoadApkData(ctx context.Context, buildVersion string) (*flow.ApkData, error) {
	q := url.Values{}
	q.Set("action", "getLatestVersion")
	q.Set("deviceType", "androidPhone")
	q.Set("appCode", "fieldSurvey")
	q.Set("ver", buildVersion)
	var out flow.ApkData
	if err := c.getJSON(ctx, "apk version", pathApkVersion+"?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download streams target into w in chunks. Relative targets resolve against
// the server base.
func (c *Client) Download(ctx context.Context, target string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(target), nil)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", target, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, c.transportErr(ctx, "download", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, c.transportErr(ctx, "download", resp.StatusCode, errors.New(resp.Status))
	}
	n, err := flow.CopyChunked(ctx, w, resp.Body)
	if err != nil {
		return n, c.transportErr(ctx, "download", 0, err)
	}
	return n, nil
}

func (c *Client) resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return c.Base + "/" + strings.TrimLeft(target, "/")
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.transportErr(ctx, op, 0, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// do sends the request and turns non-2xx answers into TransportErrors. The
// caller closes the body of a successful response.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, c.transportErr(ctx, op, 0, err)
	}
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, c.transportErr(ctx, op, resp.StatusCode, errors.New(resp.Status))
	}
	return resp, nil
}

// transportErr reports cancellation as the context's own error so callers
// don't retry it.
func (c *Client) transportErr(ctx context.Context, op string, status int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && status == 0 {
		return ctxErr
	}
	return &flow.TransportError{Op: op, StatusCode: status, Err: err}
}

var _ flow.RemoteAPI = (*Client)(nil)

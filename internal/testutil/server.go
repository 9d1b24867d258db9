package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flowsync/internal/flow"
	"flowsync/internal/remote"
)

// Notification is one recorded call to the processor endpoint.
type Notification struct {
	Action   string
	FormID   string
	Filename string
	DeviceID string
}

// FakeFlowServer is an in-process Flow server. Set fields before the first
// request; use the setters once requests are in flight.
type FakeFlowServer struct {
	*httptest.Server

	mu sync.Mutex
	// APIKey, when set, rejects datapoint requests with a bad signature.
	APIKey string
	// PageSize bounds the datapoints returned per request. 0 means all.
	PageSize   int
	DataPoints []flow.RemoteDataPoint
	// Forbidden answers datapoint requests with 403.
	Forbidden bool
	// FailTimes answers the next n requests with 500.
	FailTimes      int
	MissingFiles   []string
	MissingUnknown []string
	DeletedForms   []string
	Forms          map[string][]byte
	Apk            *flow.ApkData
	Files          map[string][]byte
	// StallFilesAfter, when positive, makes file downloads send that many
	// bytes and then hang until the client gives up.
	StallFilesAfter int

	notifications []Notification
	requests      map[string]int
}

// NewFakeFlowServer starts a server that is closed when the test completes.
func NewFakeFlowServer(t *testing.T) *FakeFlowServer {
	t.Helper()

	s := &FakeFlowServer{
		Forms:    map[string][]byte{},
		Files:    map[string][]byte{},
		requests: map[string]int{},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countAndFail)
	r.Get("/surveyedlocale", s.handleDataPoints)
	r.Get("/devicenotification", s.handleFilesList)
	r.Get("/processor", s.handleNotify)
	r.Get("/surveymanager", s.handleSurveyHeader)
	r.Get("/deviceapprest", s.handleApk)
	r.Get("/files/{name}", s.handleFile)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Client returns a remote client pointed at the server.
func (s *FakeFlowServer) Client() *remote.Client {
	c := remote.NewClient(s.URL, s.APIKey, 0)
	c.Clock = FixedClock()
	return c
}

// Requests returns how many requests hit path.
func (s *FakeFlowServer) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// Notifications returns the recorded processor calls.
func (s *FakeFlowServer) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// Update runs fn with the server locked, for changing fields while the
// server is live.
func (s *FakeFlowServer) Update(fn func(s *FakeFlowServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *FakeFlowServer) SetForbidden(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Forbidden = v
}

func (s *FakeFlowServer) SetMissing(files ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MissingFiles = files
}

func (s *FakeFlowServer) countAndFail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		fail := s.FailTimes > 0
		if fail {
			s.FailTimes--
		}
		s.mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleDataPoints returns datapoints modified at or after lastUpdateTime,
// oldest first, as the real server does.
func (s *FakeFlowServer) handleDataPoints(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Forbidden {
		http.Error(w, "not assigned", http.StatusForbidden)
		return
	}
	if s.APIKey != "" && !remote.Verify(r.URL.RawQuery, s.APIKey) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("lastUpdateTime"), 10, 64)
	group, _ := strconv.ParseInt(r.URL.Query().Get("surveyGroupId"), 10, 64)

	var out []flow.RemoteDataPoint
	for _, dp := range s.DataPoints {
		if dp.LastModified < since {
			continue
		}
		if group != 0 && dp.SurveyGroupID != 0 && dp.SurveyGroupID != group {
			continue
		}
		out = append(out, dp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastModified < out[j].LastModified })
	if s.PageSize > 0 && len(out) > s.PageSize {
		out = out[:s.PageSize]
	}
	writeJSON(w, flow.DataPointBatch{DataPoints: out})
}

func (s *FakeFlowServer) handleFilesList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, flow.FilesList{
		MissingFiles:   s.MissingFiles,
		MissingUnknown: s.MissingUnknown,
		DeletedForms:   s.DeletedForms,
	})
}

func (s *FakeFlowServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.notifications = append(s.notifications, Notification{
		Action:   q.Get("action"),
		FormID:   q.Get("formID"),
		Filename: q.Get("fileName"),
		DeviceID: q.Get("devId"),
	})
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *FakeFlowServer) handleSurveyHeader(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	def, ok := s.Forms[r.URL.Query().Get("surveyId")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write(def)
}

func (s *FakeFlowServer) handleApk(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	apk := s.Apk
	s.mu.Unlock()
	if apk == nil {
		writeJSON(w, flow.ApkData{})
		return
	}
	writeJSON(w, apk)
}

func (s *FakeFlowServer) handleFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.Files[chi.URLParam(r, "name")]
	stall := s.StallFilesAfter
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if stall > 0 && stall < len(data) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data[:stall])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
		return
	}
	w.Write(data)
}

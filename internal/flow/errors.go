package flow

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrDependencyCycle is returned when a form's question dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrNoNetwork is returned when no connection is available.
	ErrNoNetwork = errors.New("no network connection")

	// ErrMeteredNotAllowed is returned when bulk transfer is attempted over a
	// metered connection without the user's opt-in.
	ErrMeteredNotAllowed = errors.New("sync not allowed over metered network")

	// ErrAssignmentMissing is returned when the server refuses the device's
	// datapoint assignment (HTTP 403).
	ErrAssignmentMissing = errors.New("assignment missing")

	// ErrSessionClosed is returned by operations attempted after logout.
	ErrSessionClosed = errors.New("session closed")

	// ErrSyncInProgress is returned when a sync cycle is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrFilenameTaken is returned when a file is registered for an instance
	// while another instance already owns that name. Remote object names are
	// flat, so a second owner would overwrite the first upload.
	ErrFilenameTaken = errors.New("filename registered to another instance")
)

// IntegrityError reports a digest mismatch on a transferred artifact.
// It is a transport failure: the transfer is retried, never accepted.
type IntegrityError struct {
	Filename string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s", e.Filename, e.Expected, e.Actual)
}

// PolicyError reports a transfer refused by the network policy.
type PolicyError struct {
	Connection ConnectionType
	Err        error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy refused transfer over %s: %v", e.Connection, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// TransportError wraps a failed remote call. StatusCode is 0 when no HTTP
// response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Forbidden reports whether the server answered 403.
func (e *TransportError) Forbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// Temporary reports whether retrying the call may succeed.
func (e *TransportError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ConsistencyError reports local state that disagrees with itself, such as an
// exported instance whose archive is gone. The self-healing scan repairs it.
type ConsistencyError struct {
	InstanceID int64
	Reason     string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("instance %d inconsistent: %s", e.InstanceID, e.Reason)
}

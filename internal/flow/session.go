package flow

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Session carries who is capturing data on which device and for which survey.
// It is created at login and closed at logout; components that need the
// current user or survey take it explicitly.
type Session struct {
	User          User
	DeviceID      string
	SurveyGroupID int64
	AllowMetered  bool
	StartedAt     time.Time

	closed atomic.Bool
}

// NewSession starts a session for user on deviceID.
func NewSession(user User, deviceID string, surveyGroupID int64, allowMetered bool, now time.Time) (*Session, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if strings.TrimSpace(user.Name) == "" {
		return nil, fmt.Errorf("user name is required")
	}
	return &Session{
		User:          user,
		DeviceID:      deviceID,
		SurveyGroupID: surveyGroupID,
		AllowMetered:  allowMetered,
		StartedAt:     now,
	}, nil
}

// Close ends the session. Subsequent sync attempts fail with ErrSessionClosed.
func (s *Session) Close() {
	s.closed.Store(true)
}

// Active reports whether the session has not been closed.
func (s *Session) Active() bool {
	return !s.closed.Load()
}

// Policy returns the network policy for this session's preferences.
func (s *Session) Policy() Policy {
	return Policy{AllowMetered: s.AllowMetered}
}

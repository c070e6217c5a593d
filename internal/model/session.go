package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a session status change would leave a terminal state
// or skip the in-progress state.
var ErrInvalidTransition = errors.New("invalid session status transition")

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusInProgress, SessionStatusCompleted, SessionStatusAbandoned:
		return true
	}
	return false
}

// Session represents one student's attempt at one test.
type Session struct {
	ID          string        `json:"id"`
	TestID      string        `json:"test_id"`
	UserID      string        `json:"user_id"`
	GradeID     string        `json:"grade_id,omitempty"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"-"`
	CurrentPage int           `json:"current_page"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`

	// TimeRemaining is computed at read time and never stored.
	TimeRemaining *time.Duration `json:"-"`
}

type sessionJSON struct {
	sessionAlias
	DurationSeconds      int64  `json:"duration_seconds"`
	TimeRemainingSeconds *int64 `json:"time_remaining_seconds,omitempty"`
}

type sessionAlias Session

// MarshalJSON renders durations as whole seconds.
func (s Session) MarshalJSON() ([]byte, error) {
	out := sessionJSON{
		sessionAlias:    sessionAlias(s),
		DurationSeconds: int64(s.Duration / time.Second),
	}
	if s.TimeRemaining != nil {
		secs := int64(*s.TimeRemaining / time.Second)
		out.TimeRemainingSeconds = &secs
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (s *Session) UnmarshalJSON(data []byte) error {
	var in sessionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Session(in.sessionAlias)
	s.Duration = time.Duration(in.DurationSeconds) * time.Second
	if in.TimeRemainingSeconds != nil {
		d := time.Duration(*in.TimeRemainingSeconds) * time.Second
		s.TimeRemaining = &d
	}
	return nil
}

// CanTransition reports whether a session may move from one status to another.
// Only in_progress -> completed and in_progress -> abandoned are allowed.
func CanTransition(from, to SessionStatus) bool {
	return from == SessionStatusInProgress && to.Terminal()
}

// Transition moves the session to status to, stamping FinishedAt.
func (s *Session) Transition(to SessionStatus, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.FinishedAt = &at
	return nil
}

// Remaining returns the time left at now. A zero Duration means the test is untimed
// and ok is false.
func (s *Session) Remaining(now time.Time) (remaining time.Duration, ok bool) {
	if s.Duration <= 0 {
		return 0, false
	}
	remaining = s.StartedAt.Add(s.Duration).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Expired reports whether a timed session has run out of time at now.
func (s *Session) Expired(now time.Time) bool {
	remaining, ok := s.Remaining(now)
	return ok && remaining == 0
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	if s.TimeRemaining != nil {
		d := *s.TimeRemaining
		c.TimeRemaining = &d
	}
	return &c
}

// StartSessionRequest is the payload for a student starting a test.
type StartSessionRequest struct {
	GradeID string `json:"grade_id" binding:"omitempty,max=64"`
}

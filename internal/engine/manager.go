package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
)

// AccessChecker is the external payment/access precondition for starting a test.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, testID string) (bool, error)
}

// SessionStore persists sessions. Get returns ErrSessionNotFound for unknown ids.
// UpdateStatus only applies when the stored status is from, and is a no-op when it
// already is to.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) error
	UpdateCurrentPage(ctx context.Context, id string, page int) error
}

// Resetter is anything whose state belongs to a single session.
type Resetter interface {
	Reset()
}

// StartRequest describes the attempt to begin.
type StartRequest struct {
	TestID   string
	UserID   string
	GradeID  string
	Duration time.Duration
}

// SessionManager owns the session lifecycle: in_progress -> completed | abandoned.
type SessionManager struct {
	store  SessionStore
	access AccessChecker
	now    func() time.Time
	log    zerolog.Logger

	mu        sync.Mutex
	active    *model.Session
	last      *model.Session
	resetters []Resetter
}

// NewSessionManager creates a SessionManager. A nil access checker grants every start.
func NewSessionManager(store SessionStore, access AccessChecker, now func() time.Time, log zerolog.Logger) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		store:  store,
		access: access,
		now:    now,
		log:    log.With().Str("component", "session_manager").Logger(),
	}
}

// Register adds r to the components cleared by Reset.
func (m *SessionManager) Register(r ...Resetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetters = append(m.resetters, r...)
}

// Start checks the access precondition and creates a new in-progress session.
// Starting the same test again while its session is active returns that session.
func (m *SessionManager) Start(ctx context.Context, req StartRequest) (*model.Session, error) {
	if req.TestID == "" {
		return nil, &ValidationError{Field: "test_id", Reason: "required"}
	}
	if req.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if m.active.TestID == req.TestID && m.active.UserID == req.UserID {
			return m.viewLocked(), nil
		}
		return nil, ErrSessionActive
	}

	if m.access != nil {
		ok, err := m.access.HasAccess(ctx, req.UserID, req.TestID)
		if err != nil {
			return nil, transient("check access", err)
		}
		if !ok {
			return nil, ErrAccessDenied
		}
	}

	s := &model.Session{
		ID:          uuid.NewString(),
		TestID:      req.TestID,
		UserID:      req.UserID,
		GradeID:     req.GradeID,
		Status:      model.SessionStatusInProgress,
		StartedAt:   m.now().UTC(),
		Duration:    req.Duration,
		CurrentPage: 1,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, transient("create session", err)
	}
	m.active = s

	m.log.Info().
		Str("session_id", s.ID).
		Str("test_id", s.TestID).
		Str("user_id", s.UserID).
		Msg("Session started")

	return m.viewLocked(), nil
}

// Resume returns the stored session if it is still in progress. A session whose
// time ran out is abandoned and reported as not found.
func (m *SessionManager) Resume(ctx context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.ID != sessionID {
		return nil, ErrSessionActive
	}

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, transient("load session", err)
	}
	if s.Status != model.SessionStatusInProgress {
		return nil, ErrSessionNotFound
	}

	now := m.now()
	if s.Expired(now) {
		if err := m.store.UpdateStatus(ctx, s.ID, model.SessionStatusInProgress, model.SessionStatusAbandoned, now); err != nil {
			return nil, transient("expire session", err)
		}
		m.log.Info().Str("session_id", s.ID).Msg("Session expired on resume")
		return nil, ErrSessionNotFound
	}

	m.active = s
	return m.viewLocked(), nil
}

// Complete marks the active session completed.
func (m *SessionManager) Complete(ctx context.Context) (*model.Session, error) {
	return m.transition(ctx, model.SessionStatusCompleted)
}

// Abandon marks the active session abandoned.
func (m *SessionManager) Abandon(ctx context.Context) (*model.Session, error) {
	return m.transition(ctx, model.SessionStatusAbandoned)
}

func (m *SessionManager) transition(ctx context.Context, to model.SessionStatus) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveSession
	}

	next := m.active.Clone()
	now := m.now().UTC()
	if err := next.Transition(to, now); err != nil {
		return nil, err
	}
	if err := m.store.UpdateStatus(ctx, next.ID, model.SessionStatusInProgress, to, now); err != nil {
		return nil, transient("update session status", err)
	}
	m.active = next

	m.log.Info().
		Str("session_id", next.ID).
		Str("status", string(to)).
		Msg("Session closed")

	return next.Clone(), nil
}

// completeLocal marks the active session completed without touching the store.
func (m *SessionManager) completeLocal(at time.Time) *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	next := m.active.Clone()
	if err := next.Transition(model.SessionStatusCompleted, at); err != nil {
		return m.active.Clone()
	}
	m.active = next
	return next.Clone()
}

// SetCurrentPage records the page the student is on.
func (m *SessionManager) SetCurrentPage(ctx context.Context, page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNoActiveSession
	}
	if m.active.CurrentPage == page {
		return nil
	}
	if err := m.store.UpdateCurrentPage(ctx, m.active.ID, page); err != nil {
		return transient("update current page", err)
	}
	m.active.CurrentPage = page
	return nil
}

// Active returns a copy of the active session with its remaining time filled in.
func (m *SessionManager) Active() (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	return m.viewLocked(), true
}

// Last returns the session closed by the most recent Reset, if any.
func (m *SessionManager) Last() (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Clone(), m.last != nil
}

// Reset clears the active session and every registered component.
func (m *SessionManager) Reset() {
	m.mu.Lock()
	if m.active != nil {
		m.last = m.active
	}
	m.active = nil
	resetters := make([]Resetter, len(m.resetters))
	copy(resetters, m.resetters)
	m.mu.Unlock()

	for _, r := range resetters {
		r.Reset()
	}
}

func (m *SessionManager) viewLocked() *model.Session {
	s := m.active.Clone()
	if s.Status == model.SessionStatusInProgress {
		if remaining, ok := s.Remaining(m.now()); ok {
			s.TimeRemaining = &remaining
		}
	}
	return s
}

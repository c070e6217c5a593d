package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"golang.org/x/sync/singleflight"
)

// expiredBatch caps how many stored sessions one sweep closes.
const expiredBatch = 200

// SessionLookup is the session store as seen by the registry.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	FindActive(ctx context.Context, testID, userID string) (*model.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) error
}

// AnswerClearer drops the autosave copy of a session's answers.
type AnswerClearer interface {
	Clear(ctx context.Context, sessionID string) error
}

// ExpiredLister lists stored sessions whose time ran out.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
}

// SessionService keeps one engine per live session.
type SessionService struct {
	newEngine func() *engine.Engine
	sessions  SessionLookup
	answers   AnswerClearer
	expired   ExpiredLister
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	engines map[string]*engine.Engine
	group   singleflight.Group
}

// NewSessionService creates a new SessionService. answers and expired are optional.
func NewSessionService(newEngine func() *engine.Engine, sessions SessionLookup, answers AnswerClearer, expired ExpiredLister, log zerolog.Logger) *SessionService {
	return &SessionService{
		newEngine: newEngine,
		sessions:  sessions,
		answers:   answers,
		expired:   expired,
		now:       time.Now,
		log:       log.With().Str("component", "session_service").Logger(),
		engines:   make(map[string]*engine.Engine),
	}
}

// Start begins a test for a student. A session already in progress for the same
// test is resumed instead.
func (s *SessionService) Start(ctx context.Context, testID, userID, gradeID string) (*engine.Engine, error) {
	e, err := s.resumeActive(ctx, testID, userID)
	if e != nil || err != nil {
		return e, err
	}

	e = s.newEngine()
	sess, err := e.Start(ctx, testID, userID, gradeID)
	if sess == nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			// Lost a race with a concurrent start.
			if e, err := s.resumeActive(ctx, testID, userID); e != nil || err != nil {
				return e, err
			}
		}
		return nil, err
	}
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Session started without its first page")
	}

	s.put(sess.ID, e)
	return e, nil
}

func (s *SessionService) resumeActive(ctx context.Context, testID, userID string) (*engine.Engine, error) {
	existing, err := s.sessions.FindActive(ctx, testID, userID)
	if errors.Is(err, engine.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &engine.TransientError{Op: "find active session", Err: err}
	}

	e, err := s.Get(ctx, existing.ID, userID)
	if errors.Is(err, engine.ErrSessionNotFound) {
		// Ran out of time on resume; a fresh attempt may start.
		return nil, nil
	}
	return e, err
}

// Get returns the engine of a live session owned by userID, rehydrating it from
// storage when this process has not seen the session yet. A held engine is only
// returned while storage still has its session in progress; another instance
// may have closed it.
func (s *SessionService) Get(ctx context.Context, sessionID, userID string) (*engine.Engine, error) {
	if e, ok := s.lookup(sessionID); ok {
		sess, active := e.Session()
		if !active {
			s.drop(sessionID)
			return nil, engine.ErrSessionNotFound
		}
		if sess.UserID != userID {
			return nil, engine.ErrSessionNotFound
		}
		// A running submit refuses writes on its own and owns the status change.
		if e.Submitting() {
			return e, nil
		}
		if err := s.checkStored(ctx, sessionID, e); err != nil {
			return nil, err
		}
		return e, nil
	}

	stored, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if stored.UserID != userID || stored.Status != model.SessionStatusInProgress {
		return nil, engine.ErrSessionNotFound
	}

	v, err, _ := s.group.Do(sessionID, func() (any, error) {
		if e, ok := s.lookup(sessionID); ok {
			return e, nil
		}
		e := s.newEngine()
		sess, err := e.Resume(ctx, sessionID)
		if sess == nil {
			return nil, err
		}
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Session resumed without its page")
		}
		s.put(sessionID, e)
		s.log.Info().Str("session_id", sessionID).Msg("Session rehydrated")
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*engine.Engine), nil
}

// Submit posts the session's answers. The engine is released on success.
func (s *SessionService) Submit(ctx context.Context, sessionID, userID string) (*model.SubmissionResult, error) {
	e, err := s.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	res, err := e.Submit(ctx)
	if errors.Is(err, engine.ErrAlreadySubmitted) || errors.Is(err, engine.ErrSessionNotFound) {
		// Storage closed the session behind this engine.
		s.discard(sessionID, e)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.release(ctx, sessionID)
	return res, nil
}

// Abandon closes the session without submitting.
func (s *SessionService) Abandon(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	e, err := s.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	closed, err := e.Abandon(ctx)
	if err != nil {
		return nil, err
	}
	s.release(ctx, sessionID)
	return closed, nil
}

// ExpireStale abandons every session whose time ran out, both those held in
// memory and those only in storage. It returns how many were closed.
func (s *SessionService) ExpireStale(ctx context.Context) int {
	s.mu.Lock()
	live := make(map[string]*engine.Engine, len(s.engines))
	for id, e := range s.engines {
		live[id] = e
	}
	s.mu.Unlock()

	closed := 0
	for id, e := range live {
		if _, active := e.Session(); !active {
			s.drop(id)
			continue
		}
		if !e.Expired() {
			continue
		}
		if err := s.checkStored(ctx, id, e); err != nil {
			continue
		}
		if _, err := e.Abandon(ctx); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("Failed to abandon expired session")
			continue
		}
		s.release(ctx, id)
		closed++
	}

	if s.expired == nil {
		return closed
	}
	now := s.now()
	stale, err := s.expired.ListExpired(ctx, now, expiredBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list expired sessions")
		return closed
	}
	for _, sess := range stale {
		if _, ok := live[sess.ID]; ok {
			continue
		}
		if err := s.sessions.UpdateStatus(ctx, sess.ID, model.SessionStatusInProgress, model.SessionStatusAbandoned, now); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to abandon expired session")
			continue
		}
		s.release(ctx, sess.ID)
		closed++
	}
	return closed
}

// Len returns the number of engines held in memory.
func (s *SessionService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

func (s *SessionService) lookup(id string) (*engine.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[id]
	return e, ok
}

func (s *SessionService) put(id string, e *engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[id] = e
}

func (s *SessionService) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, id)
}

// checkStored discards e when storage no longer has its session in progress.
func (s *SessionService) checkStored(ctx context.Context, id string, e *engine.Engine) error {
	stored, err := s.sessions.Get(ctx, id)
	if err != nil && !errors.Is(err, engine.ErrSessionNotFound) {
		return &engine.TransientError{Op: "load session", Err: err}
	}
	if err == nil && stored.Status == model.SessionStatusInProgress {
		return nil
	}
	s.discard(id, e)
	return engine.ErrSessionNotFound
}

// discard forgets e without clearing the autosave copy; whoever closed the
// session owns that.
func (s *SessionService) discard(id string, e *engine.Engine) {
	s.mu.Lock()
	if s.engines[id] == e {
		delete(s.engines, id)
	}
	s.mu.Unlock()
	e.Discard()
	s.log.Info().Str("session_id", id).Msg("Dropped engine of a session closed elsewhere")
}

func (s *SessionService) release(ctx context.Context, id string) {
	s.drop(id)
	if s.answers == nil {
		return
	}
	if err := s.answers.Clear(ctx, id); err != nil {
		s.log.Warn().Err(fmt.Errorf("clear autosave: %w", err)).Str("session_id", id).Msg("Failed to clear saved answers")
	}
}

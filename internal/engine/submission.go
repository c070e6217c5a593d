package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
)

// Submitter posts a finished session's answers as a single unit.
type Submitter interface {
	Submit(ctx context.Context, sub model.Submission) error
}

// SubmissionCoordinator turns the answer cache into the final submission.
// At most one submission runs at a time.
type SubmissionCoordinator struct {
	answers   *AnswerCache
	sessions  *SessionManager
	submitter Submitter
	now       func() time.Time
	log       zerolog.Logger

	// gate orders answer writes against the start of a submission: a write that
	// got in before Submit is part of the payload, later ones are refused.
	gate     sync.RWMutex
	inFlight atomic.Bool
}

// NewSubmissionCoordinator creates a SubmissionCoordinator.
func NewSubmissionCoordinator(answers *AnswerCache, sessions *SessionManager, submitter Submitter, now func() time.Time, log zerolog.Logger) *SubmissionCoordinator {
	if now == nil {
		now = time.Now
	}
	return &SubmissionCoordinator{
		answers:   answers,
		sessions:  sessions,
		submitter: submitter,
		now:       now,
		log:       log.With().Str("component", "submission").Logger(),
	}
}

// InFlight reports whether a submission is currently running.
func (c *SubmissionCoordinator) InFlight() bool {
	return c.inFlight.Load()
}

// whileIdle runs fn unless a submission is running. No submission starts until
// fn returns.
func (c *SubmissionCoordinator) whileIdle(fn func() error) error {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.inFlight.Load() {
		return ErrSubmitInFlight
	}
	return fn()
}

// Submit posts every cached answer in insertion order. On success the session is
// completed and all session state is reset; on failure nothing changes.
func (c *SubmissionCoordinator) Submit(ctx context.Context, testID, userID string) (*model.SubmissionResult, error) {
	c.gate.Lock()
	started := c.inFlight.CompareAndSwap(false, true)
	c.gate.Unlock()
	if !started {
		return nil, ErrSubmitInFlight
	}
	defer c.inFlight.Store(false)

	sess, ok := c.sessions.Active()
	if !ok || sess.Status != model.SessionStatusInProgress || sess.TestID != testID || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}

	// Settle queued syncs so the payload matches what the remote side has seen.
	if err := c.answers.Wait(ctx); err != nil {
		return nil, transient("await answer sync", err)
	}

	sub := model.Submission{
		SessionID:   sess.ID,
		TestID:      sess.TestID,
		UserID:      sess.UserID,
		Answers:     c.answers.Answers(),
		SubmittedAt: c.now().UTC(),
	}
	if err := c.submitter.Submit(ctx, sub); err != nil {
		c.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Submission failed")
		if errors.Is(err, ErrAlreadySubmitted) || errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, transient("submit answers", err)
	}

	closed, err := c.sessions.Complete(ctx)
	if err != nil {
		// The submission is already committed remotely; finish locally regardless.
		c.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to record completion")
		closed = c.sessions.completeLocal(sub.SubmittedAt)
	}
	c.sessions.Reset()

	c.log.Info().
		Str("session_id", sess.ID).
		Int("answered", len(sub.Answers)).
		Msg("Session submitted")

	return &model.SubmissionResult{
		SessionID:   sess.ID,
		TestID:      sess.TestID,
		UserID:      sess.UserID,
		Answered:    len(sub.Answers),
		SubmittedAt: sub.SubmittedAt,
		Session:     closed,
	}, nil
}

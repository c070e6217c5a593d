package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
)

// AnswerLoader returns the answers already stored for a session.
type AnswerLoader interface {
	LoadAnswers(ctx context.Context, sessionID string) ([]model.Answer, error)
}

// Dependencies are the collaborators of one engine. Sync, Access and Loader are
// optional.
type Dependencies struct {
	Questions QuestionSource
	Sessions  SessionStore
	Submitter Submitter
	Access    AccessChecker
	Sync      AnswerSyncer
	Loader    AnswerLoader
}

// Options tune an engine.
type Options struct {
	PageSize    int
	MaxPageSize int
	// Duration is the time limit of new sessions. Zero means untimed.
	Duration time.Duration
	Now      func() time.Time
	Logger   zerolog.Logger
}

// View is everything a client needs to render the current state of an attempt.
type View struct {
	Session    *model.Session         `json:"session"`
	Page       *model.QuestionPage    `json:"page,omitempty"`
	Answers    map[string]string      `json:"answers"`
	Progress   model.ProgressSnapshot `json:"progress"`
	Submitting bool                   `json:"submitting"`
}

// Engine drives a single test attempt.
type Engine struct {
	sessions   *SessionManager
	pager      *QuestionPager
	answers    *AnswerCache
	progress   *ProgressTracker
	submission *SubmissionCoordinator

	loader   AnswerLoader
	duration time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu        sync.Mutex
	listeners map[uint64]func(model.ProgressSnapshot)
	nextID    uint64
}

// New wires an engine from its dependencies.
func New(deps Dependencies, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger

	sessions := NewSessionManager(deps.Sessions, deps.Access, opts.Now, log)
	pager := NewQuestionPager(deps.Questions, opts.PageSize, opts.MaxPageSize, log)
	answers := NewAnswerCache(deps.Sync, log)

	e := &Engine{
		sessions:   sessions,
		pager:      pager,
		answers:    answers,
		progress:   NewProgressTracker(answers, pager),
		submission: NewSubmissionCoordinator(answers, sessions, deps.Submitter, opts.Now, log),
		loader:     deps.Loader,
		duration:   opts.Duration,
		now:        opts.Now,
		log:        log.With().Str("component", "engine").Logger(),
		listeners:  make(map[uint64]func(model.ProgressSnapshot)),
	}
	sessions.Register(answers, pager)
	answers.OnChange(e.publishProgress)
	return e
}

// OnProgress registers fn to receive a fresh snapshot whenever answers or the
// loaded page change. The returned func unregisters it.
func (e *Engine) OnProgress(fn func(model.ProgressSnapshot)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Start begins a new session and loads its first page. When the page fails to
// load the session is still returned together with the error; FetchPage retries.
func (e *Engine) Start(ctx context.Context, testID, userID, gradeID string) (*model.Session, error) {
	sess, err := e.sessions.Start(ctx, StartRequest{
		TestID:   testID,
		UserID:   userID,
		GradeID:  gradeID,
		Duration: e.duration,
	})
	if err != nil {
		return nil, err
	}
	e.bind(sess)

	if e.pager.Loaded() {
		return sess, nil
	}
	if _, err := e.loadPage(ctx, sess.CurrentPage, 0); err != nil {
		return sess, err
	}
	return sess, nil
}

// Resume reattaches to a stored in-progress session: it rescopes the pager,
// restores saved answers and reloads the page the student was on.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := e.sessions.Resume(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if e.pager.Loaded() {
		return sess, nil
	}
	e.bind(sess)

	if e.loader != nil && e.answers.Len() == 0 {
		saved, err := e.loader.LoadAnswers(ctx, sess.ID)
		if err != nil {
			// Resume is all or nothing; the next attempt starts clean.
			e.sessions.Reset()
			return nil, transient("load answers", err)
		}
		e.answers.Restore(saved)
	}

	if _, err := e.loadPage(ctx, sess.CurrentPage, 0); err != nil {
		return sess, err
	}
	return sess, nil
}

// FetchPage loads page with the given limit (0 keeps the current one).
func (e *Engine) FetchPage(ctx context.Context, page, limit int) (model.QuestionPage, error) {
	if err := e.requireActive(); err != nil {
		return model.QuestionPage{}, err
	}
	return e.loadPage(ctx, page, limit)
}

// Next moves forward one page; at the last page it is a no-op.
func (e *Engine) Next(ctx context.Context) (model.QuestionPage, error) {
	if err := e.requireActive(); err != nil {
		return model.QuestionPage{}, err
	}
	page, err := e.pager.Next(ctx)
	if err != nil {
		return model.QuestionPage{}, err
	}
	e.pageCommitted(ctx, page)
	return page, nil
}

// Previous moves back one page; at the first page it is a no-op.
func (e *Engine) Previous(ctx context.Context) (model.QuestionPage, error) {
	if err := e.requireActive(); err != nil {
		return model.QuestionPage{}, err
	}
	page, err := e.pager.Previous(ctx)
	if err != nil {
		return model.QuestionPage{}, err
	}
	e.pageCommitted(ctx, page)
	return page, nil
}

// SetAnswer validates the answer against the questions fetched so far and then
// writes it optimistically. The error covers validation only; the sync outcome
// arrives on the channel.
func (e *Engine) SetAnswer(ctx context.Context, questionID, optionID string) (<-chan Result, error) {
	var out <-chan Result
	err := e.submission.whileIdle(func() error {
		if err := e.validateAnswer(questionID, optionID); err != nil {
			return err
		}
		out = e.answers.SetAnswer(ctx, questionID, optionID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetAnswerAndWait is SetAnswer followed by waiting for the sync outcome.
func (e *Engine) SetAnswerAndWait(ctx context.Context, questionID, optionID string) (Result, error) {
	ch, err := e.SetAnswer(ctx, questionID, optionID)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Answer returns the option currently held for questionID.
func (e *Engine) Answer(questionID string) (string, bool) {
	return e.answers.Get(questionID)
}

// Progress returns the current progress snapshot.
func (e *Engine) Progress() model.ProgressSnapshot {
	return e.progress.Snapshot()
}

// Session returns the active session.
func (e *Engine) Session() (*model.Session, bool) {
	return e.sessions.Active()
}

// View returns the full state of the attempt.
func (e *Engine) View() (View, error) {
	sess, ok := e.sessions.Active()
	if !ok {
		return View{}, ErrNoActiveSession
	}
	v := View{
		Session:    sess,
		Answers:    e.answers.Map(),
		Progress:   e.progress.Snapshot(),
		Submitting: e.submission.InFlight(),
	}
	if page, ok := e.pager.Current(); ok {
		v.Page = &page
	}
	return v, nil
}

// Submit posts all answers and closes the session.
func (e *Engine) Submit(ctx context.Context) (*model.SubmissionResult, error) {
	sess, ok := e.sessions.Active()
	if !ok {
		return nil, ErrNoActiveSession
	}
	return e.submission.Submit(ctx, sess.TestID, sess.UserID)
}

// Abandon closes the session without submitting and clears all session state.
func (e *Engine) Abandon(ctx context.Context) (*model.Session, error) {
	var closed *model.Session
	err := e.submission.whileIdle(func() error {
		var err error
		closed, err = e.sessions.Abandon(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.sessions.Reset()
	return closed, nil
}

// Discard drops all session state without touching storage. Held references
// fail with ErrNoActiveSession afterwards.
func (e *Engine) Discard() {
	e.sessions.Reset()
}

// Submitting reports whether a submission is running.
func (e *Engine) Submitting() bool {
	return e.submission.InFlight()
}

// Expired reports whether the active session has run out of time.
func (e *Engine) Expired() bool {
	sess, ok := e.sessions.Active()
	return ok && sess.Expired(e.now())
}

// Closed returns the session closed by the last submit or abandon.
func (e *Engine) Closed() (*model.Session, bool) {
	return e.sessions.Last()
}

func (e *Engine) bind(sess *model.Session) {
	e.pager.SetScope(sess.TestID, sess.GradeID, sess.ID)
	e.answers.Bind(sess.ID)
}

func (e *Engine) loadPage(ctx context.Context, page, limit int) (model.QuestionPage, error) {
	result, err := e.pager.FetchPage(ctx, page, limit)
	if err != nil {
		return model.QuestionPage{}, err
	}
	e.pageCommitted(ctx, result)
	return result, nil
}

func (e *Engine) pageCommitted(ctx context.Context, page model.QuestionPage) {
	if err := e.sessions.SetCurrentPage(ctx, page.Pagination.CurrentPage); err != nil {
		e.log.Warn().Err(err).Int("page", page.Pagination.CurrentPage).Msg("Failed to record current page")
	}
	e.publishProgress()
}

func (e *Engine) requireActive() error {
	sess, ok := e.sessions.Active()
	if !ok {
		return ErrNoActiveSession
	}
	if sess.Expired(e.now()) {
		return ErrSessionExpired
	}
	if e.submission.InFlight() {
		return ErrSubmitInFlight
	}
	return nil
}

func (e *Engine) validateAnswer(questionID, optionID string) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	if questionID == "" {
		return &ValidationError{Field: "question_id", Reason: "required"}
	}
	if optionID == "" {
		return &ValidationError{Field: "option_id", Reason: "required"}
	}
	q, ok := e.pager.Lookup(questionID)
	if !ok {
		return &ValidationError{Field: "question_id", Value: questionID, Reason: "not part of this test"}
	}
	if !q.HasOption(optionID) {
		return &ValidationError{Field: "option_id", Value: optionID, Reason: "not an option of this question"}
	}
	return nil
}

func (e *Engine) publishProgress() {
	e.mu.Lock()
	listeners := make([]func(model.ProgressSnapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	snap := e.progress.Snapshot()
	for _, fn := range listeners {
		fn(snap)
	}
}

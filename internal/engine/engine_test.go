package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	bank      *questionBank
	store     *memStore
	submitter *recordingSubmitter
	clock     *clock
	engine    *Engine
}

func newEngineFixture(t *testing.T, deps Dependencies, duration time.Duration) *engineFixture {
	t.Helper()
	f := &engineFixture{
		bank:      &questionBank{count: 25},
		store:     newMemStore(),
		submitter: &recordingSubmitter{},
		clock:     newClock(),
	}
	deps.Questions = f.bank
	deps.Sessions = f.store
	deps.Submitter = f.submitter
	f.engine = New(deps, Options{
		PageSize:    10,
		MaxPageSize: 50,
		Duration:    duration,
		Now:         f.clock.Now,
		Logger:      zerolog.Nop(),
	})
	return f
}

func TestEngine_FullAttempt(t *testing.T) {
	f := newEngineFixture(t, Dependencies{}, time.Hour)
	e := f.engine
	ctx := context.Background()

	sess, err := e.Start(ctx, "t1", "u1", "g7")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, sess.Status)

	view, err := e.View()
	require.NoError(t, err)
	require.NotNil(t, view.Page)
	assert.Len(t, view.Page.Questions, 10)
	assert.Equal(t, 25, view.Progress.Total)

	_, err = e.SetAnswerAndWait(ctx, "q01", "A")
	require.NoError(t, err)

	page, err := e.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Pagination.CurrentPage)
	current, _ := e.Session()
	assert.Equal(t, 2, current.CurrentPage)

	_, err = e.SetAnswerAndWait(ctx, "q11", "C")
	require.NoError(t, err)

	progress := e.Progress()
	assert.Equal(t, 2, progress.Answered)
	assert.InDelta(t, 8.0, progress.Percentage, 0.001)

	res, err := e.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Answered)
	assert.Equal(t, model.SessionStatusCompleted, f.store.status(sess.ID))

	_, err = e.View()
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Zero(t, e.Progress().Total)
	closed, ok := e.Closed()
	require.True(t, ok)
	assert.Equal(t, model.SessionStatusCompleted, closed.Status)
}

func TestEngine_SetAnswerValidation(t *testing.T) {
	var syncs atomic.Int32
	f := newEngineFixture(t, Dependencies{
		Sync: syncFunc(func(context.Context, string, model.Answer) error {
			syncs.Add(1)
			return nil
		}),
	}, 0)
	e := f.engine
	ctx := context.Background()

	_, err := e.SetAnswer(ctx, "q01", "A")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = e.Start(ctx, "t1", "u1", "")
	require.NoError(t, err)

	cases := []struct {
		question, option, field string
	}{
		{"", "A", "question_id"},
		{"q01", "", "option_id"},
		{"q99", "A", "question_id"},
		{"q01", "Z", "option_id"},
	}
	for _, c := range cases {
		_, err := e.SetAnswer(ctx, c.question, c.option)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, "%s/%s", c.question, c.option)
		assert.Equal(t, c.field, ve.Field)
	}
	assert.EqualValues(t, 0, syncs.Load())
	assert.Zero(t, e.Progress().Answered)
}

func TestEngine_RolledBackAnswerUpdatesProgress(t *testing.T) {
	f := newEngineFixture(t, Dependencies{
		Sync: syncFunc(func(context.Context, string, model.Answer) error { return errBoom }),
	}, 0)
	e := f.engine
	ctx := context.Background()

	var last atomic.Int32
	e.OnProgress(func(s model.ProgressSnapshot) { last.Store(int32(s.Answered)) })

	_, err := e.Start(ctx, "t1", "u1", "")
	require.NoError(t, err)

	res, err := e.SetAnswerAndWait(ctx, "q01", "A")
	require.Error(t, err)
	assert.True(t, res.RolledBack)
	assert.Zero(t, e.Progress().Answered)
	assert.EqualValues(t, 0, last.Load())
}

func TestEngine_StartDenied(t *testing.T) {
	f := newEngineFixture(t, Dependencies{
		Access: accessFunc(func(context.Context, string, string) (bool, error) { return false, nil }),
	}, 0)

	_, err := f.engine.Start(context.Background(), "t1", "u1", "")
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Zero(t, f.bank.callCount())
}

func TestEngine_StartKeepsSessionWhenFirstPageFails(t *testing.T) {
	f := newEngineFixture(t, Dependencies{}, 0)
	f.bank.setFail(errBoom)

	sess, err := f.engine.Start(context.Background(), "t1", "u1", "")
	require.Error(t, err)
	require.NotNil(t, sess)
	assert.True(t, IsTransient(err))

	f.bank.setFail(nil)
	page, err := f.engine.FetchPage(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, page.Questions, 10)
}

func TestEngine_ResumeHydratesAnswersAndPage(t *testing.T) {
	f := newEngineFixture(t, Dependencies{
		Loader: staticLoader{{QuestionID: "q01", OptionID: "B"}, {QuestionID: "q21", OptionID: "C"}},
	}, time.Hour)
	f.store.put(&model.Session{
		ID: "s1", TestID: "t1", UserID: "u1", Status: model.SessionStatusInProgress,
		StartedAt: f.clock.Now(), Duration: time.Hour, CurrentPage: 3,
	})

	sess, err := f.engine.Resume(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)

	view, err := f.engine.View()
	require.NoError(t, err)
	require.NotNil(t, view.Page)
	assert.Equal(t, 3, view.Page.Pagination.CurrentPage)
	assert.Equal(t, map[string]string{"q01": "B", "q21": "C"}, view.Answers)
	assert.Equal(t, 2, view.Progress.Answered)
}

func TestEngine_ExpiredSessionRejectsWork(t *testing.T) {
	f := newEngineFixture(t, Dependencies{}, 30*time.Minute)
	e := f.engine
	ctx := context.Background()

	_, err := e.Start(ctx, "t1", "u1", "")
	require.NoError(t, err)
	assert.False(t, e.Expired())

	f.clock.Advance(31 * time.Minute)
	assert.True(t, e.Expired())

	_, err = e.SetAnswer(ctx, "q01", "A")
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = e.Next(ctx)
	assert.ErrorIs(t, err, ErrSessionExpired)

	closed, err := e.Abandon(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusAbandoned, closed.Status)
	assert.False(t, e.Expired())
}

func TestEngine_EnginesShareNothing(t *testing.T) {
	a := newEngineFixture(t, Dependencies{}, 0)
	b := newEngineFixture(t, Dependencies{}, 0)
	ctx := context.Background()

	_, err := a.engine.Start(ctx, "t1", "u1", "")
	require.NoError(t, err)
	_, err = b.engine.Start(ctx, "t1", "u2", "")
	require.NoError(t, err)

	_, err = a.engine.SetAnswerAndWait(ctx, "q01", "A")
	require.NoError(t, err)

	assert.Equal(t, 1, a.engine.Progress().Answered)
	assert.Equal(t, 0, b.engine.Progress().Answered)
}

func TestEngine_OnProgressCancel(t *testing.T) {
	f := newEngineFixture(t, Dependencies{}, 0)
	e := f.engine
	ctx := context.Background()

	var calls atomic.Int32
	cancel := e.OnProgress(func(model.ProgressSnapshot) { calls.Add(1) })

	_, err := e.Start(ctx, "t1", "u1", "")
	require.NoError(t, err)
	seen := calls.Load()
	require.NotZero(t, seen)

	cancel()
	_, err = e.SetAnswerAndWait(ctx, "q01", "B")
	require.NoError(t, err)
	assert.Equal(t, seen, calls.Load())
}

func TestEngine_WritesRefusedWhileSubmitting(t *testing.T) {
	f := newEngineFixture(t, Dependencies{}, time.Hour)
	e := f.engine
	ctx := context.Background()

	_, err := e.Start(ctx, "t1", "u1", "")
	require.NoError(t, err)
	_, err = e.SetAnswerAndWait(ctx, "q01", "A")
	require.NoError(t, err)

	f.submitter.block = make(chan struct{})
	submitted := make(chan *model.SubmissionResult, 1)
	go func() {
		res, err := e.Submit(ctx)
		assert.NoError(t, err)
		submitted <- res
	}()
	require.Eventually(t, e.Submitting, time.Second, 5*time.Millisecond)

	_, err = e.SetAnswerAndWait(ctx, "q02", "B")
	assert.ErrorIs(t, err, ErrSubmitInFlight)
	_, err = e.Next(ctx)
	assert.ErrorIs(t, err, ErrSubmitInFlight)
	_, err = e.Abandon(ctx)
	assert.ErrorIs(t, err, ErrSubmitInFlight)

	// The refused answer never reached the cache.
	_, held := e.Answer("q02")
	assert.False(t, held)

	close(f.submitter.block)
	res := <-submitted
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Answered)

	subs := f.submitter.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, []model.Answer{{QuestionID: "q01", OptionID: "A"}}, subs[0].Answers)
	assert.Equal(t, model.SessionStatusCompleted, f.store.status(subs[0].SessionID))
}

func TestEngine_DiscardDropsState(t *testing.T) {
	f := newEngineFixture(t, Dependencies{}, time.Hour)
	e := f.engine
	ctx := context.Background()

	sess, err := e.Start(ctx, "t1", "u1", "")
	require.NoError(t, err)
	_, err = e.SetAnswerAndWait(ctx, "q01", "A")
	require.NoError(t, err)

	e.Discard()

	_, err = e.SetAnswer(ctx, "q01", "B")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, ok := e.Session()
	assert.False(t, ok)
	// Storage is left to whoever closed the session.
	assert.Equal(t, model.SessionStatusInProgress, f.store.status(sess.ID))
}

package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupPool connects to DATABASE_URL and migrates it. The tests only run with
// EXSTEM_INTEGRATION=1 against a disposable database.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("EXSTEM_INTEGRATION") != "1" {
		t.Skip("set EXSTEM_INTEGRATION=1 and DATABASE_URL to run repository tests")
	}
	dbURL := os.Getenv("DATABASE_URL")
	require.NotEmpty(t, dbURL, "DATABASE_URL")

	m, err := migrate.New("file://../../migrations", dbURL)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newSession(testID string, duration time.Duration) *model.Session {
	return &model.Session{
		ID:          uuid.NewString(),
		TestID:      testID,
		UserID:      "user-" + uuid.NewString()[:8],
		Status:      model.SessionStatusInProgress,
		StartedAt:   time.Now().UTC().Truncate(time.Microsecond),
		Duration:    duration,
		CurrentPage: 1,
	}
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	pool := setupPool(t)
	repo := NewSessionRepository(pool)
	ctx := context.Background()

	s := newSession("math-1", time.Hour)
	require.NoError(t, repo.Create(ctx, s))

	dup := newSession("math-1", time.Hour)
	dup.UserID = s.UserID
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrActiveSessionExists)

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.TestID, got.TestID)
	assert.Equal(t, time.Hour, got.Duration)

	active, err := repo.FindActive(ctx, "math-1", s.UserID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)

	require.NoError(t, repo.UpdateCurrentPage(ctx, s.ID, 3))
	got, err = repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentPage)

	now := time.Now()
	require.NoError(t, repo.UpdateStatus(ctx, s.ID, model.SessionStatusInProgress, model.SessionStatusAbandoned, now))
	// Repeating the same move is a no-op.
	require.NoError(t, repo.UpdateStatus(ctx, s.ID, model.SessionStatusInProgress, model.SessionStatusAbandoned, now))
	err = repo.UpdateStatus(ctx, s.ID, model.SessionStatusInProgress, model.SessionStatusCompleted, now)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = repo.FindActive(ctx, "math-1", s.UserID)
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	_, err = repo.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
}

func TestSessionRepository_ListExpired(t *testing.T) {
	pool := setupPool(t)
	repo := NewSessionRepository(pool)
	ctx := context.Background()

	late := newSession("expiry", time.Minute)
	late.StartedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, repo.Create(ctx, late))
	untimed := newSession("expiry", 0)
	untimed.StartedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, repo.Create(ctx, untimed))

	expired, err := repo.ListExpired(ctx, time.Now(), 1000)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, s := range expired {
		ids[s.ID] = true
	}
	assert.True(t, ids[late.ID])
	assert.False(t, ids[untimed.ID])
}

func TestAnswerAndSubmissionRepositories(t *testing.T) {
	pool := setupPool(t)
	sessions := NewSessionRepository(pool)
	answers := NewAnswerRepository(pool)
	submissions := NewSubmissionRepository(pool)
	ctx := context.Background()

	s := newSession("physics", 0)
	require.NoError(t, sessions.Create(ctx, s))

	t0 := time.Now().UTC()
	require.NoError(t, answers.Upsert(ctx, &model.PersistAnswerJob{SessionID: s.ID, QuestionID: "q1", OptionID: "A", AnsweredAt: t0}))
	require.NoError(t, answers.Upsert(ctx, &model.PersistAnswerJob{SessionID: s.ID, QuestionID: "q1", OptionID: "B", AnsweredAt: t0.Add(time.Second)}))
	// A late, older job does not win.
	require.NoError(t, answers.Upsert(ctx, &model.PersistAnswerJob{SessionID: s.ID, QuestionID: "q1", OptionID: "C", AnsweredAt: t0}))

	saved, err := answers.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.Answer{{QuestionID: "q1", OptionID: "B"}}, saved)

	// A job for a session that no longer exists can never be stored.
	err = answers.Upsert(ctx, &model.PersistAnswerJob{SessionID: uuid.NewString(), QuestionID: "q1", OptionID: "A", AnsweredAt: t0})
	assert.ErrorIs(t, err, ErrRejected)

	sub := model.Submission{
		SessionID:   s.ID,
		TestID:      s.TestID,
		UserID:      s.UserID,
		Answers:     []model.Answer{{QuestionID: "q2", OptionID: "D"}, {QuestionID: "q1", OptionID: "B"}},
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, submissions.Submit(ctx, sub))
	// Posting the same submission again is harmless.
	require.NoError(t, submissions.Submit(ctx, sub))

	// A different payload for the closed session is a conflict.
	other := sub
	other.Answers = sub.Answers[:1]
	other.SubmittedAt = sub.SubmittedAt.Add(time.Minute)
	assert.ErrorIs(t, submissions.Submit(ctx, other), engine.ErrAlreadySubmitted)

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, got.Status)

	var first string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT question_id FROM submission_answers WHERE session_id = $1 AND position = 1`,
		uuid.MustParse(s.ID)).Scan(&first))
	assert.Equal(t, "q2", first)

	abandoned := newSession("physics", 0)
	require.NoError(t, sessions.Create(ctx, abandoned))
	require.NoError(t, sessions.UpdateStatus(ctx, abandoned.ID, model.SessionStatusInProgress, model.SessionStatusAbandoned, time.Now()))
	err = submissions.Submit(ctx, model.Submission{SessionID: abandoned.ID, SubmittedAt: time.Now()})
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
}

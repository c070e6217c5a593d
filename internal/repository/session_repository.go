package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/model"
)

// ErrActiveSessionExists is returned by Create when the student already has an
// in-progress session for the test.
var ErrActiveSessionExists = errors.New("an in-progress session already exists for this test")

const sessionColumns = `id, test_id, user_id, grade_id, status, started_at, duration_seconds, current_page, finished_at`

// SessionRepository handles test session data access.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create inserts a new in-progress session.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return fmt.Errorf("parse session id: %w", err)
	}

	var startedAt time.Time
	err = r.pool.QueryRow(ctx,
		`INSERT INTO test_sessions (id, test_id, user_id, grade_id, status, started_at, duration_seconds, current_page)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING
		 RETURNING started_at`,
		id, s.TestID, s.UserID, s.GradeID, s.Status, s.StartedAt, int64(s.Duration/time.Second), s.CurrentPage,
	).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrActiveSessionExists
	}
	if err != nil {
		return err
	}
	s.StartedAt = startedAt
	return nil
}

// Get retrieves a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*model.Session, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return nil, engine.ErrSessionNotFound
	}
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, sid)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrSessionNotFound
	}
	return s, err
}

// FindActive retrieves the in-progress session of a student for a test.
func (r *SessionRepository) FindActive(ctx context.Context, testID, userID string) (*model.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM test_sessions
		 WHERE test_id = $1 AND user_id = $2 AND status = $3`,
		testID, userID, model.SessionStatusInProgress)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrSessionNotFound
	}
	return s, err
}

// UpdateStatus moves a session from one status to another. It is a no-op when the
// session already has the target status.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) error {
	sid, err := uuid.Parse(id)
	if err != nil {
		return engine.ErrSessionNotFound
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE test_sessions
		 SET status = $1, finished_at = $2, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		to, at, sid, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current model.SessionStatus
	err = r.pool.QueryRow(ctx, `SELECT status FROM test_sessions WHERE id = $1`, sid).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if current == to {
		return nil
	}
	return fmt.Errorf("%w: stored status is %s", model.ErrInvalidTransition, current)
}

// UpdateCurrentPage records the page a student is on.
func (r *SessionRepository) UpdateCurrentPage(ctx context.Context, id string, page int) error {
	sid, err := uuid.Parse(id)
	if err != nil {
		return engine.ErrSessionNotFound
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE test_sessions SET current_page = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		page, sid, model.SessionStatusInProgress)
	return err
}

// ListExpired returns up to limit in-progress timed sessions whose time ran out at now.
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM test_sessions
		 WHERE status = $1
		   AND duration_seconds > 0
		   AND started_at + make_interval(secs => duration_seconds) <= $2
		 ORDER BY started_at
		 LIMIT $3`,
		model.SessionStatusInProgress, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s        model.Session
		id       uuid.UUID
		duration int64
	)
	if err := row.Scan(&id, &s.TestID, &s.UserID, &s.GradeID, &s.Status, &s.StartedAt, &duration, &s.CurrentPage, &s.FinishedAt); err != nil {
		return nil, err
	}
	s.ID = id.String()
	s.Duration = time.Duration(duration) * time.Second
	return &s, nil
}

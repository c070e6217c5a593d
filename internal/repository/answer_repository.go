package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// ErrRejected marks a write the database will never accept, such as a
// constraint violation or malformed data. Retrying it is pointless.
var ErrRejected = errors.New("rejected by database")

// rejected wraps integrity (class 23) and data (class 22) errors with ErrRejected.
func rejected(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}

// AnswerRepository handles autosaved answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert stores the latest option chosen for a question. Older jobs never
// overwrite newer ones.
func (r *AnswerRepository) Upsert(ctx context.Context, job *model.PersistAnswerJob) error {
	sid, err := uuid.Parse(job.SessionID)
	if err != nil {
		return fmt.Errorf("%w: session id: %w", ErrRejected, err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_id, option_id, answered_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET option_id = EXCLUDED.option_id, answered_at = EXCLUDED.answered_at, updated_at = NOW()
		 WHERE session_answers.answered_at <= EXCLUDED.answered_at`,
		sid, job.QuestionID, job.OptionID, job.AnsweredAt,
	)
	return rejected(err)
}

// ListBySession returns the autosaved answers of a session in answer order.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID string) ([]model.Answer, error) {
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, option_id FROM session_answers
		 WHERE session_id = $1
		 ORDER BY created_at, question_id`, sid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.QuestionID, &a.OptionID); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

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

// SubmissionRepository stores final submissions.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Submit writes the submission and its answers and completes the session in one
// transaction. Repeating the stored submission is a no-op; any other submission
// for a closed session is refused.
func (r *SubmissionRepository) Submit(ctx context.Context, sub model.Submission) error {
	sid, err := uuid.Parse(sub.SessionID)
	if err != nil {
		return engine.ErrSessionNotFound
	}

	questionIDs := make([]string, len(sub.Answers))
	optionIDs := make([]string, len(sub.Answers))
	positions := make([]int32, len(sub.Answers))
	for i, a := range sub.Answers {
		questionIDs[i] = a.QuestionID
		optionIDs[i] = a.OptionID
		positions[i] = int32(i + 1)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var status model.SessionStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM test_sessions WHERE id = $1 FOR UPDATE`, sid,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		switch status {
		case model.SessionStatusCompleted:
			return sameSubmission(ctx, tx, sid, sub)
		case model.SessionStatusAbandoned:
			return engine.ErrSessionNotFound
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO submissions (session_id, test_id, user_id, answered, submitted_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			sid, sub.TestID, sub.UserID, len(sub.Answers), sub.SubmittedAt,
		); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}

		if len(sub.Answers) > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO submission_answers (session_id, question_id, option_id, position)
				 SELECT $1, u.question_id, u.option_id, u.position
				 FROM UNNEST(
					$2::text[],
					$3::text[],
					$4::int[]
				 ) AS u (question_id, option_id, position)`,
				sid, questionIDs, optionIDs, positions,
			); err != nil {
				return fmt.Errorf("insert submission answers: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE test_sessions
			 SET status = $1, finished_at = $2, updated_at = NOW()
			 WHERE id = $3`,
			model.SessionStatusCompleted, sub.SubmittedAt, sid,
		); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		return nil
	})
}

func sameSubmission(ctx context.Context, tx pgx.Tx, sid uuid.UUID, sub model.Submission) error {
	var (
		answered    int
		submittedAt time.Time
	)
	err := tx.QueryRow(ctx,
		`SELECT answered, submitted_at FROM submissions WHERE session_id = $1`, sid,
	).Scan(&answered, &submittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.ErrAlreadySubmitted
	}
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}

	// timestamptz keeps microseconds.
	if answered == len(sub.Answers) && submittedAt.Equal(sub.SubmittedAt.Truncate(time.Microsecond)) {
		return nil
	}
	return engine.ErrAlreadySubmitted
}

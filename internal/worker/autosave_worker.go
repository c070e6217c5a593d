package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// AnswerPersister writes a synced answer to the database.
type AnswerPersister interface {
	Upsert(ctx context.Context, job *model.PersistAnswerJob) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	answers    AnswerPersister
	rdb        *redis.Client
	log        zerolog.Logger
	pollWait   time.Duration
	retryDelay time.Duration
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(answers AnswerPersister, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		answers:    answers,
		rdb:        rdb,
		log:        log.With().Str("component", "autosave_worker").Logger(),
		pollWait:   time.Second,
		retryDelay: 5 * time.Second,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	queue := config.WorkerKey.PersistAnswersQueue

	// BLPop blocks until an item is available or pollWait passes.
	result, err := w.rdb.BLPop(ctx, w.pollWait, queue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			w.sleep(ctx, w.pollWait)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	job, err := decodeJob(result[1])
	if err != nil {
		// Malformed payloads can never succeed; drop them.
		w.log.Error().Err(err).Str("payload", result[1]).Msg("Unmarshal error")
		return
	}

	if err := w.answers.Upsert(ctx, job); err != nil {
		if errors.Is(err, repository.ErrRejected) {
			w.deadLetter(job, result[1], err)
			return
		}
		w.log.Error().Err(err).
			Str("session_id", job.SessionID).
			Str("question_id", job.QuestionID).
			Msg("Persist error, retrying")
		// Push back to queue for retry.
		w.rdb.RPush(context.Background(), queue, result[1])
		w.sleep(ctx, w.retryDelay)
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	queue := config.WorkerKey.PersistAnswersQueue
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, queue).Result()
		if err != nil {
			break
		}

		job, err := decodeJob(result)
		if err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.answers.Upsert(ctx, job); err != nil {
			if errors.Is(err, repository.ErrRejected) {
				w.deadLetter(job, result, err)
				continue
			}
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, queue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

// deadLetter parks a job the database refused so it stops cycling through the queue.
func (w *AutosaveWorker) deadLetter(job *model.PersistAnswerJob, raw string, cause error) {
	w.log.Error().Err(cause).
		Str("session_id", job.SessionID).
		Str("question_id", job.QuestionID).
		Msg("Persist rejected, moving to dead letter queue")
	if err := w.rdb.RPush(context.Background(), config.WorkerKey.DeadAnswersQueue, raw).Err(); err != nil {
		w.log.Error().Err(err).Str("payload", raw).Msg("Dead letter push failed")
	}
}

func (w *AutosaveWorker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func decodeJob(raw string) (*model.PersistAnswerJob, error) {
	var job model.PersistAnswerJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	if job.SessionID == "" || job.QuestionID == "" {
		return nil, errors.New("answer job without session or question")
	}
	return &job, nil
}

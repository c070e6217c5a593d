package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// AnswerLister reads answers already persisted to the database.
type AnswerLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]model.Answer, error)
}

// AnswerStore keeps the autosave copy of a session's answers in a Redis hash and
// queues every change for the autosave worker.
type AnswerStore struct {
	rdb      *redis.Client
	fallback AnswerLister
	now      func() time.Time
	log      zerolog.Logger
}

// NewAnswerStore creates an AnswerStore. fallback, if set, is read when the hash is
// missing (e.g. after a Redis restart).
func NewAnswerStore(rdb *redis.Client, fallback AnswerLister, log zerolog.Logger) *AnswerStore {
	return &AnswerStore{
		rdb:      rdb,
		fallback: fallback,
		now:      time.Now,
		log:      log.With().Str("component", "answer_store").Logger(),
	}
}

// SyncAnswer saves the answer and queues it for persistence in one MULTI/EXEC.
func (s *AnswerStore) SyncAnswer(ctx context.Context, sessionID string, a model.Answer) error {
	payload, err := json.Marshal(model.PersistAnswerJob{
		SessionID:  sessionID,
		QuestionID: a.QuestionID,
		OptionID:   a.OptionID,
		AnsweredAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal answer job: %w", err)
	}

	key := config.CacheKey.SessionAnswersKey(sessionID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, a.QuestionID, a.OptionID)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("autosave answer: %w", err)
	}
	return nil
}

// LoadAnswers returns the saved answers of a session ordered by question id.
func (s *AnswerStore) LoadAnswers(ctx context.Context, sessionID string) ([]model.Answer, error) {
	key := config.CacheKey.SessionAnswersKey(sessionID)
	saved, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get saved answers: %w", err)
	}

	if len(saved) == 0 && s.fallback != nil {
		// Cache miss: fall back to the database and self-heal the hash.
		answers, err := s.fallback.ListBySession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list saved answers: %w", err)
		}
		if len(answers) > 0 {
			values := make(map[string]any, len(answers))
			for _, a := range answers {
				values[a.QuestionID] = a.OptionID
			}
			if err := s.rdb.HSet(ctx, key, values).Err(); err != nil {
				s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to refill answer cache")
			}
		}
		return answers, nil
	}

	answers := make([]model.Answer, 0, len(saved))
	for q, o := range saved {
		answers = append(answers, model.Answer{QuestionID: q, OptionID: o})
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].QuestionID < answers[j].QuestionID })
	return answers, nil
}

// Clear drops the autosave hash of a session.
func (s *AnswerStore) Clear(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, config.CacheKey.SessionAnswersKey(sessionID)).Err()
}

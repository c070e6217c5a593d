package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
)

var errBoom = errors.New("boom")

// questionBank serves count questions, each with options A-D, in the nested
// {data: {questions, pagination}} shape.
type questionBank struct {
	count int

	mu    sync.Mutex
	calls []QuestionQuery
	fail  error
	// gate, when set, blocks every fetch until it is closed or ctx ends.
	gate chan struct{}
}

func (b *questionBank) FetchQuestions(ctx context.Context, q QuestionQuery) ([]byte, error) {
	b.mu.Lock()
	b.calls = append(b.calls, q)
	fail, gate := b.fail, b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	start := (q.Page - 1) * q.Limit
	end := min(start+q.Limit, b.count)
	questions := []map[string]any{}
	for i := start; i < end; i++ {
		questions = append(questions, map[string]any{
			"questionId":   questionID(i),
			"questionText": fmt.Sprintf("Question %d", i+1),
			"options": []map[string]any{
				{"optionId": "A", "optionText": "a"},
				{"optionId": "B", "optionText": "b"},
				{"optionId": "C", "optionText": "c"},
				{"optionId": "D", "optionText": "d"},
			},
		})
	}
	return json.Marshal(map[string]any{
		"data": map[string]any{
			"questions": questions,
			"pagination": map[string]any{
				"currentPage":    q.Page,
				"pageSize":       q.Limit,
				"totalQuestions": b.count,
			},
		},
	})
}

func (b *questionBank) setFail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func (b *questionBank) setGate(gate chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = gate
}

func (b *questionBank) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func questionID(i int) string { return fmt.Sprintf("q%02d", i+1) }

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	failNext error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*model.Session)}
}

func (s *memStore) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return err
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, from, to model.SessionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status == to {
		return nil
	}
	if sess.Status != from {
		return model.ErrInvalidTransition
	}
	return sess.Transition(to, at)
}

func (s *memStore) UpdateCurrentPage(_ context.Context, id string, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFail(); err != nil {
		return err
	}
	if sess, ok := s.sessions[id]; ok {
		sess.CurrentPage = page
	}
	return nil
}

func (s *memStore) put(sess *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
}

func (s *memStore) page(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.CurrentPage
	}
	return 0
}

func (s *memStore) status(id string) model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Status
	}
	return ""
}

func (s *memStore) failOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *memStore) takeFail() error {
	err := s.failNext
	s.failNext = nil
	return err
}

type accessFunc func(ctx context.Context, userID, testID string) (bool, error)

func (f accessFunc) HasAccess(ctx context.Context, userID, testID string) (bool, error) {
	return f(ctx, userID, testID)
}

type syncFunc func(ctx context.Context, sessionID string, a model.Answer) error

func (f syncFunc) SyncAnswer(ctx context.Context, sessionID string, a model.Answer) error {
	return f(ctx, sessionID, a)
}

type recordingSubmitter struct {
	mu    sync.Mutex
	subs  []model.Submission
	err   error
	block chan struct{}
}

func (r *recordingSubmitter) Submit(ctx context.Context, sub model.Submission) error {
	r.mu.Lock()
	block, err := r.block, r.err
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
	return nil
}

func (r *recordingSubmitter) submissions() []model.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Submission(nil), r.subs...)
}

type staticLoader []model.Answer

func (l staticLoader) LoadAnswers(context.Context, string) ([]model.Answer, error) {
	return l, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

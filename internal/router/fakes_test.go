package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/model"
)

// questionBank serves numbered questions q01..qNN with options A-D.
type questionBank struct {
	count int
}

func (b *questionBank) FetchQuestions(_ context.Context, q engine.QuestionQuery) ([]byte, error) {
	start := (q.Page - 1) * q.Limit
	end := min(start+q.Limit, b.count)
	questions := make([]map[string]any, 0, q.Limit)
	for i := start; i < end; i++ {
		questions = append(questions, map[string]any{
			"questionId":   fmt.Sprintf("q%02d", i+1),
			"questionText": fmt.Sprintf("Question %d", i+1),
			"options":      []string{"one", "two", "three", "four"},
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

// memSessions is an in-memory session store.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*model.Session)}
}

func (m *memSessions) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memSessions) Get(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *memSessions) FindActive(_ context.Context, testID, userID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TestID == testID && s.UserID == userID && s.Status == model.SessionStatusInProgress {
			return s.Clone(), nil
		}
	}
	return nil, engine.ErrSessionNotFound
}

func (m *memSessions) UpdateStatus(_ context.Context, id string, from, to model.SessionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return engine.ErrSessionNotFound
	}
	if s.Status == to {
		return nil
	}
	if s.Status != from {
		return model.ErrInvalidTransition
	}
	return s.Transition(to, at)
}

func (m *memSessions) UpdateCurrentPage(_ context.Context, id string, page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.CurrentPage = page
	}
	return nil
}

type accessFunc func(ctx context.Context, userID, testID string) (bool, error)

func (f accessFunc) HasAccess(ctx context.Context, userID, testID string) (bool, error) {
	return f(ctx, userID, testID)
}

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []model.Submission
}

func (r *recordingSubmitter) Submit(_ context.Context, s model.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, s)
	return nil
}

func (r *recordingSubmitter) submissions() []model.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Submission(nil), r.subs...)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

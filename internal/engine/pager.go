package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
)

// QuestionQuery scopes one page request to the question source.
type QuestionQuery struct {
	TestID    string
	GradeID   string
	SessionID string
	Page      int
	Limit     int
}

// QuestionSource returns the raw body of one page of questions. Bodies are
// normalized by the pager, so sources need not agree on field names.
type QuestionSource interface {
	FetchQuestions(ctx context.Context, q QuestionQuery) ([]byte, error)
}

// QuestionPager loads one page of questions at a time for the active session.
//
// Only the most recent request may commit: each fetch bumps a generation counter
// and cancels the fetch before it, and a response whose generation is stale is
// dropped with ErrSuperseded.
type QuestionPager struct {
	source       QuestionSource
	defaultLimit int
	maxLimit     int
	log          zerolog.Logger

	mu         sync.Mutex
	scope      QuestionQuery
	questions  []model.Question
	pagination model.PaginationState
	echo       *model.SessionEcho
	catalog    map[string]model.Question
	loaded     bool
	gen        uint64
	cancel     context.CancelFunc
}

// NewQuestionPager creates a QuestionPager. defaultLimit applies when a caller
// passes no limit; maxLimit caps what callers may request (0 means no cap).
func NewQuestionPager(source QuestionSource, defaultLimit, maxLimit int, log zerolog.Logger) *QuestionPager {
	if defaultLimit < 1 {
		defaultLimit = 10
	}
	return &QuestionPager{
		source:       source,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		log:          log.With().Str("component", "question_pager").Logger(),
		catalog:      make(map[string]model.Question),
	}
}

// SetScope binds the pager to a test, grade and session.
func (p *QuestionPager) SetScope(testID, gradeID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scope = QuestionQuery{TestID: testID, GradeID: gradeID, SessionID: sessionID}
}

// FetchPage requests exactly one page. On failure the previously loaded page and
// pagination are left untouched.
func (p *QuestionPager) FetchPage(ctx context.Context, page, limit int) (model.QuestionPage, error) {
	p.mu.Lock()
	if p.scope.TestID == "" {
		p.mu.Unlock()
		return model.QuestionPage{}, ErrNoActiveSession
	}
	limit = p.clampLimit(limit)
	if page < 1 {
		page = 1
	}
	if p.loaded && p.pagination.Limit == limit && page > p.pagination.TotalPages {
		page = p.pagination.TotalPages
	}

	query := p.scope
	query.Page = page
	query.Limit = limit

	p.gen++
	gen := p.gen
	if p.cancel != nil {
		p.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	defer cancel()

	raw, fetchErr := p.source.FetchQuestions(fetchCtx, query)

	var (
		result  model.QuestionPage
		normErr error
	)
	if fetchErr == nil {
		result, normErr = NormalizePage(raw, page, limit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		p.log.Debug().
			Int("page", page).
			Str("session_id", query.SessionID).
			Msg("Discarding superseded page response")
		return model.QuestionPage{}, ErrSuperseded
	}
	p.cancel = nil

	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) && ctx.Err() == nil {
			return model.QuestionPage{}, ErrSuperseded
		}
		return model.QuestionPage{}, transient("fetch page", fetchErr)
	}
	if normErr != nil {
		return model.QuestionPage{}, transient("fetch page", normErr)
	}

	p.questions = result.Questions
	p.pagination = result.Pagination
	p.echo = result.Session
	p.loaded = true
	for _, q := range result.Questions {
		p.catalog[q.QuestionID] = q
	}

	return p.snapshotLocked(), nil
}

// Next loads the following page. At the last page it returns the current page
// unchanged without fetching.
func (p *QuestionPager) Next(ctx context.Context) (model.QuestionPage, error) {
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return p.FetchPage(ctx, 1, 0)
	}
	if !p.pagination.HasNext {
		defer p.mu.Unlock()
		return p.snapshotLocked(), nil
	}
	target, limit := p.pagination.CurrentPage+1, p.pagination.Limit
	p.mu.Unlock()

	return p.FetchPage(ctx, target, limit)
}

// Previous loads the preceding page. At the first page it returns the current
// page unchanged without fetching.
func (p *QuestionPager) Previous(ctx context.Context) (model.QuestionPage, error) {
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return p.FetchPage(ctx, 1, 0)
	}
	if !p.pagination.HasPrevious {
		defer p.mu.Unlock()
		return p.snapshotLocked(), nil
	}
	target, limit := p.pagination.CurrentPage-1, p.pagination.Limit
	p.mu.Unlock()

	return p.FetchPage(ctx, target, limit)
}

// Current returns the loaded page. ok is false before the first successful fetch.
func (p *QuestionPager) Current() (page model.QuestionPage, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(), p.loaded
}

// Pagination returns the pagination of the loaded page.
func (p *QuestionPager) Pagination() model.PaginationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pagination
}

// Loaded reports whether a page has been committed since the last reset.
func (p *QuestionPager) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Lookup returns a question seen on any page fetched in this session.
func (p *QuestionPager) Lookup(questionID string) (model.Question, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.catalog[questionID]
	return q, ok
}

// Reset drops all loaded data and cancels any in-flight fetch; its response will
// be discarded.
func (p *QuestionPager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.scope = QuestionQuery{}
	p.questions = nil
	p.pagination = model.PaginationState{}
	p.echo = nil
	p.catalog = make(map[string]model.Question)
	p.loaded = false
}

func (p *QuestionPager) clampLimit(limit int) int {
	if limit < 1 {
		if p.loaded && p.pagination.Limit > 0 {
			limit = p.pagination.Limit
		} else {
			limit = p.defaultLimit
		}
	}
	if p.maxLimit > 0 && limit > p.maxLimit {
		limit = p.maxLimit
	}
	return limit
}

func (p *QuestionPager) snapshotLocked() model.QuestionPage {
	questions := make([]model.Question, len(p.questions))
	copy(questions, p.questions)
	var echo *model.SessionEcho
	if p.echo != nil {
		e := *p.echo
		echo = &e
	}
	return model.QuestionPage{
		Questions:  questions,
		Pagination: p.pagination,
		Session:    echo,
	}
}

package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
)

// AnswerSyncer pushes a single answer to the remote side.
type AnswerSyncer interface {
	SyncAnswer(ctx context.Context, sessionID string, answer model.Answer) error
}

// Result is the outcome of an optimistic answer write.
type Result struct {
	Answer model.Answer
	Err    error
	// RolledBack is set when the local value was restored after a failed sync.
	RolledBack bool
}

// Ok reports whether the write is final.
func (r Result) Ok() bool { return r.Err == nil }

type answerEntry struct {
	optionID string
	version  uint64
}

// AnswerCache stores the student's chosen option per question before submission.
//
// Writes land locally at once. With a syncer configured every write is then
// synced in the background, strictly in call order; when a sync fails the entry
// goes back to the last value the remote side confirmed, unless a newer write
// has replaced it in the meantime.
type AnswerCache struct {
	syncer AnswerSyncer
	log    zerolog.Logger

	mu        sync.Mutex
	sessionID string
	entries   map[string]answerEntry
	order     []string
	confirmed map[string]string
	pending   map[string]int
	version   uint64
	epoch     uint64
	tail      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	listeners []func()
}

// NewAnswerCache creates an AnswerCache. A nil syncer keeps answers local only.
func NewAnswerCache(syncer AnswerSyncer, log zerolog.Logger) *AnswerCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &AnswerCache{
		syncer:    syncer,
		log:       log.With().Str("component", "answer_cache").Logger(),
		entries:   make(map[string]answerEntry),
		confirmed: make(map[string]string),
		pending:   make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Bind sets the session that syncs are issued for.
func (c *AnswerCache) Bind(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// OnChange registers fn to run after every mutation.
func (c *AnswerCache) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Set overwrites the local answer for questionID without syncing it.
func (c *AnswerCache) Set(questionID, optionID string) {
	c.mu.Lock()
	cur, had := c.entries[questionID]
	changed := !had || cur.optionID != optionID
	if changed {
		c.putLocked(questionID, optionID)
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// SetAnswer records optionID for questionID and returns a channel that receives
// exactly one Result once the write is final.
func (c *AnswerCache) SetAnswer(ctx context.Context, questionID, optionID string) <-chan Result {
	out := make(chan Result, 1)
	answer := model.Answer{QuestionID: questionID, OptionID: optionID}

	c.mu.Lock()
	current, had := c.entries[questionID]
	changed := !had || current.optionID != optionID
	if changed {
		c.putLocked(questionID, optionID)
	}
	version := c.entries[questionID].version

	confirmed, isConfirmed := c.confirmed[questionID]
	if c.syncer == nil || (isConfirmed && confirmed == optionID && c.pending[questionID] == 0) {
		c.mu.Unlock()
		if changed {
			c.notify()
		}
		out <- Result{Answer: answer}
		close(out)
		return out
	}

	prev := c.tail
	done := make(chan struct{})
	c.tail = done
	c.pending[questionID]++
	lifetime, epoch, sessionID := c.ctx, c.epoch, c.sessionID
	c.mu.Unlock()

	if changed {
		c.notify()
	}

	go func() {
		defer close(done)
		defer close(out)

		if prev != nil {
			select {
			case <-prev:
			case <-lifetime.Done():
			}
		}

		err := c.sync(ctx, lifetime, sessionID, answer)
		out <- c.settle(answer, version, epoch, err)
	}()

	return out
}

func (c *AnswerCache) sync(ctx, lifetime context.Context, sessionID string, answer model.Answer) error {
	if err := lifetime.Err(); err != nil {
		return err
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lifetime, cancel)
	defer stop()

	return c.syncer.SyncAnswer(callCtx, sessionID, answer)
}

func (c *AnswerCache) settle(answer model.Answer, version, epoch uint64, err error) Result {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		if err != nil {
			return Result{Answer: answer, Err: transient("sync answer", err)}
		}
		return Result{Answer: answer}
	}

	q := answer.QuestionID
	if c.pending[q]--; c.pending[q] <= 0 {
		delete(c.pending, q)
	}

	if err == nil {
		c.confirmed[q] = answer.OptionID
		c.mu.Unlock()
		return Result{Answer: answer}
	}

	rolledBack := false
	if cur, ok := c.entries[q]; ok && cur.version == version {
		if prev, ok := c.confirmed[q]; ok {
			c.putLocked(q, prev)
		} else {
			c.removeLocked(q)
		}
		rolledBack = true
	}
	c.mu.Unlock()

	if rolledBack {
		c.notify()
	}
	c.log.Warn().
		Err(err).
		Str("question_id", q).
		Bool("rolled_back", rolledBack).
		Msg("Answer sync failed")

	return Result{Answer: answer, Err: transient("sync answer", err), RolledBack: rolledBack}
}

// Get returns the chosen option for questionID.
func (c *AnswerCache) Get(questionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[questionID]
	return e.optionID, ok
}

// Has reports whether questionID has been answered.
func (c *AnswerCache) Has(questionID string) bool {
	_, ok := c.Get(questionID)
	return ok
}

// Len returns the number of answered questions.
func (c *AnswerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Answers returns all answers in first-insertion order.
func (c *AnswerCache) Answers() []model.Answer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Answer, 0, len(c.order))
	for _, q := range c.order {
		out = append(out, model.Answer{QuestionID: q, OptionID: c.entries[q].optionID})
	}
	return out
}

// Map returns a copy of the answers keyed by question.
func (c *AnswerCache) Map() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.entries))
	for q, e := range c.entries {
		out[q] = e.optionID
	}
	return out
}

// Wait blocks until every sync issued so far has settled.
func (c *AnswerCache) Wait(ctx context.Context) error {
	c.mu.Lock()
	tail := c.tail
	c.mu.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore loads answers already known to the remote side, e.g. after a resume.
func (c *AnswerCache) Restore(answers []model.Answer) {
	c.mu.Lock()
	for _, a := range answers {
		c.putLocked(a.QuestionID, a.OptionID)
		c.confirmed[a.QuestionID] = a.OptionID
	}
	c.mu.Unlock()
	c.notify()
}

// Reset empties the cache and cancels in-flight syncs. Their results no longer
// touch the cache.
func (c *AnswerCache) Reset() {
	c.mu.Lock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.epoch++
	c.sessionID = ""
	c.entries = make(map[string]answerEntry)
	c.order = nil
	c.confirmed = make(map[string]string)
	c.pending = make(map[string]int)
	c.tail = nil
	c.mu.Unlock()
	c.notify()
}

func (c *AnswerCache) putLocked(questionID, optionID string) {
	if _, ok := c.entries[questionID]; !ok {
		c.order = append(c.order, questionID)
	}
	c.version++
	c.entries[questionID] = answerEntry{optionID: optionID, version: c.version}
}

func (c *AnswerCache) removeLocked(questionID string) {
	delete(c.entries, questionID)
	for i, q := range c.order {
		if q == questionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *AnswerCache) notify() {
	c.mu.Lock()
	listeners := make([]func(), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SessionExpirer closes sessions whose time ran out.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) int
}

// ExpiryWorker periodically abandons timed-out sessions.
type ExpiryWorker struct {
	sessions SessionExpirer
	interval time.Duration
	log      zerolog.Logger
}

// NewExpiryWorker creates a new ExpiryWorker.
func NewExpiryWorker(sessions SessionExpirer, interval time.Duration, log zerolog.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ExpiryWorker{
		sessions: sessions,
		interval: interval,
		log:      log.With().Str("component", "expiry_worker").Logger(),
	}
}

// Start runs a sweep every interval until ctx is done. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	if n := w.sessions.ExpireStale(ctx); n > 0 {
		w.log.Info().Int("count", n).Msg("Expired sessions abandoned")
	}
}

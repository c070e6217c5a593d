package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/response"
)

const healthTimeout = 2 * time.Second

// Pinger is a dependency that can report its reachability. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LiveCounter reports how many sessions this process holds in memory.
type LiveCounter interface {
	Len() int
}

// HealthHandler reports the reachability of PostgreSQL and Redis plus a few
// runtime figures.
type HealthHandler struct {
	db        Pinger
	rdb       *redis.Client
	sessions  LiveCounter
	startTime time.Time
	log       zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db Pinger, rdb *redis.Client, sessions LiveCounter, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		rdb:       rdb,
		sessions:  sessions,
		startTime: time.Now(),
		log:       log.With().Str("component", "health_handler").Logger(),
	}
}

type healthReport struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Uptime   string `json:"uptime"`

	LiveSessions int    `json:"live_sessions"`
	QueueAnswers int64  `json:"queue_answers"`
	DeadAnswers  int64  `json:"dead_answers"`
	Goroutines   int    `json:"goroutines"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	GoVersion    string `json:"go_version"`
}

// Health godoc
// GET /health
// Responds 503 when PostgreSQL or Redis cannot be reached.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:     "ok",
		Database:   "ok",
		Redis:      "ok",
		Uptime:     formatDuration(time.Since(h.startTime)),
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
	}
	if h.sessions != nil {
		report.LiveSessions = h.sessions.Len()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report.HeapAlloc = ms.HeapAlloc

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Database ping failed")
			report.Database = "down"
			report.Status = "degraded"
		}
	}

	// Ping and queue depth in one round trip.
	pipe := h.rdb.Pipeline()
	pingCmd := pipe.Ping(ctx)
	answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
	deadCmd := pipe.LLen(ctx, config.WorkerKey.DeadAnswersQueue)
	if _, err := pipe.Exec(ctx); err != nil || pingCmd.Err() != nil {
		h.log.Warn().Err(err).Msg("Redis ping failed")
		report.Redis = "down"
		report.Status = "degraded"
	} else {
		report.QueueAnswers, _ = answersCmd.Result()
		report.DeadAnswers, _ = deadCmd.Result()
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, report)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

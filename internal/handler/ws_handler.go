package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

// answerSyncTimeout bounds a sync started from the socket. Syncs outlive the
// connection so a dropped client does not roll back its own answers.
const answerSyncTimeout = 30 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live session over a WebSocket.
type WSHandler struct {
	sessions SessionRegistry
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions SessionRegistry, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:session_id/stream?token=...
// Upgrades to WebSocket for optimistic answers, navigation and submission.
func (h *WSHandler) SessionStream(c *gin.Context) {
	// Same checks as REST: missing claims, bad id and unknown sessions are
	// answered before the upgrade.
	rest := &SessionHandler{sessions: h.sessions, log: h.log}
	userID, sessionID, ok := rest.sessionParams(c)
	if !ok {
		return
	}
	e, err := h.sessions.Get(c.Request.Context(), sessionID, userID)
	if err != nil {
		fail(c, err)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	s := &stream{
		sessions:  h.sessions,
		engine:    e,
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		log: h.log.With().
			Str("user_id", userID).
			Str("session_id", sessionID).
			Str("request_id", response.RequestID(c)).
			Logger(),
	}
	s.run(c.Request.Context())
}

// stream is one connected client.
type stream struct {
	sessions  SessionRegistry
	engine    *engine.Engine
	conn      *ws.Conn
	userID    string
	sessionID string
	log       zerolog.Logger
	wg        sync.WaitGroup
}

func (s *stream) run(ctx context.Context) {
	unsubscribe := s.engine.OnProgress(func(p model.ProgressSnapshot) {
		s.write(ws.ProgressEvent{Event: ws.EventProgress, Progress: p})
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()

	s.log.Info().Msg("Student connected")
	if view, err := s.engine.View(); err == nil && view.Page != nil {
		s.write(ws.PageEvent{Event: ws.EventPage, Page: *view.Page})
	}
	s.write(ws.ProgressEvent{Event: ws.EventProgress, Progress: s.engine.Progress()})

	for {
		var msg ws.Request
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAnswer:
			s.handleAnswer(ctx, msg)
		case ws.ActionNext, ws.ActionPrevious, ws.ActionPage:
			// Navigation runs alongside reads so a newer request can supersede it.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handlePage(ctx, msg)
			}()
		case ws.ActionSubmit:
			if s.handleSubmit(ctx) {
				return
			}
		case ws.ActionPing:
			s.write(ws.PongResponse{Event: ws.EventPong})
		default:
			s.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			s.conn.WriteError(msg.Action, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
	}
}

func (s *stream) handleAnswer(ctx context.Context, msg ws.Request) {
	// Another instance may have closed the session since the stream opened.
	if _, err := s.sessions.Get(ctx, s.sessionID, s.userID); err != nil {
		s.writeError(msg.Action, err)
		return
	}

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), answerSyncTimeout)
	ch, err := s.engine.SetAnswer(syncCtx, msg.QuestionID, msg.OptionID)
	if err != nil {
		cancel()
		s.writeError(msg.Action, err)
		return
	}

	s.write(ws.AnswerEvent{Event: ws.EventSaved, QuestionID: msg.QuestionID, OptionID: msg.OptionID})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		res := <-ch
		switch {
		case res.Ok():
			s.write(ws.AnswerEvent{Event: ws.EventSynced, QuestionID: msg.QuestionID, OptionID: msg.OptionID})
		case res.RolledBack:
			restored, _ := s.engine.Answer(msg.QuestionID)
			s.write(ws.AnswerEvent{
				Event:      ws.EventRolledBack,
				QuestionID: msg.QuestionID,
				OptionID:   msg.OptionID,
				Restored:   restored,
			})
		default:
			s.writeError(msg.Action, res.Err)
		}
	}()
}

func (s *stream) handlePage(ctx context.Context, msg ws.Request) {
	var (
		page model.QuestionPage
		err  error
	)
	switch msg.Action {
	case ws.ActionNext:
		page, err = s.engine.Next(ctx)
	case ws.ActionPrevious:
		page, err = s.engine.Previous(ctx)
	default:
		page, err = s.engine.FetchPage(ctx, msg.Page, msg.Limit)
	}
	if errors.Is(err, engine.ErrSuperseded) || ctx.Err() != nil {
		return
	}
	if err != nil {
		s.writeError(msg.Action, err)
		return
	}
	s.write(ws.PageEvent{Event: ws.EventPage, Page: page})
}

// handleSubmit reports whether the session is closed and the stream should end.
func (s *stream) handleSubmit(ctx context.Context) bool {
	result, err := s.sessions.Submit(ctx, s.sessionID, s.userID)
	if err != nil {
		s.writeError(ws.ActionSubmit, err)
		return false
	}
	s.write(ws.SubmittedEvent{Event: ws.EventSubmitted, Result: result})
	s.log.Info().Int("answered", result.Answered).Msg("Session submitted over websocket")
	return true
}

func (s *stream) writeError(action ws.Action, err error) {
	_, code := classify(err)
	s.conn.WriteError(action, string(code), err.Error())
}

func (s *stream) write(v any) {
	if err := s.conn.WriteTyped(v); err != nil {
		s.log.Debug().Err(err).Msg("Write failed")
	}
}

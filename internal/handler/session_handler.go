package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/validator"
)

// SessionRegistry hands out the engine of a live session.
// *service.SessionService implements it.
type SessionRegistry interface {
	Start(ctx context.Context, testID, userID, gradeID string) (*engine.Engine, error)
	Get(ctx context.Context, sessionID, userID string) (*engine.Engine, error)
	Submit(ctx context.Context, sessionID, userID string) (*model.SubmissionResult, error)
	Abandon(ctx context.Context, sessionID, userID string) (*model.Session, error)
}

// SessionHandler handles the student test-taking endpoints.
type SessionHandler struct {
	sessions SessionRegistry
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionRegistry, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/student/tests/:test_id/sessions
// Checks access and starts a session, or returns the one already in progress.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID := c.Param("test_id")
	if testID == "" || len(testID) > 128 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	e, err := h.sessions.Start(c.Request.Context(), testID, claims.UserID, claims.GradeID)
	if err != nil {
		fail(c, err)
		return
	}

	view, err := e.View()
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, view)
}

// GetSession godoc
// GET /api/v1/student/sessions/:session_id
// Returns the full state of the attempt. Covers page reloads and reconnects.
func (h *SessionHandler) GetSession(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	view, err := e.View()
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// GetQuestions godoc
// GET /api/v1/student/sessions/:session_id/questions?page=&limit=
func (h *SessionHandler) GetQuestions(c *gin.Context) {
	var q model.PageQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	e, ok := h.engine(c)
	if !ok {
		return
	}
	page, err := e.FetchPage(c.Request.Context(), q.Page, q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// NextPage godoc
// POST /api/v1/student/sessions/:session_id/next
func (h *SessionHandler) NextPage(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	page, err := e.Next(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// PreviousPage godoc
// POST /api/v1/student/sessions/:session_id/previous
func (h *SessionHandler) PreviousPage(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	page, err := e.Previous(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// SetAnswer godoc
// PUT /api/v1/student/sessions/:session_id/answers
// Records an answer and waits for its sync. A failed sync is rolled back and
// reported as 503.
func (h *SessionHandler) SetAnswer(c *gin.Context) {
	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	e, ok := h.engine(c)
	if !ok {
		return
	}
	res, err := e.SetAnswerAndWait(c.Request.Context(), req.QuestionID, req.OptionID)
	if err != nil {
		if res.RolledBack {
			h.log.Warn().Err(err).Str("question_id", req.QuestionID).Msg("Answer rolled back")
		}
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"answer":   res.Answer,
		"progress": e.Progress(),
	})
}

// GetProgress godoc
// GET /api/v1/student/sessions/:session_id/progress
func (h *SessionHandler) GetProgress(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, e.Progress())
}

// Submit godoc
// POST /api/v1/student/sessions/:session_id/submit
// Posts every answer at once and closes the session.
func (h *SessionHandler) Submit(c *gin.Context) {
	userID, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}
	result, err := h.sessions.Submit(c.Request.Context(), sessionID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// Abandon godoc
// POST /api/v1/student/sessions/:session_id/abandon
func (h *SessionHandler) Abandon(c *gin.Context) {
	userID, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}
	closed, err := h.sessions.Abandon(c.Request.Context(), sessionID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": closed})
}

func (h *SessionHandler) engine(c *gin.Context) (*engine.Engine, bool) {
	userID, sessionID, ok := h.sessionParams(c)
	if !ok {
		return nil, false
	}
	e, err := h.sessions.Get(c.Request.Context(), sessionID, userID)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return e, true
}

// sessionParams returns the caller's user id and the :session_id parameter.
func (h *SessionHandler) sessionParams(c *gin.Context) (userID, sessionID string, ok bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return "", "", false
	}
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", "", false
	}
	return claims.UserID, id.String(), true
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/response"
)

// classify maps an engine or registry error onto an HTTP status and error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case engine.IsValidation(err):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, engine.ErrAccessDenied):
		return http.StatusForbidden, response.ErrAccessDenied
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, engine.ErrNoActiveSession):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, engine.ErrSessionActive), errors.Is(err, repository.ErrActiveSessionExists):
		return http.StatusConflict, response.ErrSessionActive
	case errors.Is(err, engine.ErrSessionExpired):
		return http.StatusGone, response.ErrSessionExpired
	case errors.Is(err, engine.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, engine.ErrSubmitInFlight):
		return http.StatusConflict, response.ErrSubmitInProgress
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, response.ErrInvalidTransition
	case errors.Is(err, engine.ErrSuperseded):
		return http.StatusConflict, response.ErrRequestSuperseded
	case engine.IsTransient(err):
		return http.StatusServiceUnavailable, response.ErrUpstreamUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// fail writes err as an error envelope. Validation errors carry their field.
func fail(c *gin.Context, err error) {
	status, code := classify(err)

	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		response.FailWithFields(c, status, code, map[string]string{ve.Field: ve.Reason})
		return
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	response.Fail(c, status, code)
}

package handler

import (
	"errors"
	"net/http"

	"parable-server/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Коды ошибок API.
const (
	codeBadRequest     = "bad_request"
	codeUnauthorized   = "unauthorized"
	codeNotFound       = "not_found"
	codeTurnInProgress = "turn_in_progress"
	codeCompleted      = "session_completed"
	codeNarrationBusy  = "narration_busy"
	codeNotConfigured  = "provider_not_configured"
	codeInternal       = "internal_error"
)

// ErrorResponse - стандартный ответ об ошибке.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var status int
	var resp ErrorResponse

	switch {
	case errors.Is(err, models.ErrInvalidInput):
		status = http.StatusBadRequest
		resp = ErrorResponse{Code: codeBadRequest, Message: err.Error()}
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
		resp = ErrorResponse{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, models.ErrTurnInProgress):
		status = http.StatusConflict
		resp = ErrorResponse{Code: codeTurnInProgress, Message: "A turn is already in progress"}
	case errors.Is(err, models.ErrSessionCompleted):
		status = http.StatusConflict
		resp = ErrorResponse{Code: codeCompleted, Message: "The story is complete"}
	case errors.Is(err, models.ErrNarrationBusy):
		status = http.StatusConflict
		resp = ErrorResponse{Code: codeNarrationBusy, Message: "Narration is not in a state that allows this"}
	case errors.Is(err, models.ErrProviderNotConfigured):
		status = http.StatusServiceUnavailable
		resp = ErrorResponse{Code: codeNotConfigured, Message: err.Error()}
	default:
		h.logger.Error("Unhandled internal error", zap.Error(err))
		status = http.StatusInternalServerError
		resp = ErrorResponse{Code: codeInternal, Message: "An unexpected internal error occurred"}
	}
	c.AbortWithStatusJSON(status, resp)
}

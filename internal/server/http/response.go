package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"maestro/internal/engine"
	apperrors "maestro/internal/errors"
	"maestro/internal/hitl"
	"maestro/internal/store"
)

// APIResponse is the envelope every non-streaming endpoint returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, APIResponse{Success: false, Error: msg})
}

// respondFailure maps domain errors onto HTTP statuses. User-facing messages
// come from the taxonomy types; raw internals stay in the server log.
func respondFailure(c *gin.Context, err error) {
	status := statusFor(err)
	msg := apperrors.UserMessage(err)
	if status == http.StatusNotFound || status == http.StatusConflict {
		// Sentinel errors are already user-safe.
		msg = err.Error()
	}
	c.JSON(status, APIResponse{Success: false, Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownWorkflow),
		errors.Is(err, store.ErrCheckpointNotFound),
		errors.Is(err, hitl.ErrNotPending):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrSessionBusy):
		return http.StatusConflict
	case apperrors.IsIntegrity(err):
		return http.StatusUnprocessableEntity
	case apperrors.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case apperrors.IsPermanent(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

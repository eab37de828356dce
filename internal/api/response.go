package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

// Response is the envelope every JSON endpoint returns.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type badRequestError struct {
	msg string
}

func (e badRequestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return badRequestError{msg: msg}
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Code: 0, Message: "ok", Data: data})
}

func success(c *gin.Context, data any) {
	respond(c, http.StatusOK, data)
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, Response{Code: status, Message: err.Error()})
}

func statusFor(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad), errors.Is(err, contracts.ErrFeedbackRequired):
		return http.StatusBadRequest
	case errors.Is(err, contracts.ErrTaskNotFound),
		errors.Is(err, contracts.ErrExecutionNotFound),
		errors.Is(err, contracts.ErrNoRunningExecution):
		return http.StatusNotFound
	case errors.Is(err, contracts.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, contracts.ErrNotEligible),
		errors.Is(err, contracts.ErrInvalidTransition),
		errors.Is(err, contracts.ErrStatusConflict),
		errors.Is(err, contracts.ErrAlreadyRunning),
		errors.Is(err, contracts.ErrTaskWorking),
		errors.Is(err, contracts.ErrTaskNotArchived):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var errStreamUnavailable = badRequest("live updates are not configured")

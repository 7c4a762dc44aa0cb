package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"funnelbot/internal/contact"
	"funnelbot/internal/engage"
	"funnelbot/internal/funnel"
	"funnelbot/internal/sendqueue"
)

// statusOf maps domain errors onto HTTP status codes. Unknown errors get
// fallback.
func statusOf(err error, fallback int) int {
	var denied *engage.DeniedError
	switch {
	case errors.As(err, &denied):
		return http.StatusTooManyRequests
	case errors.Is(err, contact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sendqueue.ErrBlocked),
		errors.Is(err, sendqueue.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, contact.ErrEmptyHandle),
		errors.Is(err, contact.ErrInvalidStage),
		errors.Is(err, contact.ErrNegativeStep),
		errors.Is(err, sendqueue.ErrEmptyText),
		errors.Is(err, funnel.ErrPastInstant),
		errors.Is(err, engage.ErrInvalidSettings),
		errors.Is(err, engage.ErrUnknownQuote):
		return http.StatusBadRequest
	case errors.Is(err, funnel.ErrEmptyMessage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, sendqueue.ErrCancelled):
		return http.StatusConflict
	default:
		return fallback
	}
}

func fail(c *gin.Context, err error) { failWith(c, err, http.StatusInternalServerError) }

// failSend reports channel failures as 502.
func failSend(c *gin.Context, err error) { failWith(c, err, http.StatusBadGateway) }

func failWith(c *gin.Context, err error, fallback int) {
	status := statusOf(err, fallback)
	body := gin.H{"error": err.Error()}
	var denied *engage.DeniedError
	if errors.As(err, &denied) {
		body["reason"] = denied.Reason
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}

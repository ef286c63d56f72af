package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/tradeloop-engine/internal/dispatch"
	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Uniform error envelope: every failure body is {"error": {code, message,
// details?, timestamp, requestId}}. Handlers map sentinel errors from the
// inner packages here instead of inventing statuses inline.

const (
	codeUnauthorized  = "UNAUTHORIZED"
	codeForbidden     = "FORBIDDEN"
	codeInvalidInput  = "INVALID_INPUT"
	codeNotFound      = "NOT_FOUND"
	codeTooManyAssets = "TOO_MANY_ASSETS"
	codeTooManyWants  = "TOO_MANY_WANTS"
	codeRateLimited   = "RATE_LIMIT_EXCEEDED"
	codeBusy          = "ENGINE_BUSY"
	codeTimeout       = "DISCOVERY_TIMEOUT"
	codeInternal      = "INTERNAL_ERROR"
)

const requestIDKey = "requestId"

// RequestID tags every request with a uuid echoed in error envelopes and
// the X-Request-Id response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func respondError(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, gin.H{"error": models.ErrorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString(requestIDKey),
	}})
}

// respondRateLimited adds the retryAfter hint the envelope alone cannot
// carry. Used for both quota exhaustion and queue backpressure, which
// differ only by code. retryAfter is always reported as at least one
// second.
func respondRateLimited(c *gin.Context, code, message string, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": models.ErrorBody{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString(requestIDKey),
		},
		"retryAfter": secs,
	})
}

// mapError translates inner-package sentinel errors to HTTP statuses.
func mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, graph.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, codeInvalidInput, "invalid request", err.Error())
	case errors.Is(err, graph.ErrTooManyAssets):
		respondError(c, http.StatusBadRequest, codeTooManyAssets, "per-wallet asset cap exceeded", err.Error())
	case errors.Is(err, graph.ErrTooManyWants):
		respondError(c, http.StatusBadRequest, codeTooManyWants, "per-wallet want cap exceeded", err.Error())
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		respondError(c, http.StatusNotFound, codeNotFound, "not found", err.Error())
	case errors.Is(err, tenant.ErrUnauthorized):
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "invalid api key", "")
	case errors.Is(err, dispatch.ErrBusy):
		respondRateLimited(c, codeBusy, "engine busy, retry shortly", time.Second)
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, codeTimeout, "discovery timed out", "")
	default:
		// Raw error text stays out of production responses; the request
		// id is enough to correlate with logs.
		details := err.Error()
		if gin.Mode() == gin.ReleaseMode {
			details = ""
		}
		respondError(c, http.StatusInternalServerError, codeInternal, "internal error", details)
	}
}

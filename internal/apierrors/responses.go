package apierrors

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitError represents a standardized 429 Too Many Requests response.
type RateLimitError struct {
	Error    string    `json:"error"`
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	ResetsAt time.Time `json:"resets_at"`
	// RetryAfterSeconds mirrors the Retry-After header for clients that
	// cannot read response headers.
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// AbortWithValidation sends a 400 response and aborts the request.
func AbortWithValidation(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, New(message, details))
}

// AbortWithUnauthorized sends a 401 response and aborts the request.
func AbortWithUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, New(message, nil))
}

// AbortWithForbidden sends a 403 response and aborts the request.
func AbortWithForbidden(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusForbidden, New(message, nil))
}

// AbortWithNotFound sends a 404 response and aborts the request.
func AbortWithNotFound(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusNotFound, New(message, nil))
}

// AbortWithConflict sends a 409 response and aborts the request.
func AbortWithConflict(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusConflict, New(message, nil))
}

// AbortWithRateLimit sends a 429 response with a Retry-After header and
// aborts the request.
func AbortWithRateLimit(c *gin.Context, err *RateLimitError) {
	if err.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, err)
}

// AbortWithQuota sends a 429 response for daily quota exhaustion.
func AbortWithQuota(c *gin.Context, resetsAt time.Time) {
	retryAfter := int(time.Until(resetsAt).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	AbortWithRateLimit(c, &RateLimitError{
		Error:             "Daily usage quota exceeded",
		ResetsAt:          resetsAt,
		RetryAfterSeconds: retryAfter,
	})
}

// AbortWithInternal sends a 500 response and aborts the request.
func AbortWithInternal(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, New(message, nil))
}

// AbortWithUnavailable sends a 503 response and aborts the request.
func AbortWithUnavailable(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, New(message, nil))
}

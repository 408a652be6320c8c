package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// IPMiddleware applies the global per-address window before any routing or
// auth work happens. Health and metrics endpoints stay reachable for
// probes. Every response carries the X-RateLimit headers so clients can
// pace themselves before hitting the limit.
func IPMiddleware(l *Limiter, window time.Duration, max int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		d := l.CheckRequest(c.Request.Context(), "ip:"+c.ClientIP(), window, max)
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Total))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

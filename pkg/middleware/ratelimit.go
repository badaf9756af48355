package middleware

import (
	"strconv"

	"veogen-credits/pkg/errutil"
	"veogen-credits/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// RateLimit rejects requests once the caller's token bucket is drained.
// keyFn picks the bucket key; nil means one bucket per client IP.
func RateLimit(l *ratelimit.Limiter, keyFn func(*gin.Context) string) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		key := keyFn(c)
		if l.Allow(key) {
			c.Next()
			return
		}

		if wait := l.RetryAfter(key); wait > 0 {
			secs := int(wait.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
		}

		err := errutil.TooManyRequest("rate limit exceeded", nil).(errutil.BaseError)
		c.AbortWithStatusJSON(err.Code.HTTPStatus(), err.JSON())
	}
}

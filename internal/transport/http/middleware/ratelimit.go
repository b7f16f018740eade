package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"promptly/internal/apperr"
	"promptly/internal/transport/http/response"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RateLimit keys requests by caller id when AuthJWT ran first, otherwise by
// client IP. Limiter failures let the request through.
func RateLimit(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if id, ok := CallerID(c); ok {
			key = "user:" + strconv.FormatUint(uint64(id), 10)
		}

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.APIResponse{
				Code:    response.CodeTooManyRequests,
				Message: "rate limit exceeded",
				Retry:   apperr.ClassRetryLater,
			})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragdesk/internal/app"
	"ragdesk/internal/ratelimit"
	"ragdesk/internal/transport/http/response"
)

// RateLimit caps requests per authenticated user in fixed windows. It must
// run after AuthJWT. Limiter errors let the request through.
func RateLimit(limiter ratelimit.Limiter, class string, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limit <= 0 {
			c.Next()
			return
		}
		userID := UserID(c)
		decision, err := limiter.Allow(c.Request.Context(), class+":"+userID, limit, window)
		if err != nil {
			log.Warn("rate limiter unavailable", zap.String("class", class), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.Error(c, http.StatusTooManyRequests, app.KindRateLimited,
				fmt.Sprintf("%s rate limit of %d per %s exceeded", class, limit, window))
			return
		}
		c.Next()
	}
}

package middleware

import (
	"context"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/infrastructure/ratelimit"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

// RateLimiter takes one request from the budget of key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

// RateLimit throttles each caller: the basic-auth user when one is set,
// otherwise the client IP. Limiter failures let the request through.
func RateLimit(limiter RateLimiter, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if user := c.GetString(gin.AuthUserKey); user != "" {
			key = "user:" + user
		}

		res, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Warn(c.Request.Context(), "rate limiter unavailable, allowing request",
				logger.String("key", key), logger.Err(err))
			c.Next()
			return
		}

		c.Header(constants.HeaderRateLimitLimit, strconv.FormatInt(res.Limit, 10))
		c.Header(constants.HeaderRateLimitRemaining, strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			appErr := errors.RateLimited(res.RetryAfter)
			c.Header(constants.HeaderRetryAfter, strconv.FormatInt(int64(math.Ceil(res.RetryAfter.Seconds())), 10))
			_ = c.Error(appErr)
			c.AbortWithStatusJSON(appErr.HTTPStatus(), dto.ErrorResponse(appErr, c.GetString(string(traceIDKey))))
			return
		}
		c.Next()
	}
}

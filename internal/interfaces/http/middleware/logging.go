package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/keystore/pkg/logger"
)

// Logging logs one line per request. 5xx responses log at error level,
// 4xx at warn and everything else at info.
func Logging(log logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", status),
			logger.Int64("latency_ms", time.Since(start).Milliseconds()),
			logger.String("client_ip", c.ClientIP()),
		}
		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			var err error
			if last := c.Errors.Last(); last != nil {
				err = last.Err
			}
			log.Error(ctx, "request failed", err, fields...)
		case status >= http.StatusBadRequest:
			if last := c.Errors.Last(); last != nil {
				fields = append(fields, logger.Err(last.Err))
			}
			log.Warn(ctx, "request rejected", fields...)
		default:
			log.Info(ctx, "request processed", fields...)
		}
	}
}

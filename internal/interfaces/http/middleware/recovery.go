package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

// Recovery converts a handler panic into a 500 APIResponse.
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := errors.Internal(fmt.Errorf("panic: %v", r))
				log.Error(c.Request.Context(), "panic recovered", err, logger.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, dto.ErrorResponse(err, c.GetString(string(traceIDKey))))
			}
		}()
		c.Next()
	}
}

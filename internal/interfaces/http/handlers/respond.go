// Package handlers implements the HTTP endpoints of the keystore API.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
)

func traceID(c *gin.Context) string {
	return c.GetString(string(constants.ContextKeyTraceID))
}

func sendSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, dto.SuccessResponse(data, traceID(c)))
}

// sendError renders err as an APIResponse with the status of its kind and
// attaches it to the gin context for the logging middleware.
func sendError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(errors.HTTPStatusOf(err), dto.ErrorResponse(err, traceID(c)))
}

// queryParams flattens the URL query to its first value per key.
func queryParams(c *gin.Context) map[string]string {
	values := c.Request.URL.Query()
	params := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

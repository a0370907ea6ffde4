package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/keystore/pkg/constants"
)

// BasicAuth guards the management API with HTTP basic credentials. The
// authenticated user name is stored on the request context so lifecycle
// audit events can name their actor. With no accounts every request passes.
func BasicAuth(accounts map[string]string) gin.HandlerFunc {
	if len(accounts) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	check := gin.BasicAuth(gin.Accounts(accounts))
	return func(c *gin.Context) {
		check(c)
		if c.IsAborted() {
			return
		}
		user := c.GetString(gin.AuthUserKey)
		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyUser, user)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

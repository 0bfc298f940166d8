package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

// SessionData is the payload stored in Redis under the opaque session
// token, written at login and read back on every request.
type SessionData struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// SessionMiddleware resolves the opaque session token header against the
// Redis session store. Absent token passes through; a token that does not
// resolve is rejected.
func SessionMiddleware(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		var session SessionData
		exists, err := config.GetRedisObject(c.Request.Context(), rdb, "Token:"+token, &session)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, session.Username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

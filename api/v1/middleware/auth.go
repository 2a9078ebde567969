package middleware

import (
	"strings"

	"porter/internal/httpx"

	"github.com/gin-gonic/gin"
)

// GitHubTokenKey is the context key holding the caller's GitHub token
const GitHubTokenKey = "github_token"

// GitHubTokenRequired extracts the Bearer GitHub token the caller acts with
func GitHubTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httpx.FailErr(c, httpx.ErrUnauthorized("missing authorization header"))
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httpx.FailErr(c, httpx.ErrUnauthorized("invalid authorization header format"))
			c.Abort()
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			httpx.FailErr(c, httpx.ErrInvalidToken("empty token"))
			c.Abort()
			return
		}

		c.Set(GitHubTokenKey, token)
		c.Next()
	}
}

// GitHubToken returns the token stored by GitHubTokenRequired
func GitHubToken(c *gin.Context) string {
	return c.GetString(GitHubTokenKey)
}

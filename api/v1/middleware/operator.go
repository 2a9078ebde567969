package middleware

import (
	"porter/internal/github"
	"porter/internal/httpx"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GitHubLoginKey is the context key holding the verified caller login
const GitHubLoginKey = "github_login"

// OperatorChecker decides whether a verified login may spend compute
type OperatorChecker func(login string) bool

// OperatorRequired verifies the caller's GitHub token and admits only
// operators. It must run after GitHubTokenRequired.
func OperatorRequired(identity github.Identifier, isOperator OperatorChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity == nil || isOperator == nil {
			httpx.FailErr(c, httpx.ErrForbidden("no operators are configured"))
			c.Abort()
			return
		}

		login, err := identity.Login(c.Request.Context(), GitHubToken(c))
		if err != nil {
			if github.IsUnauthorized(err) {
				httpx.FailErr(c, httpx.ErrInvalidToken("GitHub rejected the token"))
			} else {
				logrus.WithError(err).Warn("Failed to resolve caller login")
				httpx.FailErr(c, httpx.ErrExternalError("failed to verify GitHub token", err))
			}
			c.Abort()
			return
		}

		if !isOperator(login) {
			logrus.WithField("login", login).Warn("Non-operator denied")
			httpx.FailErr(c, httpx.ErrForbidden("caller is not a porter operator"))
			c.Abort()
			return
		}

		c.Set(GitHubLoginKey, login)
		c.Next()
	}
}

// GitHubLogin returns the login stored by OperatorRequired
func GitHubLogin(c *gin.Context) string {
	return c.GetString(GitHubLoginKey)
}

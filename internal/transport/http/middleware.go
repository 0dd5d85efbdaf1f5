package httptransport

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dyzen-server-go/internal/domain/auth"
)

// ClaimsKey is the gin context key holding verified token claims.
const ClaimsKey = "auth_claims"

// BearerAuth requires a valid bearer token granting scope.
func BearerAuth(tokens *auth.AuthToken, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			RespondError(c, http.StatusUnauthorized, "missing bearer token", nil)
			c.Abort()
			return
		}

		claims, err := tokens.VerifyToken(strings.TrimSpace(raw))
		if err != nil {
			RespondError(c, http.StatusUnauthorized, "invalid token", nil)
			c.Abort()
			return
		}
		if scope != "" && !claims.Allows(scope) {
			RespondError(c, http.StatusForbidden, "token does not grant "+scope, nil)
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

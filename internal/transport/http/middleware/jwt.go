package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ragdesk/internal/app"
	"ragdesk/internal/pkg/jwtutil"
	"ragdesk/internal/transport/http/response"
)

const (
	ContextUserIDKey = "user_id"
	ContextClaimsKey = "claims"
)

func AuthJWT(verifier *jwtutil.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, http.StatusUnauthorized, app.KindAuth, "missing authorization header")
			return
		}

		const prefix = "Bearer "
		if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
			response.Error(c, http.StatusUnauthorized, app.KindAuth, "invalid authorization scheme")
			return
		}

		token := strings.TrimSpace(authHeader[len(prefix):])
		claims, err := verifier.Parse(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, app.KindAuth, "invalid or expired token")
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// UserID returns the authenticated subject, or "" outside AuthJWT.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}

func Claims(c *gin.Context) (*jwtutil.Claims, bool) {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwtutil.Claims)
	return claims, ok
}

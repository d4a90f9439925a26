package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/concord-im/concord/internal/v1/auth"
	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/types"
)

// ClaimsKey is the gin context key carrying the verified *auth.Claims.
const ClaimsKey = "claims"

// RequireAuth validates the bearer token and stores the claims for downstream
// handlers. Requests without a valid token are rejected.
func RequireAuth(validator types.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerFromRequest(c.Request)
		if err != nil {
			errs.AbortWith(c, err)
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			errs.AbortWith(c, err)
			return
		}

		c.Set(ClaimsKey, claims)
		ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireRole rejects authenticated requests whose token lacks the role.
// Must run after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFrom(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required", "code": "missing_token",
			})
			return
		}
		if !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "insufficient permissions", "code": "forbidden",
			})
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the verified claims set by RequireAuth, or nil.
func ClaimsFrom(c *gin.Context) *auth.Claims {
	v, exists := c.Get(ClaimsKey)
	if !exists {
		return nil
	}
	claims, ok := v.(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}

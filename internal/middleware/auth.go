package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/auth"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

const (
	userIDKey   = "user_id"
	identityKey = "identity"
)

// IdentityResolver turns a token principal into an identity
type IdentityResolver interface {
	Resolve(ctx context.Context, principal string) (*auth.Identity, error)
}

// RequireAuth validates the bearer token and stores the resolved identity
// in the context. The token may also come from the access_token query
// parameter, which browsers need for EventSource and WebSocket.
func RequireAuth(tokens *auth.JWTService, identities IdentityResolver, logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger).Named("auth")
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			token = c.Query("access_token")
		}
		if token == "" {
			Abort(c, http.StatusUnauthorized, "AUTH_HEADER_MISSING", "authorization header is required")
			return
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			code := "TOKEN_VALIDATION_FAILED"
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				code = "TOKEN_EXPIRED"
			case errors.Is(err, auth.ErrInvalidToken):
				code = "INVALID_TOKEN"
			}
			Abort(c, http.StatusUnauthorized, code, err.Error())
			return
		}

		identity, err := identities.Resolve(c.Request.Context(), claims.Principal())
		if err != nil {
			logger.Error("resolve identity", zap.String("principal", claims.Principal()), zap.Error(err))
			Abort(c, http.StatusInternalServerError, "IDENTITY_UNAVAILABLE", "could not resolve identity")
			return
		}

		c.Set(userIDKey, identity.ID)
		c.Set(identityKey, identity)
		c.Next()
	}
}

// UserID returns the authenticated user's id
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// IdentityFrom returns the authenticated identity, nil when absent
func IdentityFrom(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	ident, _ := v.(*auth.Identity)
	return ident
}

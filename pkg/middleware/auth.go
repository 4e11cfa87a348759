package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/messenger-client/pkg/jwt"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/response"
)

const (
	UserIDKey = "user_id"
	TokenKey  = "access_token"
)

// TokenSource yields the stored bearer token, empty when logged out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AuthMiddleware gates routes on a stored credential.
type AuthMiddleware struct {
	tokens TokenSource
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(tokens TokenSource) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// RequireAuth aborts with 401 unless an unexpired token is stored. The token
// and its subject are placed in the gin context. The signature is not
// checked here; the server rejects a forged token on first use.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := m.tokens.Token(c.Request.Context())
		if err != nil {
			response.Error(c, http.StatusServiceUnavailable, "UNAVAILABLE", "credential store unavailable")
			c.Abort()
			return
		}
		if token == "" {
			response.Unauthorized(c, "not logged in")
			c.Abort()
			return
		}

		var sub string
		claims, err := jwt.Validate(token, time.Now())
		switch {
		case errors.Is(err, jwt.ErrExpiredToken):
			response.Unauthorized(c, "session expired")
			c.Abort()
			return
		case err == nil:
			sub = claims.Subject
		}
		c.Set(TokenKey, token)
		c.Set(UserIDKey, sub)

		c.Next()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	if id, exists := c.Get(UserIDKey); exists {
		return id.(string)
	}
	return ""
}

// GetToken extracts the bearer token from Gin context.
func GetToken(c *gin.Context) string {
	if tok, exists := c.Get(TokenKey); exists {
		return tok.(string)
	}
	return ""
}

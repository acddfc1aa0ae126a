package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

const (
	ctxKeyUserID  = "user_id"
	ctxKeyIsAdmin = "is_admin"
)

// AuthMiddleware verifies the HMAC session token from the Authorization
// header and stores user_id / is_admin on the request context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing bearer token"))
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(cfg.Auth.Secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid token"))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid claims"))
			return
		}
		userID, _ := claims[ctxKeyUserID].(string)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, "token names no user"))
			return
		}
		isAdmin, _ := claims[ctxKeyIsAdmin].(bool)

		c.Set(ctxKeyUserID, userID)
		c.Set(ctxKeyIsAdmin, isAdmin)
		ctx := context.WithValue(c.Request.Context(), ctxKeyUserID, userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin aborts requests whose session lacks the admin claim. Must run
// after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxKeyIsAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, response.ErrorT[any](response.APIResponseCodeBadRequest, "admin only"))
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id set by AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// IsAdmin reports whether the session carries the admin claim.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ctxKeyIsAdmin)
}

// SignToken issues a session token. Exposed for tests and internal tooling.
func SignToken(secret, userID string, isAdmin bool) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		ctxKeyUserID:  userID,
		ctxKeyIsAdmin: isAdmin,
	})
	return token.SignedString([]byte(secret))
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

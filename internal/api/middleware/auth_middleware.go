package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cvfolio/internal/auth"
)

// 上下文键。
const (
	UserIDKey             = "userID"
	RoleKey               = "role"
	MustChangePasswordKey = "mustChangePassword"
)

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// TokenValidator 校验访问令牌。
type TokenValidator interface {
	ValidateToken(token string) (*auth.TokenClaims, error)
}

// AuthMiddleware 校验访问令牌并将 userID、role 注入上下文。
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, validator)
		if !ok {
			abortUnauthorized(c)
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		c.Set(MustChangePasswordKey, claims.MustChangePassword)
		c.Next()
	}
}

// OptionalAuthMiddleware 有合法令牌时注入用户信息，没有时放行（访客接口使用）。
func OptionalAuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, ok := bearerClaims(c, validator); ok {
			c.Set(UserIDKey, claims.UserID)
			c.Set(RoleKey, claims.Role)
		}
		c.Next()
	}
}

func bearerClaims(c *gin.Context, validator TokenValidator) (*auth.TokenClaims, bool) {
	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, false
	}
	claims, err := validator.ValidateToken(parts[1])
	if err != nil || claims.TokenType != auth.TokenTypeAccess {
		return nil, false
	}
	return claims, true
}

// RequireRole 要求访问令牌带有指定角色，必须挂在 AuthMiddleware 之后。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(RoleKey) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

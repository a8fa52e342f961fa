package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	apperrors "github.com/yashrajoria/commerce-webhooks/services/common/errors"
)

const (
	AdminRole   = "admin"
	SubjectKey  = "adminSubject"
	bearerToken = "Bearer "
)

// ParseAdminToken validates an HS256 token signed with secret and requires
// role=admin.
func ParseAdminToken(tokenStr string, secret []byte) (jwt.MapClaims, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("admin JWT secret not configured")
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, fmt.Errorf("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if role, _ := claims["role"].(string); role != AdminRole {
		return nil, fmt.Errorf("token is not an admin token")
	}
	return claims, nil
}

// AdminAuth guards the admin endpoints. Any failure is a 401.
func AdminAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerToken) {
			c.AbortWithStatusJSON(apperrors.ErrUnauthorized.Code, apperrors.ErrUnauthorized)
			return
		}
		claims, err := ParseAdminToken(strings.TrimSpace(strings.TrimPrefix(header, bearerToken)), key)
		if err != nil {
			_ = c.Error(apperrors.ErrUnauthorized.Wrap(err))
			c.AbortWithStatusJSON(apperrors.ErrUnauthorized.Code, apperrors.ErrUnauthorized)
			return
		}
		if sub, ok := claims["sub"].(string); ok {
			c.Set(SubjectKey, sub)
		}
		c.Next()
	}
}

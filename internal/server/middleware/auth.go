package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const actorKey = "actor"

// Claims represents the JWT claims. The subject claim carries the actor ID.
type Claims struct {
	Role folio.Role `json:"role"`
	Org  string     `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// Actor returns the identity the claims describe.
func (c *Claims) Actor() folio.Actor {
	return folio.Actor{ID: c.Subject, Role: c.Role, OrgID: c.Org}
}

// GenerateToken issues a signed token for actor.
func GenerateToken(actor folio.Actor, cfg *config.AuthConfig) (string, time.Time, error) {
	if err := actor.Validate(); err != nil {
		return "", time.Time{}, err
	}
	if cfg.JWTSecret == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is not configured")
	}
	now := time.Now()
	expiresAt := now.Add(time.Duration(cfg.TokenExpireHours) * time.Hour)

	claims := Claims{
		Role: actor.Role,
		Org:  actor.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ParseToken verifies a token and returns its claims.
func ParseToken(tokenString string, cfg *config.AuthConfig) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if err := claims.Actor().Validate(); err != nil {
		return nil, err
	}
	return claims, nil
}

// AuthMiddleware validates the bearer token and stores the actor it names.
func AuthMiddleware(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}

		claims, err := ParseToken(parts[1], cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		actor := claims.Actor()
		c.Set(actorKey, actor)
		ctx := context.WithValue(c.Request.Context(), logger.ActorKey, actor.ID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetActor gets the authenticated actor from context
func GetActor(c *gin.Context) (folio.Actor, bool) {
	if v, exists := c.Get(actorKey); exists {
		actor, ok := v.(folio.Actor)
		return actor, ok
	}
	return folio.Actor{}, false
}

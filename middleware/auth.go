package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/config"
)

const (
	PlayerIDKey   = "player_id"
	PlayerNameKey = "player_name"
)

const revocationTimeout = 2 * time.Second

func revokedKey(tokenID string) string { return "token_revoked:" + tokenID }

// Auth validates the Bearer JWT and rejects revoked tokens. A nil cache
// skips the revocation check.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := ParseToken(strings.TrimPrefix(header, "Bearer "), sec.JWTSecret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if Revoked(ctx.Request.Context(), c, claims) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token revoked"})
			return
		}

		ctx.Set(PlayerIDKey, claims.Subject)
		ctx.Set(PlayerNameKey, claims.Name)
		ctx.Next()
	}
}

// Revoked reports whether claims were revoked. A cache failure counts as
// revoked; a nil cache or a token without an id never does.
func Revoked(ctx context.Context, c cache.Cache, claims *Claims) bool {
	if c == nil || claims.ID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, revocationTimeout)
	defer cancel()
	revoked, err := c.Exists(ctx, revokedKey(claims.ID))
	return err != nil || revoked
}

// Revoke blocks a token until it would have expired anyway.
func Revoke(ctx context.Context, c cache.Cache, claims *Claims) error {
	ttl := time.Hour
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	return c.Set(ctx, revokedKey(claims.ID), claims.Subject, ttl)
}

// GetPlayerID retrieves the authenticated player id from the Gin context.
func GetPlayerID(c *gin.Context) string {
	if v, exists := c.Get(PlayerIDKey); exists {
		return v.(string)
	}
	return ""
}

// GetPlayerName retrieves the display name carried by the token.
func GetPlayerName(c *gin.Context) string {
	if v, exists := c.Get(PlayerNameKey); exists {
		return v.(string)
	}
	return ""
}

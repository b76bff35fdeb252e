package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/config"
	"github.com/kasuganosora/questforge/engine"
	"github.com/kasuganosora/questforge/game/quest"
	mw "github.com/kasuganosora/questforge/middleware"
	"go.uber.org/zap"
)

const keepalive = 30 * time.Second

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub cache.PubSub
	sec    config.SecurityConfig
	c      cache.Cache
	logger *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, sec: sec, logger: logger}
}

// ServeSSE handles GET /sse[?token=<jwt>].
// Anonymous clients receive shared quest events; a valid player token adds
// that player's personal events. Events addressed to other players are
// never sent.
func (h *Handler) ServeSSE(c *gin.Context) {
	playerID := ""
	if tokenStr := c.Query("token"); tokenStr != "" {
		claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if mw.Revoked(c.Request.Context(), h.c, claims) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token revoked"})
			return
		}
		playerID = claims.PlayerID()
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, engine.NotifyChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"player_id\":%q}\n\n", playerID)
	c.Writer.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			kind, deliver := route(msg.Payload, playerID)
			if !deliver {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", kind, msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// route decides whether a notification goes to a subscriber and names its
// SSE event.
func route(payload, playerID string) (string, bool) {
	var ev quest.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Kind == "" {
		return "", false
	}
	if ev.Tier == quest.TierShared || ev.Player == "" {
		return ev.Kind, true
	}
	return ev.Kind, ev.Player == playerID
}

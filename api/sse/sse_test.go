package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/config"
	"github.com/kasuganosora/questforge/engine"
	"github.com/kasuganosora/questforge/game/quest"
	mw "github.com/kasuganosora/questforge/middleware"
	"github.com/kasuganosora/questforge/plugin/hook"
	"github.com/kasuganosora/questforge/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func payload(t *testing.T, ev quest.Event) string {
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return string(b)
}

func TestRoute(t *testing.T) {
	shared := payload(t, quest.Event{Kind: hook.OnSharedMilestone, Player: "a", Tier: quest.TierShared})
	mine := payload(t, quest.Event{Kind: hook.OnQuestComplete, Player: "me", Tier: quest.TierDaily})

	kind, ok := route(shared, "")
	assert.True(t, ok)
	assert.Equal(t, hook.OnSharedMilestone, kind)

	_, ok = route(mine, "")
	assert.False(t, ok)
	_, ok = route(mine, "other")
	assert.False(t, ok)
	_, ok = route(mine, "me")
	assert.True(t, ok)

	_, ok = route("not json", "me")
	assert.False(t, ok)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && name != "":
			return name, data
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServeSSE_FiltersByPlayer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, ps := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "secret"}
	h := NewHandler(ps, c, sec, zap.NewNop())

	r := gin.New()
	r.GET("/sse", h.ServeSSE)
	srv := httptest.NewServer(r)
	defer srv.Close()

	tok, err := mw.GenerateToken("me", "", "secret", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse?token="+tok, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	br := bufio.NewReader(resp.Body)
	name, data := readEvent(t, br)
	assert.Equal(t, "connected", name)
	assert.Contains(t, data, `"me"`)

	pub := func(ev quest.Event) {
		require.NoError(t, ps.Publish(ctx, engine.NotifyChannel, payload(t, ev)))
	}
	pub(quest.Event{Kind: hook.OnQuestComplete, Player: "other", Tier: quest.TierDaily})
	pub(quest.Event{Kind: hook.OnQuestProgress, Player: "me", Tier: quest.TierDaily, Percent: 40})
	pub(quest.Event{Kind: hook.OnSharedComplete, Tier: quest.TierShared})

	name, data = readEvent(t, br)
	assert.Equal(t, hook.OnQuestProgress, name)
	assert.Contains(t, data, `"percent":40`)
	name, _ = readEvent(t, br)
	assert.Equal(t, hook.OnSharedComplete, name)
}

func TestServeSSE_BadToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, ps := testutil.SetupTestCache(t)
	h := NewHandler(ps, c, config.SecurityConfig{JWTSecret: "secret"}, zap.NewNop())
	r := gin.New()
	r.GET("/sse", h.ServeSSE)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sse?token=bad", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

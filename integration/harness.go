package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/questforge/api/rest"
	"github.com/kasuganosora/questforge/api/sse"
	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/config"
	"github.com/kasuganosora/questforge/engine"
	mw "github.com/kasuganosora/questforge/middleware"
	"github.com/kasuganosora/questforge/resource"
	"github.com/kasuganosora/questforge/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	adminKey     = "integration-admin-key"
	catalogPath  = "../data/quests.yml"
	shopPath     = "../data/shop.yml"
	streamWindow = 5 * time.Second
)

// TestServer wraps a real HTTP server with the quest engine wired the way
// main.go wires it.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	Cfg    *config.Config
	Engine *engine.Engine
	Server *httptest.Server
	URL    string
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.AdminKey = adminKey
	cfg.Security.JWTSecret = "integration-test-secret"
	cfg.Security.JWTTTLH = 72 * time.Hour
	cfg.Security.RateLimitRPS = 1000
	cfg.Security.RateLimitBurst = 2000
	cfg.Quests.TemplatesPath = catalogPath
	cfg.Shop.CatalogPath = shopPath
	// every daily and shared template is live, so tests can pick by id
	cfg.Quests.DailyMin, cfg.Quests.DailyMax = 6, 6
	cfg.Shared.PoolSize = 4
	return cfg
}

// NewTestServer creates a fully wired quest server for integration testing.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	return startServer(t, db, c, pubsub, testConfig())
}

func startServer(t *testing.T, db *gorm.DB, c cache.Cache, pubsub cache.PubSub, cfg *config.Config) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	eng, err := engine.New(engine.Deps{
		Config:    cfg,
		DB:        db,
		Cache:     c,
		PubSub:    pubsub,
		Logger:    logger,
		Templates: resource.TemplateLoader(cfg.Quests.TemplatesPath, logger),
		Shop:      resource.ShopLoader(cfg.Shop.CatalogPath, logger),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	apirest.Register(r.Group("/api"), eng, cfg, c, logger)
	r.GET("/sse", sse.NewHandler(pubsub, c, cfg.Security, logger).ServeSSE)

	server := httptest.NewServer(r)
	ts := &TestServer{
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		Cfg:    cfg,
		Engine: eng,
		Server: server,
		URL:    server.URL,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close stops the HTTP server and flushes the engine. Safe to call twice.
func (ts *TestServer) Close() {
	ts.Server.Close()
	_ = ts.Engine.Shutdown(context.Background())
}

// Restart shuts the server down and starts a fresh one on the same database
// and cache, as a process restart would.
func (ts *TestServer) Restart(t *testing.T) *TestServer {
	t.Helper()
	ts.Close()
	return startServer(t, ts.DB, ts.Cache, ts.PubSub, ts.Cfg)
}

// --- HTTP helpers ---

func (ts *TestServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, bearer(token))
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, bearer(token))
}

// Admin sends an admin request carrying the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	return ts.do(t, method, path, body, map[string]string{"X-Admin-Key": adminKey})
}

func bearer(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// Expect asserts the status and drains the body.
func Expect(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, status, resp.StatusCode, "body: %s", string(body))
}

// --- player helpers ---

// Join marks the player online and returns a bearer token for them.
func (ts *TestServer) Join(t *testing.T, playerID, name string) string {
	t.Helper()
	Expect(t, ts.Admin(t, http.MethodPost, "/api/admin/players/"+playerID+"/join", map[string]string{"name": name}), http.StatusOK)
	resp := ts.Admin(t, http.MethodPost, "/api/admin/players/"+playerID+"/token", map[string]string{"name": name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Token string `json:"token"`
	}
	ReadJSON(t, resp, &out)
	return out.Token
}

// Quest is the subset of a quest view the tests read.
type Quest struct {
	ID           string `json:"id"`
	TemplateID   string `json:"template_id"`
	Category     string `json:"category"`
	Target       string `json:"target"`
	TargetAmount int64  `json:"target_amount"`
	Progress     int64  `json:"progress"`
	Status       string `json:"status"`
	Percent      int    `json:"percent"`
	Contributors int    `json:"contributors"`
}

// Quests lists the caller's quests of a tier.
func (ts *TestServer) Quests(t *testing.T, token, tier string) []Quest {
	t.Helper()
	resp := ts.Get(t, "/api/quests/"+tier, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Quests []Quest `json:"quests"`
	}
	ReadJSON(t, resp, &out)
	return out.Quests
}

// Shared lists the public shared pool.
func (ts *TestServer) Shared(t *testing.T) []Quest {
	t.Helper()
	resp := ts.Get(t, "/api/shared", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Quests []Quest `json:"quests"`
	}
	ReadJSON(t, resp, &out)
	return out.Quests
}

// FindQuest returns the quest drawn from templateID.
func FindQuest(t *testing.T, list []Quest, templateID string) Quest {
	t.Helper()
	for _, q := range list {
		if q.TemplateID == templateID {
			return q
		}
	}
	require.FailNow(t, "quest not found", templateID)
	return Quest{}
}

// Signal reports one progress signal through the admin ingress.
func (ts *TestServer) Signal(t *testing.T, playerID, category, target string, amount int64) engine.ProgressResult {
	t.Helper()
	resp := ts.Admin(t, http.MethodPost, "/api/admin/signals", map[string]interface{}{
		"signals": []map[string]interface{}{{
			"player_id": playerID, "category": category, "target": target, "amount": amount,
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Results []engine.ProgressResult `json:"results"`
	}
	ReadJSON(t, resp, &out)
	require.Len(t, out.Results, 1)
	return out.Results[0]
}

// --- SSE helpers ---

// Stream is an open /sse connection.
type Stream struct {
	body   io.ReadCloser
	r      *bufio.Reader
	cancel context.CancelFunc
}

// OpenStream connects to /sse and consumes the connected event.
func (ts *TestServer) OpenStream(t *testing.T, token string) *Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), streamWindow)
	path := "/sse"
	if token != "" {
		path += "?token=" + token
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := &Stream{body: resp.Body, r: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(s.Close)
	name, _ := s.Next(t)
	require.Equal(t, "connected", name)
	return s
}

// Next returns the next event name and data line.
func (s *Stream) Next(t *testing.T) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := s.r.ReadString('\n')
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

// WaitFor reads events until one named kind arrives and returns its data.
func (s *Stream) WaitFor(t *testing.T, kind string) string {
	t.Helper()
	for {
		name, data := s.Next(t)
		if name == kind {
			return data
		}
	}
}

// Close ends the stream.
func (s *Stream) Close() {
	s.cancel()
	s.body.Close()
}

var testCounter uint64

// UniqueID returns a short unique string suitable for player ids.
func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}

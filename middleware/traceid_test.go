package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// traceRouter echoes the trace id seen by the gin context and by the
// request context the engine receives.
func traceRouter() *gin.Engine {
	r := gin.New()
	r.Use(TraceID(), Recovery(zap.NewNop()))
	r.GET("/trace", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"gin": GetTraceID(c),
			"ctx": audit.TraceID(c.Request.Context()),
		})
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("claim handler exploded")
	})
	r.GET("/panic-after-write", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("stream broke")
	})
	r.GET("/abort", func(c *gin.Context) {
		panic(http.ErrAbortHandler)
	})
	return r
}

func traceIDs(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["gin"], body["ctx"]
}

func TestTraceID_GeneratedAndPropagated(t *testing.T) {
	w := httptest.NewRecorder()
	traceRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/trace", nil))
	require.Equal(t, http.StatusOK, w.Code)

	ginID, ctxID := traceIDs(t, w)
	assert.Len(t, ginID, 36)
	assert.Equal(t, ginID, ctxID, "audit rows must share the request trace id")
	assert.Equal(t, ginID, w.Header().Get(TraceIDHeader))
}

func TestTraceID_HonoursCallerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	req.Header.Set(TraceIDHeader, "signal-batch-42")
	w := httptest.NewRecorder()
	traceRouter().ServeHTTP(w, req)

	ginID, ctxID := traceIDs(t, w)
	assert.Equal(t, "signal-batch-42", ginID)
	assert.Equal(t, "signal-batch-42", ctxID)
	assert.Equal(t, "signal-batch-42", w.Header().Get(TraceIDHeader))
}

func TestTraceID_FreshPerRequest(t *testing.T) {
	r := traceRouter()
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/trace", nil))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/trace", nil))

	assert.NotEqual(t, w1.Header().Get(TraceIDHeader), w2.Header().Get(TraceIDHeader))
}

func TestGetTraceID_OutsideChain(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetTraceID(c))
}

func TestRecovery_ReturnsTraceID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(TraceIDHeader, "boom-1")
	w := httptest.NewRecorder()
	traceRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "boom-1", body["trace_id"])
}

func TestTraceID_RejectsMalformedHeader(t *testing.T) {
	for _, bad := range []string{
		strings.Repeat("a", maxTraceIDLen+1),
		"has space",
		"line\nbreak",
		"quote\"d",
	} {
		req := httptest.NewRequest(http.MethodGet, "/trace", nil)
		req.Header.Set(TraceIDHeader, bad)
		w := httptest.NewRecorder()
		traceRouter().ServeHTTP(w, req)

		ginID, ctxID := traceIDs(t, w)
		assert.NotEqual(t, bad, ginID)
		assert.Len(t, ginID, 36, "malformed id %q replaced by a uuid", bad)
		assert.Equal(t, ginID, ctxID)
	}
	assert.True(t, validTraceID("srv-1:batch_7.a"))
	assert.True(t, validTraceID(strings.Repeat("a", maxTraceIDLen)))
}

func TestRecovery_CountsAndLogsRoute(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	r := gin.New()
	r.Use(TraceID(), Recovery(zap.New(core)))
	r.POST("/api/quests/:tier/:id/claim", func(c *gin.Context) { panic("boom") })

	before := Panics()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/quests/daily/q1/claim", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, before+1, Panics())

	entries := logs.FilterMessage("handler panic recovered").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/quests/:tier/:id/claim", fields["route"])
	assert.Equal(t, http.MethodPost, fields["method"])
}

func TestRecovery_KeepsWrittenResponse(t *testing.T) {
	w := httptest.NewRecorder()
	traceRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic-after-write", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRecovery_ReraisesClientAbort(t *testing.T) {
	w := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		traceRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/abort", nil))
	})
}

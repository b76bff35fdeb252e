package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newWhitelistRouter(ips []string) *gin.Engine {
	r := gin.New()
	r.Use(IPWhitelist(ips, zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func fromIP(r *gin.Engine, ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Real-IP", ip)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestIPWhitelist_Empty_AllowsAll(t *testing.T) {
	r := newWhitelistRouter(nil)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIPWhitelist_Addresses(t *testing.T) {
	r := newWhitelistRouter([]string{"10.0.0.1", "10.0.0.2"})
	assert.Equal(t, http.StatusOK, fromIP(r, "10.0.0.1"))
	assert.Equal(t, http.StatusOK, fromIP(r, "10.0.0.2"))
	assert.Equal(t, http.StatusForbidden, fromIP(r, "10.0.0.3"))
}

func TestIPWhitelist_CIDR(t *testing.T) {
	r := newWhitelistRouter([]string{"192.168.0.0/16", "::1"})
	assert.Equal(t, http.StatusOK, fromIP(r, "192.168.4.20"))
	assert.Equal(t, http.StatusOK, fromIP(r, "::1"))
	assert.Equal(t, http.StatusForbidden, fromIP(r, "172.16.0.1"))
}

func TestIPWhitelist_OnlyBadEntriesDeniesAll(t *testing.T) {
	r := newWhitelistRouter([]string{"not-an-ip", "10.0.0.0/99"})
	assert.Equal(t, http.StatusForbidden, fromIP(r, "10.0.0.1"))
}

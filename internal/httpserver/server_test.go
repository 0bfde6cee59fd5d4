package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	cfgpkg "github.com/taoyao-code/meter-dispatch/internal/config"
	appmetrics "github.com/taoyao-code/meter-dispatch/internal/metrics"
)

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthzReadyzMetrics(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	reg := appmetrics.NewRegistry()
	srv := New(cfg, "/metrics", appmetrics.Handler(reg), func() bool { return true }, nil)

	assert.Equal(t, http.StatusOK, serve(srv.Handler(), http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, serve(srv.Handler(), http.MethodGet, "/readyz").Code)
	assert.Equal(t, http.StatusOK, serve(srv.Handler(), http.MethodGet, "/metrics").Code)
}

func TestReadyzNotReady(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0"}
	srv := New(cfg, "", nil, func() bool { return false }, nil)

	rr := serve(srv.Handler(), http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not-ready", rr.Body.String())
}

func TestRegisterAndAccessLog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	srv := New(cfgpkg.HTTPConfig{Addr: ":0"}, "", nil, nil, zap.New(core))
	srv.Register(func(r *gin.Engine) {
		r.GET("/api/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	})

	rr := serve(srv.Handler(), http.MethodGet, "/api/ping")
	assert.Equal(t, "pong", rr.Body.String())
	serve(srv.Handler(), http.MethodGet, "/healthz")

	entries := logs.FilterMessage("http request").All()
	if assert.Len(t, entries, 1, "探活请求只记 debug") {
		assert.Equal(t, "/api/ping", entries[0].ContextMap()["path"])
	}
}

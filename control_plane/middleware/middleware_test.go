package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/api/queue", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	return r
}

func serve(r http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBearerToken(t *testing.T) {
	r := newRouter(BearerToken("s3cret"))

	assert.Equal(t, http.StatusUnauthorized, serve(r, "GET", "/api/queue", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "GET", "/api/queue", map[string]string{"Authorization": "Basic abc"}).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "GET", "/api/queue", map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/api/queue", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/api/queue?token=s3cret", nil).Code)
}

func TestBearerTokenDisabled(t *testing.T) {
	r := newRouter(BearerToken(""))
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/api/queue", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(CORS("https://dash.example.com"))
	r.OPTIONS("/api/queue", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	w := serve(r, "OPTIONS", "/api/queue", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Idempotency-Key")

	w = serve(r, "GET", "/api/queue", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	r := newRouter(RequestMetrics(), RateLimit(rate.NewLimiter(rate.Every(time.Hour), 2)))

	assert.Equal(t, http.StatusOK, serve(r, "GET", "/api/queue", nil).Code)
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/api/queue", nil).Code)
	w := serve(r, "GET", "/api/queue", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

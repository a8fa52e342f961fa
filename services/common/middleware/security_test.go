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

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.POST("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/admin", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := do(newEngine(SecurityHeaders()), http.MethodPost, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestRateLimiter_PerKeyBuckets(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2, time.Minute)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(rate.Every(time.Second), 1, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(30 * time.Second)
	rl.Allow("b")
	now = now.Add(45 * time.Second)
	rl.Sweep()

	assert.Equal(t, 1, rl.size())
}

func TestRateLimitMiddleware(t *testing.T) {
	r := newEngine(rateLimit(NewRateLimiter(rate.Every(time.Hour), 1, time.Minute)))

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "").Code)
	w := do(r, http.MethodPost, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")
}

func TestCORSMiddleware(t *testing.T) {
	r := newEngine(CORSMiddleware([]string{"https://admin.example.com/"}))
	r.OPTIONS("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("no origin", func(t *testing.T) {
		w := do(r, http.MethodPost, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
	t.Run("allowed", func(t *testing.T) {
		w := do(r, http.MethodPost, "https://admin.example.com")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})
	t.Run("preflight", func(t *testing.T) {
		w := do(r, http.MethodOptions, "https://admin.example.com")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
	t.Run("foreign", func(t *testing.T) {
		w := do(r, http.MethodPost, "https://evil.example.com")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
	t.Run("wildcard", func(t *testing.T) {
		w := do(newEngine(CORSMiddleware([]string{"*"})), http.MethodPost, "https://any.example.com")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

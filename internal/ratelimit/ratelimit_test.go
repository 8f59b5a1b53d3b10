package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	l, now := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip"), "request after burst")

	// 60/min refills one token per second
	*now = now.Add(time.Second)
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("a")
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiterCapsAtBurst(t *testing.T) {
	l, now := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 2})

	l.Allow("ip")
	*now = now.Add(time.Hour)
	assert.True(t, l.Allow("ip"))
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	assert.Equal(t, DefaultConfig(), l.cfg)
	l.Stop() // idempotent
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 30, BurstSize: 1})

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/run", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/run", nil))
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

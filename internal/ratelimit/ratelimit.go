// Package ratelimit throttles the ops API per client.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// DefaultConfig suits an operator-facing API polled by a marketplace
// backend.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         30,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	d := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = d.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = d.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			// A bucket idle this long has refilled completely.
			cutoff := l.now().Add(-l.refillTime())
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) refillTime() time.Duration {
	return time.Duration(float64(l.cfg.BurstSize) / float64(l.cfg.RequestsPerMinute) * float64(time.Minute))
}

// Stop ends the cleanup loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(max(1, int((time.Minute / time.Duration(l.cfg.RequestsPerMinute)).Seconds())))
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// Package ratelimit throttles API callers with per-key token buckets.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the limiter.
type Config struct {
	RequestsPerMinute int           // sustained rate per key
	BurstSize         int           // bucket capacity
	CleanupInterval   time.Duration // how often idle buckets are dropped
}

// DefaultConfig allows a sustained request per second with short bursts.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

type bucket struct {
	tokens   float64
	refilled time.Time
}

// Limiter holds a token bucket per caller key.
type Limiter struct {
	refillRate float64 // tokens per second
	capacity   float64

	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
}

// New builds a limiter and starts its idle-bucket sweeper.
func New(cfg Config) *Limiter {
	l := &Limiter{
		refillRate: float64(cfg.RequestsPerMinute) / 60.0,
		capacity:   float64(cfg.BurstSize),
		buckets:    make(map[string]*bucket),
		done:       make(chan struct{}),
	}
	go l.sweep(cfg.CleanupInterval)
	return l
}

// Stop ends the sweeper goroutine.
func (l *Limiter) Stop() {
	close(l.done)
}

func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			idleSince := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.refilled.Before(idleSince) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Allow consumes one token for key, reporting whether any was available.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.capacity - 1, refilled: now}
		return true
	}

	b.tokens += now.Sub(b.refilled).Seconds() * l.refillRate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.refilled = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware throttles by caller identity when the X-User-ID header is
// present, falling back to client IP. Identified callers get their own
// bucket so one chatty user cannot exhaust a shared NAT's allowance.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			key = "user:" + userID[:min(20, len(userID))]
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

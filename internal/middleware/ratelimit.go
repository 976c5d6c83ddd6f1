package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/valora-session/internal/metrics"
)

// Throttle is a process-local token bucket per client IP. It smooths bursts
// before requests reach the shared counters and is not a security control.
type Throttle struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	metrics *metrics.Metrics
	mu      sync.Mutex
	clients map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle returns nil when requestsPerMinute is not positive.
func NewThrottle(requestsPerMinute int, m *metrics.Metrics) *Throttle {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		idle:    5 * time.Minute,
		metrics: m,
		clients: make(map[string]*bucket),
	}
}

// Handler returns the gin middleware. A nil Throttle passes everything.
func (t *Throttle) Handler() gin.HandlerFunc {
	if t == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		limiter := t.limiterFor(c.ClientIP())
		if !limiter.Allow() {
			t.metrics.RateLimit("throttle", "limited")
			r := limiter.Reserve()
			delay := r.Delay()
			r.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

func (t *Throttle) limiterFor(key string) *rate.Limiter {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.clients[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	limiter := rate.NewLimiter(t.limit, t.burst)
	t.clients[key] = &bucket{limiter: limiter, lastSeen: now}
	t.sweepLocked(now)
	return limiter
}

func (t *Throttle) sweepLocked(now time.Time) {
	for key, b := range t.clients {
		if now.Sub(b.lastSeen) > t.idle {
			delete(t.clients, key)
		}
	}
}

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Throttle enforces per-client-IP request throttling across the whole
// surface. It is a transport-level backstop; the per-identity login lockout
// is a separate, stricter gate inside the login flow.
type Throttle struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a throttle for the provided requests-per-minute budget.
// A non-positive budget disables throttling.
func NewThrottle(requestsPerMinute int) *Throttle {
	if requestsPerMinute <= 0 {
		return nil
	}
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limit:   limit,
		burst:   burst,
		window:  5 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
}

// Handler returns the gin middleware enforcing the throttle.
func (t *Throttle) Handler() gin.HandlerFunc {
	if t == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		limiter := t.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

func (t *Throttle) getLimiter(key string) *rate.Limiter {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(t.limit, t.burst)
	t.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	t.cleanupLocked(now)
	return limiter
}

func (t *Throttle) cleanupLocked(now time.Time) {
	for key, entry := range t.clients {
		if now.Sub(entry.lastSeen) > t.window {
			delete(t.clients, key)
		}
	}
}

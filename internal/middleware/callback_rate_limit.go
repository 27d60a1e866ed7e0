package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out one token bucket per client IP. Buckets idle for
// longer than idleTTL are dropped on the next sweep.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

// NewIPRateLimiter allows perSecond events per IP with the given burst.
func NewIPRateLimiter(perSecond float64, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether ip may proceed now.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastGC) > l.idleTTL {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastGC = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Handler rejects requests over the limit with 429.
func (l *IPRateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !l.Allow(c.IP()) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests")
		}
		return c.Next()
	}
}

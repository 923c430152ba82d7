package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter throttles HTTP requests per client IP with a token bucket. It
// is independent of the pipeline quota.
type IPLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	rate      rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewIPLimiter allows perMinute requests per IP with the given burst
func NewIPLimiter(perMinute, burst int) *IPLimiter {
	if perMinute <= 0 {
		perMinute = 1000
	}
	if burst <= 0 {
		burst = 50
	}
	return &IPLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(perMinute) / 60,
		burst:    burst,
		idleTTL:  time.Hour,
		now:      time.Now,
	}
}

// Allow consumes a token for ip. On rejection it returns the wait until the
// next token.
func (l *IPLimiter) Allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > 10*time.Minute {
		l.lastSweep = now
		cutoff := now.Add(-l.idleTTL)
		for k, c := range l.limiters {
			if c.lastSeen.Before(cutoff) {
				delete(l.limiters, k)
			}
		}
	}

	c, ok := l.limiters[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = c
	}
	c.lastSeen = now

	r := c.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware rejects over-limit clients with 429 and a Retry-After header
func (l *IPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		metrics.Get().RateLimitRejectionsTotal.WithLabelValues("http").Inc()
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":               "Rate limit exceeded",
			"error_code":          "RATE_LIMIT_EXCEEDED",
			"retry_after_seconds": secs,
			"request_id":          c.GetString("request_id"),
		})
	}
}

package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "github.com/yashrajoria/commerce-webhooks/services/common/errors"
)

// SecurityHeaders sets the response headers every endpoint carries. Webhook
// and admin responses are never cacheable.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key (the client IP). Buckets idle
// for longer than ttl are dropped by Sweep.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

func NewRateLimiter(r rate.Limit, b int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   r,
		burst:   b,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Sweep drops buckets that have been idle longer than ttl.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.ttl {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// RateLimitMiddleware answers 429 once a client IP exceeds perMinute
// requests beyond its burst.
func RateLimitMiddleware(perMinute, burst int) gin.HandlerFunc {
	return rateLimit(NewRateLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst, 5*time.Minute))
}

func rateLimit(rl *RateLimiter) gin.HandlerFunc {
	var (
		mu    sync.Mutex
		calls uint64
	)
	return func(c *gin.Context) {
		mu.Lock()
		calls++
		sweep := calls%1024 == 0
		mu.Unlock()
		if sweep {
			rl.Sweep()
		}

		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(apperrors.ErrTooManyRequest.Code, apperrors.ErrTooManyRequest)
			return
		}
		c.Next()
	}
}

// CORSMiddleware allows browser calls from the configured origins only. An
// allow-list containing "*" allows any origin. Requests without an Origin
// header (provider callbacks, curl) pass through untouched.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(strings.TrimSpace(o), "/")] = true
	}

	cfg := cors.Config{
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:       10 * time.Minute,
	}
	if allowed["*"] {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOriginFunc = func(origin string) bool {
			return allowed[strings.TrimSuffix(origin, "/")]
		}
	}
	return cors.New(cfg)
}

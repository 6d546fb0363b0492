package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the API rate limiter.
type RateLimitConfig struct {
	Enabled bool
	// RPS and Burst apply per client IP.
	RPS   float64
	Burst int
	// EndpointLimits cap the total rate of expensive routes across all
	// clients, keyed by "METHOD /path/pattern".
	EndpointLimits  map[string]EndpointLimit
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
}

// EndpointLimit is a global token bucket for one route.
type EndpointLimit struct {
	RPS   float64
	Burst int
}

// DefaultRateLimitConfig returns default rate limiting settings. Orders run
// a full prove cycle, so they get a much smaller bucket than reads.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: true,
		RPS:     20,
		Burst:   40,
		EndpointLimits: map[string]EndpointLimit{
			"POST /api/orders":           {RPS: 2, Burst: 4},
			"POST /api/jobs/:id/settle":  {RPS: 10, Burst: 20},
			"POST /api/auth/token/renew": {RPS: 1, Burst: 2},
		},
		CleanupInterval: time.Minute,
		IdleTimeout:     10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive")
	}
	if c.Burst < 1 {
		return fmt.Errorf("rate limit burst must be at least 1")
	}
	for route, l := range c.EndpointLimits {
		if l.RPS <= 0 || l.Burst < 1 {
			return fmt.Errorf("invalid endpoint limit for %s", route)
		}
		if len(strings.Fields(route)) != 2 {
			return fmt.Errorf("endpoint limit key %q must be \"METHOD /path\"", route)
		}
	}
	return nil
}

// RateLimitHeaders represents the standard rate limit headers
type RateLimitHeaders struct {
	Limit      int   `json:"limit"`
	Remaining  int   `json:"remaining"`
	Reset      int64 `json:"reset"`
	RetryAfter int   `json:"retry_after,omitempty"`
}

// ToHeaders converts to HTTP headers map
func (h *RateLimitHeaders) ToHeaders() map[string]string {
	headers := map[string]string{
		"X-RateLimit-Limit":     fmt.Sprintf("%d", h.Limit),
		"X-RateLimit-Remaining": fmt.Sprintf("%d", h.Remaining),
		"X-RateLimit-Reset":     fmt.Sprintf("%d", h.Reset),
	}
	if h.RetryAfter > 0 {
		headers["Retry-After"] = fmt.Sprintf("%d", h.RetryAfter)
	}
	return headers
}

// RateLimiter limits requests per client IP and per expensive endpoint.
type RateLimiter struct {
	config *RateLimitConfig

	ipLimiters       sync.Map // map[string]*ipLimiter
	endpointLimiters map[string]*rate.Limiter

	mu       sync.Mutex
	rejected uint64

	stopChan chan struct{}
	stopOnce sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(config *RateLimitConfig) (*RateLimiter, error) {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rl := &RateLimiter{
		config:           config,
		endpointLimiters: make(map[string]*rate.Limiter, len(config.EndpointLimits)),
		stopChan:         make(chan struct{}),
	}
	for route, l := range config.EndpointLimits {
		rl.endpointLimiters[route] = rate.NewLimiter(rate.Limit(l.RPS), l.Burst)
	}
	if config.CleanupInterval > 0 {
		go rl.cleanupRoutine()
	}
	return rl, nil
}

// Allow reports whether a request for route from ip may proceed.
func (rl *RateLimiter) Allow(ip, route string) (bool, *RateLimitHeaders) {
	if !rl.config.Enabled {
		return true, nil
	}
	now := time.Now()

	if limiter, ok := rl.endpointLimiters[route]; ok && !limiter.AllowN(now, 1) {
		rl.reject()
		l := rl.config.EndpointLimits[route]
		return false, &RateLimitHeaders{
			Limit:      int(l.RPS),
			Reset:      now.Add(time.Second).Unix(),
			RetryAfter: 1,
		}
	}

	v, _ := rl.ipLimiters.LoadOrStore(ip, &ipLimiter{
		limiter: rate.NewLimiter(rate.Limit(rl.config.RPS), rl.config.Burst),
	})
	il := v.(*ipLimiter)
	il.mu.Lock()
	il.lastSeen = now
	allowed := il.limiter.AllowN(now, 1)
	remaining := int(il.limiter.TokensAt(now))
	il.mu.Unlock()

	headers := &RateLimitHeaders{
		Limit:     int(rl.config.RPS),
		Remaining: max(remaining, 0),
		Reset:     now.Add(time.Second).Unix(),
	}
	if !allowed {
		rl.reject()
		headers.RetryAfter = 1
	}
	return allowed, headers
}

func (rl *RateLimiter) reject() {
	rl.mu.Lock()
	rl.rejected++
	rl.mu.Unlock()
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopChan:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.ipLimiters.Range(func(key, value interface{}) bool {
		il := value.(*ipLimiter)
		il.mu.Lock()
		idle := now.Sub(il.lastSeen) > rl.config.IdleTimeout
		il.mu.Unlock()
		if idle {
			rl.ipLimiters.Delete(key)
		}
		return true
	})
}

// Close stops the rate limiter
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

// GetStats returns statistics about the rate limiter
func (rl *RateLimiter) GetStats() map[string]interface{} {
	ipCount := 0
	rl.ipLimiters.Range(func(_, _ interface{}) bool {
		ipCount++
		return true
	})
	rl.mu.Lock()
	rejected := rl.rejected
	rl.mu.Unlock()

	return map[string]interface{}{
		"ip_limiters":       ipCount,
		"endpoint_limiters": len(rl.endpointLimiters),
		"rejected":          rejected,
		"enabled":           rl.config.Enabled,
	}
}

// RateLimitMiddleware applies rl to every request
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, headers := rl.Allow(c.ClientIP(), c.Request.Method+" "+c.FullPath())
		if headers != nil {
			for k, v := range headers.ToHeaders() {
				c.Header(k, v)
			}
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "Rate limit exceeded",
				Code:  "RATE_LIMIT",
			})
			return
		}
		c.Next()
	}
}

package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/basket/opsboard/internal/config"
)

const (
	maxRateBuckets = 4096
	bucketIdleTTL  = 10 * time.Minute
)

// TokenBucket is a refill-over-time request allowance.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimiter keeps one bucket per caller. Idle buckets expire from the LRU,
// which is only built when limiting is enabled: its expiry goroutine runs
// for the rest of the process.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	mu      sync.Mutex
	buckets *expirable.LRU[string, *TokenBucket]
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 60
	}
	rl := &RateLimiter{cfg: cfg}
	if cfg.Enabled {
		rl.buckets = expirable.NewLRU[string, *TokenBucket](maxRateBuckets, nil, bucketIdleTTL)
	}
	return rl
}

// BucketCount reports tracked callers.
func (rl *RateLimiter) BucketCount() int {
	if rl.buckets == nil {
		return 0
	}
	return rl.buckets.Len()
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets.Get(key); ok {
		// Re-adding refreshes the idle TTL.
		rl.buckets.Add(key, b)
		return b
	}
	b := NewTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize)
	rl.buckets.Add(key, b)
	return b
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		key := BearerToken(r)
		if key == "" {
			key = remoteHost(r.RemoteAddr)
		}
		if !rl.bucket(key).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

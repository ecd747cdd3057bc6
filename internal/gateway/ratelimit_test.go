package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/goleak"

	"github.com/basket/opsboard/internal/config"
	"github.com/basket/opsboard/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(t *testing.T, h http.Handler, path, key, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		if rec := hit(t, handler, "/api/tasks", "test-key", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_OverLimitSetsRetryAfter(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		if rec := hit(t, handler, "/api/tasks", "test-key", ""); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(t, handler, "/api/tasks", "test-key", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", got)
	}
}

func TestRateLimit_SeparateBucketsPerCaller(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	handler := rl.Wrap(okHandler())

	if rec := hit(t, handler, "/api/tasks", "key-a", ""); rec.Code != http.StatusOK {
		t.Fatalf("key-a first: %d", rec.Code)
	}
	if rec := hit(t, handler, "/api/tasks", "key-a", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key-a second: expected 429, got %d", rec.Code)
	}
	if rec := hit(t, handler, "/api/tasks", "key-b", ""); rec.Code != http.StatusOK {
		t.Fatalf("key-b first: %d", rec.Code)
	}
	if rec := hit(t, handler, "/api/tasks", "", "10.0.0.9:5555"); rec.Code != http.StatusOK {
		t.Fatalf("anonymous first: %d", rec.Code)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}
}

func TestRateLimit_OnlyAPIPaths(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		if rec := hit(t, handler, "/healthz", "k", ""); rec.Code != http.StatusOK {
			t.Fatalf("healthz %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("expected no buckets for non-API paths, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 10; i++ {
		if rec := hit(t, handler, "/api/tasks", "k", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 when disabled, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_DisabledStartsNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})
	if rec := hit(t, rl.Wrap(okHandler()), "/api/tasks", "k", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when disabled, got %d", rec.Code)
	}
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("expected no buckets when disabled, got %d", n)
	}
}

func TestTokenBucket_BurstThenEmpty(t *testing.T) {
	tb := gateway.NewTokenBucket(60, 2)
	if !tb.Allow() || !tb.Allow() {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if tb.Allow() {
		t.Fatal("expected third immediate request to be refused")
	}
}

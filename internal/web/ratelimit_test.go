package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, config RateLimitConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(config)
	t.Cleanup(rl.Close)
	return rl
}

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, BurstSize: 5})

	for i := 0; i < 5; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("Allow() = false on request %d, want true within burst", i+1)
		}
	}
}

func TestRateLimiter_BlocksOverBurst(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Error("Allow() = true after burst exhausted, want false")
	}
}

func TestRateLimiter_PerIPIsolation(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first IP not allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first IP allowed past burst")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second IP blocked by first IP's usage")
	}
}

func TestRateLimiter_ZeroRateDisables(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 0, BurstSize: 0})

	for i := 0; i < 100; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatal("Allow() = false with limiting disabled")
		}
	}
}

func TestRateLimiter_SetRateAppliesToExistingEntries(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000})

	for i := 0; i < 5; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatal("warm-up request blocked")
		}
	}

	rl.SetRate(1, 1)
	if !rl.Allow("10.0.0.1") {
		t.Error("first request after tightening blocked, want one token left")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("second request after tightening allowed, want blocked")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{
		RequestsPerSecond: 5,
		BurstSize:         5,
		CleanupInterval:   20 * time.Millisecond,
		EntryTTL:          30 * time.Millisecond,
	})

	rl.Allow("10.0.0.1")
	if got := rl.Stats(); got != 1 {
		t.Fatalf("Stats() = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rl.Stats() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Stats() = %d after TTL, want 0", rl.Stats())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d after burst, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
}

package token

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst was denied", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("request beyond burst was allowed")
	}

	// Another client has its own bucket.
	if !rl.Allow("5.6.7.8") {
		t.Error("distinct client was denied")
	}
}

func TestAuthFailureBlocking(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.AuthMaxFailures = 3
	rl := NewRateLimiter(cfg)

	for i := 0; i < cfg.AuthMaxFailures-1; i++ {
		if rl.AuthFailure("1.2.3.4") {
			t.Fatalf("blocked after %d failures, want %d", i+1, cfg.AuthMaxFailures)
		}
	}
	if !rl.AuthFailure("1.2.3.4") {
		t.Fatal("not blocked at failure threshold")
	}

	if !rl.IsAuthBlocked("1.2.3.4") {
		t.Error("IsAuthBlocked = false after block")
	}
	if retry := rl.AuthBlockRetryAfter("1.2.3.4"); retry <= 0 {
		t.Errorf("AuthBlockRetryAfter = %d, want positive", retry)
	}
	if rl.IsAuthBlocked("9.9.9.9") {
		t.Error("unrelated client is blocked")
	}
}

func TestAuthSuccessClearsFailures(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.AuthMaxFailures = 3
	rl := NewRateLimiter(cfg)

	for i := 0; i < cfg.AuthMaxFailures-1; i++ {
		rl.AuthFailure("1.2.3.4")
	}
	rl.AuthSuccess("1.2.3.4")

	if rl.AuthFailure("1.2.3.4") {
		t.Error("blocked on first failure after success")
	}
}

func TestNewRateLimiterFillsZeroAuthFields(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	def := DefaultRateLimitConfig()
	if rl.config.AuthMaxFailures != def.AuthMaxFailures {
		t.Errorf("AuthMaxFailures = %d, want default %d", rl.config.AuthMaxFailures, def.AuthMaxFailures)
	}
	if rl.config.AuthWindow != def.AuthWindow || rl.config.AuthBlockFor != def.AuthBlockFor {
		t.Errorf("auth durations = %v/%v, want defaults %v/%v",
			rl.config.AuthWindow, rl.config.AuthBlockFor, def.AuthWindow, def.AuthBlockFor)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	handler := rl.Middleware(ClientIPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:5678"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
}

func TestClientIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	if got := ClientIPKeyFunc(req); got != "1.2.3.4:5678" {
		t.Errorf("key = %q, want RemoteAddr", got)
	}

	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	if got := ClientIPKeyFunc(req); got != "10.0.0.1" {
		t.Errorf("key = %q, want first forwarded address", got)
	}
}

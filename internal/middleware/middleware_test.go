package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ir-orchestrator/internal/config"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 3,
		BurstSize:     1,
		WindowSize:    time.Minute,
	}, discard)
	defer rl.Stop()

	for i := 0; i < 4; i++ {
		allowed, remaining, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if want := 4 - i - 1; remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}
	if allowed, _, reset := rl.Allow("10.0.0.1"); allowed || !reset.After(time.Now()) {
		t.Errorf("fifth request allowed=%v reset=%v", allowed, reset)
	}
	if allowed, _, _ := rl.Allow("10.0.0.2"); !allowed {
		t.Error("other client should have its own window")
	}
}

func TestRateLimiterWindowResetAndCleanup(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1,
		WindowSize:    time.Minute,
	}, discard)
	defer rl.Stop()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	if allowed, _, _ := rl.Allow("a"); allowed {
		t.Fatal("second request in window should be denied")
	}

	now = now.Add(61 * time.Second)
	if allowed, _, _ := rl.Allow("a"); !allowed {
		t.Error("window should have reset")
	}

	now = now.Add(3 * time.Minute)
	if n := rl.cleanup(); n != 1 || rl.Tracked() != 0 {
		t.Errorf("cleanup removed %d, tracked %d", n, rl.Tracked())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1,
		WindowSize:    time.Minute,
		ExemptPaths:   []string{"/health"},
	}, discard)
	defer rl.Stop()

	limited := 0
	h := RateLimit(rl, func() { limited++ }, ok())

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/v1/incidents/x"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := do("/v1/incidents/x")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if limited != 1 {
		t.Errorf("onLimited called %d times", limited)
	}
	if rec := do("/health"); rec.Code != http.StatusNoContent {
		t.Errorf("exempt path status = %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", "", "", false, "192.0.2.1"},
		{"xff ignored without trust", "192.0.2.1:1234", "198.51.100.9", "", false, "192.0.2.1"},
		{"rightmost xff", "192.0.2.1:1234", "203.0.113.5, 198.51.100.9 ", "", true, "198.51.100.9"},
		{"real ip", "192.0.2.1:1234", "", "198.51.100.3", true, "198.51.100.3"},
		{"no port", "192.0.2.1", "", "", false, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKey(t *testing.T) {
	h := APIKey([]string{"k1", "k2"}, "X-API-Key", ok())

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"valid", "/v1/analytics", "k2", http.StatusNoContent},
		{"missing", "/v1/analytics", "", http.StatusUnauthorized},
		{"wrong", "/v1/analytics", "nope", http.StatusUnauthorized},
		{"health open", "/health", "", http.StatusNoContent},
		{"metrics open", "/metrics", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if got := APIKey(nil, "X-API-Key", ok()); got == nil {
		t.Error("disabled auth should return next")
	}
}

func TestRecoveryAndLogging(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := Logging(discard, Recovery(discard, panicking))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

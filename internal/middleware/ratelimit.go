// Package middleware provides HTTP middleware for the operator API.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ir-orchestrator/internal/config"
)

// RateLimiter is a fixed-window counter per client address.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	exempt  map[string]bool
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*window
	stopCh  chan struct{}
	once    sync.Once
}

type window struct {
	count int
	end   time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	rl := &RateLimiter{
		cfg:     cfg,
		exempt:  exempt,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Limit is the number of requests allowed per window including burst.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerIP + rl.cfg.BurstSize
}

// Allow counts one request from client and reports whether it is within
// the limit, how many remain and when the window resets.
func (rl *RateLimiter) Allow(client string) (bool, int, time.Time) {
	now := rl.now()
	limit := rl.Limit()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.clients[client]
	if !ok || now.After(w.end) {
		w = &window{end: now.Add(rl.cfg.WindowSize)}
		rl.clients[client] = w
	}
	if w.count >= limit {
		return false, 0, w.end
	}
	w.count++
	return true, limit - w.count, w.end
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops clients whose window ended more than one window ago.
func (rl *RateLimiter) cleanup() int {
	cutoff := rl.now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for c, w := range rl.clients {
		if w.end.Before(cutoff) {
			delete(rl.clients, c)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
	return removed
}

// Tracked returns the number of clients with an open window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// RateLimit rejects clients over their limit with 429. onLimited, when
// set, is called for every rejected request.
func RateLimit(rl *RateLimiter, onLimited func(), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, reset := rl.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			if onLimited != nil {
				onLimited()
			}
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)

			retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"success":false,"error":"rate limited","retry_after":%d}`, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the request's client address. With trustProxy the
// rightmost X-Forwarded-For entry, then X-Real-IP, is preferred.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

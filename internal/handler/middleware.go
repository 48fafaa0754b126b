package handler

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/athenaeum-dev/athenaeum/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

// tokenNameKey carries the authenticated token's name through the
// request context.
const tokenNameKey contextKey = "token_name"

// TokenName returns the authenticated identity of a request, empty when
// the request was not authenticated.
func TokenName(r *http.Request) string {
	name, _ := r.Context().Value(tokenNameKey).(string)
	return name
}

// LocalOnly is a middleware that restricts access to localhost only
func LocalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get the client's IP address
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		// Check if the IP is localhost
		if ip != "127.0.0.1" && ip != "::1" && ip != "localhost" {
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// TokenAuth authenticates mutating requests against the token table.
// With enforcement disabled every request passes through anonymously.
type TokenAuth struct {
	store   *store.SQLiteStore
	logger  *zap.Logger
	enabled bool
}

// NewTokenAuth creates the token auth middleware.
func NewTokenAuth(st *store.SQLiteStore, enabled bool, logger *zap.Logger) *TokenAuth {
	return &TokenAuth{store: st, logger: logger, enabled: enabled}
}

// Require rejects requests without a valid Authorization token.
func (a *TokenAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		token, err := a.store.GetToken(raw)
		if err != nil {
			a.logger.Error("token lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if token == nil {
			writeError(w, http.StatusForbidden, "invalid authorization token")
			return
		}

		ctx := context.WithValue(r.Context(), tokenNameKey, token.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecureIndexServer restricts the index file server to plain shard
// files: no directory listings and no dotfiles (the git metadata under
// the index working tree stays private).
func SecureIndexServer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")

		// Prevent directory listing
		if strings.HasSuffix(r.URL.Path, "/") {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}

		for _, part := range strings.Split(r.URL.Path, "/") {
			if strings.HasPrefix(part, ".") {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter implements rate limiting using token bucket algorithm
type RateLimiter struct {
	ips    map[string]*rate.Limiter
	mu     *sync.RWMutex
	rps    float64
	burst  int
	ticker *time.Ticker
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limiter := &RateLimiter{
		ips:    make(map[string]*rate.Limiter),
		mu:     &sync.RWMutex{},
		rps:    rps,
		burst:  burst,
		ticker: time.NewTicker(1 * time.Hour),
	}

	// Start cleanup routine
	go limiter.cleanup()

	return limiter
}

// cleanup removes old rate limiters periodically
func (rl *RateLimiter) cleanup() {
	for range rl.ticker.C {
		rl.mu.Lock()
		for ip := range rl.ips {
			delete(rl.ips, ip)
		}
		rl.mu.Unlock()
	}
}

// getLimiter returns a rate limiter for the given IP
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.ips[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.ips[ip] = limiter
	}

	return limiter
}

// RateLimit middleware limits requests per IP
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		limiter := rl.getLimiter(ip)

		if !limiter.Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close stops the cleanup routine
func (rl *RateLimiter) Close() {
	rl.ticker.Stop()
}

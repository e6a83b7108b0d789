package middleware

import (
	"net/http"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/smartsensor/smartsensor-ai/internal/metrics"
)

// maxTrackedClients bounds the per-client limiter set; the least recently
// seen client is evicted first.
const maxTrackedClients = 4096

// RateLimiter is a per-client token bucket.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	clients *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter allows perSecond requests per client with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, clients: clients}
}

// Middleware returns an HTTP middleware that enforces rate limiting.
// Health, readiness and metrics endpoints are exempt.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.limiter(clientIP(r)).Allow() {
			metrics.RateLimitedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(1))
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	if lim, ok := rl.clients.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	// Another request may have raced us; keep whichever was stored first.
	if prev, ok, _ := rl.clients.PeekOrAdd(ip, lim); ok {
		return prev
	}
	return lim
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}

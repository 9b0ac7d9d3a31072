package worker

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter is a token bucket with its last use, for idle eviction.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerClientRateLimiter keeps one token bucket per client key.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*clientLimiter
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	requests        int64
	rejected        int64
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a limiter allowing perSecond requests with the given burst
// to each client.
func NewPerClientRateLimiter(perSecond float64, burst int) *PerClientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &PerClientRateLimiter{
		limit:           rate.Limit(perSecond),
		burst:           burst,
		clients:         make(map[string]*clientLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Allow reports whether a request from clientKey may proceed now.
func (pcrl *PerClientRateLimiter) Allow(clientKey string) bool {
	pcrl.mu.Lock()
	defer pcrl.mu.Unlock()

	now := time.Now()
	if now.Sub(pcrl.lastCleanup) > pcrl.cleanupInterval {
		pcrl.cleanupLocked(now)
	}

	cl, ok := pcrl.clients[clientKey]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(pcrl.limit, pcrl.burst)}
		pcrl.clients[clientKey] = cl
	}
	cl.lastSeen = now

	pcrl.requests++
	if cl.limiter.AllowN(now, 1) {
		return true
	}
	pcrl.rejected++
	return false
}

// cleanupLocked drops limiters idle longer than maxIdleTime. Caller holds pcrl.mu.
func (pcrl *PerClientRateLimiter) cleanupLocked(now time.Time) {
	for key, cl := range pcrl.clients {
		if now.Sub(cl.lastSeen) > pcrl.maxIdleTime {
			delete(pcrl.clients, key)
		}
	}
	pcrl.lastCleanup = now
}

// Stats returns aggregate statistics.
func (pcrl *PerClientRateLimiter) Stats() map[string]any {
	pcrl.mu.Lock()
	defer pcrl.mu.Unlock()
	return map[string]any{
		"rate":           float64(pcrl.limit),
		"burst":          pcrl.burst,
		"active_clients": len(pcrl.clients),
		"total_requests": pcrl.requests,
		"total_rejected": pcrl.rejected,
	}
}

// PerClientRateLimitMiddleware applies per-client rate limiting. The client is the
// host part of RemoteAddr, which chi's RealIP middleware has already resolved.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

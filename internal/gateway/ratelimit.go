package gateway

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles inbound HTTP requests per client key (bearer
// token if present, else remote IP), a simple fixed-budget token bucket
// per key rather than the adaptive AIMD scheme a provider-facing LLM
// client needs. A rate.Limiter sits behind a small mutex-guarded map,
// keyed rather than global; the rate is static since the gateway has no
// backoff signal analogous to a provider 429.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	rps   rate.Limit
	burst int
}

// NewRateLimiter returns a RateLimiter allowing rps requests per second
// per client key, with burst allowed above that steady rate.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = lim
	}
	return lim
}

// Middleware wraps next, rejecting requests that exceed the per-key
// budget with 429 Too Many Requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.limiterFor(key).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if token := bearerFromHeader(r); token != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Sweep drops any per-key limiter that's currently sitting at full burst
// (i.e. has been idle long enough to fully refill), keeping the map from
// growing unbounded under a long-lived gateway with many transient
// callers. Intended to be called periodically by a background task.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, lim := range rl.limiters {
		if lim.Tokens() >= float64(rl.burst) {
			delete(rl.limiters, key)
		}
	}
}

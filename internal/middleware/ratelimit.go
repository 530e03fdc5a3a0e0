package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/auth"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// MaxClients bounds the tracked buckets; the least recently seen
	// client is evicted first.
	MaxClients int
	// IdleTTL forgets a client's bucket after this long without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig allows a run every half second with bursts of
// five, which is more than a person clicking "Run" can produce.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 2,
		Burst:             5,
		MaxClients:        10000,
		IdleTTL:           10 * time.Minute,
	}
}

// RateLimit limits each client to cfg.RequestsPerSecond with bursts of
// cfg.Burst. Authenticated callers are keyed by subject, everybody else by
// IP, so it belongs after RealIP and the auth middleware. A non-positive
// rate disables limiting.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultRateLimitConfig().MaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}

	// expirable.LRU is safe for concurrent use. Two first requests from
	// the same client may race to create a bucket; one of them wins and
	// the loser's request is still served.
	clients := expirable.NewLRU[string, *rate.Limiter](cfg.MaxClients, nil, cfg.IdleTTL)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / cfg.RequestsPerSecond)))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			limiter, ok := clients.Get(key)
			if !ok {
				limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
				clients.Add(key, limiter)
			}

			if !limiter.Allow() {
				w.Header().Set("Retry-After", retryAfter)
				apperror.WriteHTTP(w, apperror.RateLimited("rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if sub, ok := auth.SubjectFromContext(r.Context()); ok {
		return "sub:" + sub
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// chi's RealIP stores a bare address.
		host = r.RemoteAddr
	}
	return "ip:" + host
}

package proxy

import (
	"net/http"
	"time"

	"github.com/juststayawake/chatuser/pkg/cache"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// ipRateLimiter keeps one token bucket per client address. Buckets idle for
// limiterIdleTTL are forgotten.
type ipRateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *cache.TTLMap[string, *rate.Limiter]
}

func newIPRateLimiter(perMinute, burst int) *ipRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipRateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		limiters: cache.NewTTLMap[string, *rate.Limiter](),
	}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	lim, ok := l.limiters.GetFresh(ip, now)
	if !ok {
		l.limiters.SetIfAbsent(ip, rate.NewLimiter(l.limit, l.burst), now, limiterIdleTTL)
		lim, _ = l.limiters.GetFresh(ip, now)
	}
	l.limiters.SetWithTTL(ip, lim, now, limiterIdleTTL)
	return lim.AllowN(now, 1)
}

func (l *ipRateLimiter) prune(now time.Time) int {
	return l.limiters.Prune(now)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(remoteHost(r), nowUTC()) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

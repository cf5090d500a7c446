package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 1024
	clientTTL         = 10 * time.Minute
)

// ipLimiter throttles legacy-database routes with one token bucket per
// client IP. Idle buckets expire after clientTTL.
type ipLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// newIPLimiter returns a limiter allowing perSecond requests per client.
// A non-positive rate disables throttling.
func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 3
	}
	l := &ipLimiter{limit: rate.Inf, burst: burst}
	if perSecond > 0 {
		l.limit = rate.Limit(perSecond)
	}
	l.buckets = expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, clientTTL)
	return l
}

func (l *ipLimiter) bucket(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(client); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Add(client, b)
	return b
}

// Allow consumes one token for client.
func (l *ipLimiter) Allow(client string) bool {
	return l.bucket(client).Allow()
}

// Middleware answers 429 once the client's bucket is empty.
func (l *ipLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		if !l.Allow(client) {
			log.Warn().Str("client", client).Str("path", r.URL.Path).Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, envelope{Message: "too many requests, retry shortly"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package mcp

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// staleClientAge is how long a client may sit idle before its bucket is
	// reclaimed; pruneThreshold bounds the tracked-client map.
	staleClientAge = 10 * time.Minute
	pruneThreshold = 256
)

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands each remote host its own token bucket
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// DefaultRateLimiter allows 10 requests per second with a burst of 20,
// plenty for a single-user daemon on loopback
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(10, 20)
}

// Allow reports whether a request from key may proceed. First contact from a
// new client prunes idle buckets once the map is full, so memory stays
// bounded however many clients come and go.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= pruneThreshold {
			rl.pruneLocked(staleClientAge)
		}
		c = &client{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	bucket := c.bucket
	rl.mu.Unlock()

	return bucket.Allow()
}

// pruneLocked drops clients idle longer than age. Caller holds mu.
func (rl *RateLimiter) pruneLocked(age time.Duration) {
	cutoff := time.Now().Add(-age)
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// clientKey reduces a RemoteAddr to its host so every connection from one
// client shares a bucket
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// The 429 body is a JSON-RPC error so MCP clients can surface it
const rateLimitBody = `{"jsonrpc":"2.0","error":{"code":-32029,"message":"Rate limit exceeded. Please slow down."},"id":null}`

// RateLimitMiddleware rejects requests from clients that exhausted their
// bucket with 429 and a Retry-After hint
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r.RemoteAddr)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(rateLimitBody))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

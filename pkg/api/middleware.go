package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// requestLogger logs incoming HTTP requests and records request metrics.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		took := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.deps.Metrics.HTTPRequest(r.Method, route, status, took)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", status).
			WithField("remote", r.RemoteAddr).
			WithField("duration", took).
			Debug("Request handled")
	})
}

// clientIdleTTL is how long a client's budget is kept after its last
// request.
const clientIdleTTL = 10 * time.Minute

type clientBudget struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimiters hands every client address its own token bucket. Idle
// buckets are swept while serving requests.
type clientLimiters struct {
	mu        sync.Mutex
	clients   map[string]*clientBudget
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiters(requestsPerMinute int) *clientLimiters {
	return &clientLimiters{
		clients: make(map[string]*clientBudget, 16),
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
		now:     time.Now,
	}
}

// allow takes one token for client. When none is left it reports how long
// the client has to wait for the next one.
func (c *clientLimiters) allow(client string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if now.Sub(c.lastSweep) >= clientIdleTTL/2 {
		for addr, b := range c.clients {
			if now.Sub(b.seen) > clientIdleTTL {
				delete(c.clients, addr)
			}
		}

		c.lastSweep = now
	}

	b, ok := c.clients[client]
	if !ok {
		b = &clientBudget{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = b
	}

	b.seen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}

	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)

		return false, wait
	}

	return true, 0
}

// rateLimitMiddleware rejects clients that exceed requestsPerMinute with
// 429 and a Retry-After hint.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	limiters := newClientLimiters(requestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)

			ok, wait := limiters.allow(client)
			if !ok {
				if wait > 0 {
					w.Header().Set("Retry-After",
						strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}

				s.log.WithField("client", client).Debug("Rate limited")

				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr identifies the caller, preferring the first proxy hop.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/geo-sightings/internal/metrics"
	"github.com/geo-sightings/internal/pkg/clock"
	"golang.org/x/time/rate"
)

// Limit admits Requests per Window for one client on one route class.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Per-client limits for each route class.
var (
	LimitSend     = Limit{Requests: 5, Window: time.Minute}
	LimitRegister = Limit{Requests: 3, Window: time.Minute}
	LimitRead     = Limit{Requests: 20, Window: time.Minute}
	LimitCleanup  = Limit{Requests: 1, Window: 5 * time.Minute}
)

// Counter decides whether one more request under key fits in l.
type Counter interface {
	Allow(ctx context.Context, key string, l Limit) (bool, error)
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is an in-process token-bucket Counter. Buckets idle for longer than
// staleAfter are dropped on a later call.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyLimiter
	clock     clock.Clock
	lastClean time.Time
}

const (
	cleanEvery = 5 * time.Minute
	staleAfter = 10 * time.Minute
)

func NewRateLimiter(clk clock.Clock) *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*keyLimiter), clock: clk, lastClean: clk.Now()}
}

// Allow consumes one token from key's bucket. A bucket refills at Requests per Window and
// holds at most Requests tokens.
func (rl *RateLimiter) Allow(_ context.Context, key string, l Limit) (bool, error) {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastClean) > cleanEvery {
		for k, v := range rl.limiters {
			if now.Sub(v.lastSeen) > staleAfter {
				delete(rl.limiters, k)
			}
		}
		rl.lastClean = now
	}

	v, ok := rl.limiters[key]
	if !ok {
		v = &keyLimiter{limiter: rate.NewLimiter(rate.Every(l.Window/time.Duration(l.Requests)), l.Requests)}
		rl.limiters[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

type windowCounter interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
}

// SharedCounter is a fixed-window Counter backed by a store every API instance sees.
type SharedCounter struct {
	store windowCounter
	clock clock.Clock
}

func NewSharedCounter(store windowCounter, clk clock.Clock) *SharedCounter {
	return &SharedCounter{store: store, clock: clk}
}

func (c *SharedCounter) Allow(ctx context.Context, key string, l Limit) (bool, error) {
	n, err := c.store.Increment(ctx, key, l.Window, c.clock.Now())
	if err != nil {
		return false, err
	}
	return n <= int64(l.Requests), nil
}

// Gate applies per-client limits to route classes.
type Gate struct {
	counter Counter
}

func NewGate(counter Counter) *Gate { return &Gate{counter: counter} }

// Limit returns middleware admitting l per client IP for the named route class. When the
// counter itself fails the request is let through.
func (g *Gate) Limit(class string, l Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := g.counter.Allow(r.Context(), class+"#"+realIP(r), l)
			if err != nil {
				slog.Warn("rate limit counter unavailable", "route", class, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				metrics.RateLimitedTotal.WithLabelValues(class).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(l.Window.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// realIP returns the client address, preferring proxy headers over the socket peer.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-client token bucket. Each key may burst up to limit
// requests and then refills at limit per window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   int
	window  time.Duration
	done    chan struct{}
	once    sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		clients: make(map[string]*client),
		limit:   limit,
		window:  window,
		done:    make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow reports whether a request for key may proceed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[key]
	if !ok {
		every := r.window / time.Duration(r.limit)
		c = &client{limiter: rate.NewLimiter(rate.Every(every), r.limit)}
		r.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// startEviction drops clients idle for a full window; their bucket is full again by then.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-r.window)
				r.mu.Lock()
				for key, c := range r.clients {
					if c.lastSeen.Before(cutoff) {
						delete(r.clients, key)
					}
				}
				r.mu.Unlock()
			}
		}
	}()
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	r.once.Do(func() { close(r.done) })
}

// clientKey identifies the caller. RemoteAddr is already rewritten by chi's RealIP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) allowRun(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil || h.limiter.Allow(clientKey(r)) {
		return true
	}
	h.logger.Warn("Run rate limited", "client", clientKey(r))
	Error(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
	return false
}

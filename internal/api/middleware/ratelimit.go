package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RateLimiter provides rate limiting functionality using a sliding window algorithm
type RateLimiter struct {
	requests int           // Maximum requests per window
	window   time.Duration // Window duration
	clients  map[string]*clientWindow
	mu       sync.RWMutex
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type clientWindow struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter and starts its cleanup loop; call Stop to
// end it.
func NewRateLimiter(requests int, windowSeconds int) *RateLimiter {
	if requests <= 0 {
		requests = 100 // Default
	}
	if windowSeconds <= 0 {
		windowSeconds = 60 // Default
	}

	rl := &RateLimiter{
		requests: requests,
		window:   time.Duration(windowSeconds) * time.Second,
		clients:  make(map[string]*clientWindow),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop(time.Minute)
	return rl
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops clients without activity in the last two windows.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, client := range rl.clients {
		client.mu.Lock()
		if len(client.timestamps) == 0 || now.Sub(client.timestamps[len(client.timestamps)-1]) > rl.window*2 {
			delete(rl.clients, key)
		}
		client.mu.Unlock()
	}
}

func (rl *RateLimiter) client(key string) *clientWindow {
	rl.mu.RLock()
	client, exists := rl.clients[key]
	rl.mu.RUnlock()
	if exists {
		return client
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Double-check after acquiring write lock
	if client, exists = rl.clients[key]; !exists {
		client = &clientWindow{timestamps: make([]time.Time, 0, rl.requests)}
		rl.clients[key] = client
	}
	return client
}

// Allow records a request for key when the window has room. It returns the
// remaining budget and the time the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	client := rl.client(key)
	client.mu.Lock()
	defer client.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	// Remove timestamps outside the window
	keep := 0
	for keep < len(client.timestamps) && !client.timestamps[keep].After(windowStart) {
		keep++
	}
	client.timestamps = client.timestamps[keep:]

	if len(client.timestamps) >= rl.requests {
		return false, 0, client.timestamps[0].Add(rl.window)
	}

	client.timestamps = append(client.timestamps, now)
	return true, rl.requests - len(client.timestamps), now.Add(rl.window)
}

// KeyFunc picks the bucket a request is counted in.
type KeyFunc func(r *http.Request) string

// ByIP counts requests per client address.
func ByIP(r *http.Request) string {
	return getClientIP(r)
}

// ByUser counts authenticated requests per user and the rest per address.
// It must run after Auth.
func ByUser(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != uuid.Nil {
		return "user:" + userID.String()
	}
	return getClientIP(r)
}

// Limit returns a middleware that rejects requests over the limiter's budget.
func Limit(limiter *RateLimiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining, resetTime := limiter.Allow(key(r))

			// Set rate limit headers
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				retry := int64(resetTime.Sub(limiter.now()).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits per client IP.
func RateLimit(requests int, windowSeconds int) func(http.Handler) http.Handler {
	return Limit(NewRateLimiter(requests, windowSeconds), ByIP)
}

// RateLimitByUser limits per authenticated user.
func RateLimitByUser(requests int, windowSeconds int) func(http.Handler) http.Handler {
	return Limit(NewRateLimiter(requests, windowSeconds), ByUser)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (set by proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	// Check X-Real-IP header (set by some proxies)
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

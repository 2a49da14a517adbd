package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter implements per-client sliding window rate limiting
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*slidingWindow
	limit    int
	window   time.Duration
	keyFunc  func(r *http.Request) string
	clock    clockwork.Clock
	cleanupT clockwork.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// slidingWindow tracks requests in a sliding time window
type slidingWindow struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// RateLimitConfig defines rate limit parameters
type RateLimitConfig struct {
	Limit   int           // Max requests per window
	Window  time.Duration // Time window
	KeyFunc func(r *http.Request) string
	Clock   clockwork.Clock
}

// DefaultRateLimitConfig allows 60 requests per minute per client IP
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:   60,
		Window:  time.Minute,
		KeyFunc: GetClientIP,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = GetClientIP
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	rl := &RateLimiter{
		windows: make(map[string]*slidingWindow),
		limit:   cfg.Limit,
		window:  cfg.Window,
		keyFunc: cfg.KeyFunc,
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
	}

	// Expired windows are dropped so idle clients do not accumulate
	rl.cleanupT = rl.clock.NewTicker(cfg.Window)
	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupT.Chan():
			rl.mu.Lock()
			now := rl.clock.Now()
			for key, sw := range rl.windows {
				sw.mu.Lock()
				sw.pruneOld(now, rl.window)
				if len(sw.timestamps) == 0 {
					delete(rl.windows, key)
				}
				sw.mu.Unlock()
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			rl.cleanupT.Stop()
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// Allow checks if a request should be allowed. The second return value is
// how long the client should wait when it is not.
func (rl *RateLimiter) Allow(r *http.Request) (bool, time.Duration) {
	key := rl.keyFunc(r)
	now := rl.clock.Now()

	rl.mu.Lock()
	sw, exists := rl.windows[key]
	if !exists {
		sw = &slidingWindow{}
		rl.windows[key] = sw
	}
	rl.mu.Unlock()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pruneOld(now, rl.window)

	if len(sw.timestamps) >= rl.limit {
		return false, sw.timestamps[0].Add(rl.window).Sub(now)
	}

	sw.timestamps = append(sw.timestamps, now)
	return true, 0
}

// pruneOld removes timestamps older than the window
func (sw *slidingWindow) pruneOld(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(sw.timestamps) && sw.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		sw.timestamps = sw.timestamps[i:]
	}
}

// Middleware returns HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Allow(r); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP from a request.
// chi middleware.RealIP already sets r.RemoteAddr from X-Real-IP / X-Forwarded-For,
// so only the port is stripped here.
func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

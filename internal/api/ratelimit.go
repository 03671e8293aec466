package api

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/metrics"
)

// rateLimiter enforces a per-key sliding one-minute window. It guards the
// wrapper ingest routes, keyed by run id.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	log     zerolog.Logger
	stop    chan struct{}
}

type rateWindow struct {
	count int
	start time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	rl := &rateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   perMinute,
		log:     logging.WithComponent("ratelimit"),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key fits in the current window.
func (rl *rateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.limit {
		metrics.RateLimited.Inc()
		rl.log.Warn().Str("key", key).Int("count", w.count).Int("limit", rl.limit).
			Msg("rate limit exceeded")
		return false
	}
	return true
}

func (rl *rateLimiter) Close() { close(rl.stop) }

// cleanup evicts windows more than two minutes old.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

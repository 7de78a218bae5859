package server

import (
	"sync"
	"time"
)

// RateLimitConfig tunes the chunk submission limiter.
type RateLimitConfig struct {
	Enabled bool
	// Limit is the maximum number of submissions per Window and owner.
	Limit  int
	Window time.Duration
}

// verdict is the limiter's answer for one submission attempt. Count and
// ResetAt are surfaced to the client on a 429 so it can back off precisely.
type verdict struct {
	Allowed bool
	Count   int
	Limit   int
	ResetAt time.Time
}

// rateLimiter is a per-owner sliding window over submission timestamps. A
// token bucket cannot report the current count and reset time the 429
// contract requires, hence the explicit window. In-memory and per-process,
// like the rest of the request-path state.
type rateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	windows map[string][]time.Time
	stop    chan struct{}
	once    sync.Once
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	rl := &rateLimiter{
		cfg:     cfg,
		windows: map[string][]time.Time{},
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (r *rateLimiter) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			cutoff := time.Now().Add(-r.cfg.Window)
			r.mu.Lock()
			for k, times := range r.windows {
				times = prune(times, cutoff)
				if len(times) == 0 {
					delete(r.windows, k)
				} else {
					r.windows[k] = times
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *rateLimiter) close() {
	r.once.Do(func() { close(r.stop) })
}

// allow records one submission attempt for key and reports the verdict.
// Denied attempts are not recorded, so a rejected client does not extend its
// own penalty.
func (r *rateLimiter) allow(key string, now time.Time) verdict {
	if !r.cfg.Enabled {
		return verdict{Allowed: true, Limit: r.cfg.Limit}
	}
	if key == "" {
		key = "anonymous"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	times := prune(r.windows[key], now.Add(-r.cfg.Window))
	if len(times) >= r.cfg.Limit {
		r.windows[key] = times
		return verdict{
			Allowed: false,
			Count:   len(times),
			Limit:   r.cfg.Limit,
			ResetAt: times[0].Add(r.cfg.Window),
		}
	}

	times = append(times, now)
	r.windows[key] = times
	return verdict{
		Allowed: true,
		Count:   len(times),
		Limit:   r.cfg.Limit,
		ResetAt: times[0].Add(r.cfg.Window),
	}
}

// prune drops timestamps at or before cutoff. Slices are append-ordered, so
// the first surviving index ends the scan.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0:0], times[i:]...)
}

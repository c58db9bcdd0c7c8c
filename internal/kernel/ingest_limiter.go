package kernel

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default ingest throttle constants.
const (
	DefaultIngestPerSecond = 50
	DefaultIngestBurst     = 100

	// LimiterSweepInterval is how often Tick forgets quiet sources.
	LimiterSweepInterval = time.Minute
	// LimiterStaleAfter is how long a source may stay quiet before its
	// bucket is dropped.
	LimiterStaleAfter = 10 * time.Minute
)

// IngestLimitConfig configures per-source throttling of ingested envelopes.
type IngestLimitConfig struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
}

// IngestLimiter throttles external envelopes per source. Time is supplied by
// the caller so the kernel clock drives it.
type IngestLimiter struct {
	mu       sync.Mutex
	limiters map[string]*sourceLimiter
	config   IngestLimitConfig
}

type sourceLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIngestLimiter creates a limiter. Zero values fall back to defaults.
func NewIngestLimiter(cfg IngestLimitConfig) *IngestLimiter {
	if cfg.PerSecond == 0 {
		cfg.PerSecond = DefaultIngestPerSecond
	}
	if cfg.Burst == 0 {
		cfg.Burst = DefaultIngestBurst
	}
	return &IngestLimiter{
		limiters: make(map[string]*sourceLimiter),
		config:   cfg,
	}
}

// Allow reports whether one more envelope from source may be ingested at now.
func (r *IngestLimiter) Allow(source string, now time.Time) error {
	if !r.config.Enabled {
		return nil
	}
	if !r.getLimiter(source, now).AllowN(now, 1) {
		return &IngestLimitError{Source: source, Message: "ingest rate exceeded"}
	}
	return nil
}

// CleanupStale forgets sources not seen since now-maxAge.
func (r *IngestLimiter) CleanupStale(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-maxAge)
	removed := 0
	for src, sl := range r.limiters {
		if sl.lastAccess.Before(cutoff) {
			delete(r.limiters, src)
			removed++
		}
	}
	return removed
}

func (r *IngestLimiter) getLimiter(source string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sl, ok := r.limiters[source]; ok {
		sl.lastAccess = now
		return sl.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(r.config.PerSecond), r.config.Burst)
	r.limiters[source] = &sourceLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

// IngestLimitError is returned when a source is throttled.
type IngestLimitError struct {
	Source  string
	Message string
}

func (e *IngestLimitError) Error() string {
	return fmt.Sprintf("ingest throttled for source %s: %s", e.Source, e.Message)
}

package kernel

import (
	"errors"
	"testing"
	"time"

	"github.com/leonletto/panebus/internal/envelope"
)

func TestIngestLimiter_DisabledAlwaysAllows(t *testing.T) {
	limiter := NewIngestLimiter(IngestLimitConfig{PerSecond: 1, Burst: 1})
	now := testEpoch

	for i := range 100 {
		if err := limiter.Allow("remote", now); err != nil {
			t.Errorf("request %d was denied when limiter is disabled: %v", i, err)
		}
	}
}

func TestIngestLimiter_BurstThenRefill(t *testing.T) {
	limiter := NewIngestLimiter(IngestLimitConfig{PerSecond: 2, Burst: 3, Enabled: true})
	now := testEpoch

	for i := range 3 {
		if err := limiter.Allow("remote", now); err != nil {
			t.Errorf("burst request %d was denied: %v", i, err)
		}
	}

	err := limiter.Allow("remote", now)
	var limitErr *IngestLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *IngestLimitError, got %T", err)
	}
	if limitErr.Source != "remote" {
		t.Errorf("expected Source 'remote', got %q", limitErr.Source)
	}

	if err := limiter.Allow("remote", now.Add(500*time.Millisecond)); err != nil {
		t.Errorf("expected a refilled token after 500ms: %v", err)
	}
}

func TestIngestLimiter_SourcesAreIndependent(t *testing.T) {
	limiter := NewIngestLimiter(IngestLimitConfig{PerSecond: 1, Burst: 1, Enabled: true})
	now := testEpoch

	if err := limiter.Allow("a", now); err != nil {
		t.Fatalf("first request from a denied: %v", err)
	}
	if err := limiter.Allow("a", now); err == nil {
		t.Error("second request from a should be throttled")
	}
	if err := limiter.Allow("b", now); err != nil {
		t.Errorf("source b should have its own budget: %v", err)
	}
}

func TestIngestLimiter_Defaults(t *testing.T) {
	limiter := NewIngestLimiter(IngestLimitConfig{Enabled: true})
	if limiter.config.PerSecond != DefaultIngestPerSecond {
		t.Errorf("expected default rate %d, got %v", DefaultIngestPerSecond, limiter.config.PerSecond)
	}
	if limiter.config.Burst != DefaultIngestBurst {
		t.Errorf("expected default burst %d, got %d", DefaultIngestBurst, limiter.config.Burst)
	}
}

func TestIngestLimiter_CleanupStale(t *testing.T) {
	limiter := NewIngestLimiter(IngestLimitConfig{Enabled: true})
	now := testEpoch

	_ = limiter.Allow("old", now)
	_ = limiter.Allow("fresh", now.Add(time.Hour))

	if removed := limiter.CleanupStale(now.Add(time.Hour), 30*time.Minute); removed != 1 {
		t.Errorf("expected 1 stale source removed, got %d", removed)
	}
	if _, ok := limiter.limiters["fresh"]; !ok {
		t.Error("fresh source should survive cleanup")
	}
}

func TestKernelTick_SweepsQuietSources(t *testing.T) {
	limiter := NewIngestLimiter(IngestLimitConfig{Enabled: true})
	k, clk := newTestKernel(t, WithIngestLimiter(limiter))
	ext := func(id, source string) envelope.Envelope {
		return envelope.Envelope{EventID: id, TraceID: "t", Type: "x", Stage: "s", Source: source, Ts: 1}
	}

	k.Ingest(ext("e1", "a"))
	k.Ingest(ext("e2", "b"))
	if len(limiter.limiters) != 2 {
		t.Fatalf("expected 2 tracked sources, got %d", len(limiter.limiters))
	}

	clk.Advance(LimiterStaleAfter + time.Minute)
	k.Ingest(ext("e3", "c"))

	if len(limiter.limiters) != 1 {
		t.Errorf("expected quiet sources to be swept, %d remain", len(limiter.limiters))
	}
	if _, ok := limiter.limiters["c"]; !ok {
		t.Error("active source should be tracked")
	}
}

// Package replay feeds a recorded event stream back through a kernel so
// contract packs can be checked offline against a real session.
package replay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/clock"
	"github.com/leonletto/panebus/internal/envelope"
	"github.com/leonletto/panebus/internal/jsonl"
	"github.com/leonletto/panebus/internal/kernel"
)

// Result summarizes one replay.
type Result struct {
	Read     int          `json:"read"`
	Ingested int          `json:"ingested"`
	Rejected int          `json:"rejected"`
	Stats    kernel.Stats `json:"stats"`
}

// Replayer ingests recorded envelopes into a kernel. When the kernel runs on
// a manual clock the clock jumps to the first recorded timestamp and then
// follows the recording forward, so TTL expiry and safe-mode windows behave
// as they did live.
type Replayer struct {
	kernel  *kernel.Kernel
	clock   *clock.Manual
	logger  *zap.Logger
	started bool
}

// New returns a replayer. clk may be nil to replay on whatever clock the
// kernel was built with.
func New(k *kernel.Kernel, clk *clock.Manual, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{kernel: k, clock: clk, logger: logger}
}

// Run drains records. A malformed line stops the replay and is returned
// together with the partial result.
func (r *Replayer) Run(ctx context.Context, records <-chan jsonl.Record) (Result, error) {
	var res Result
	for {
		select {
		case <-ctx.Done():
			res.Stats = r.kernel.Stats()
			return res, ctx.Err()
		case rec, ok := <-records:
			if !ok {
				r.drain()
				res.Stats = r.kernel.Stats()
				return res, nil
			}
			if rec.Err != nil {
				res.Stats = r.kernel.Stats()
				return res, fmt.Errorf("read events: %w", rec.Err)
			}
			r.ingest(rec.Fields, &res)
		}
	}
}

// RunAll replays an in-memory slice.
func (r *Replayer) RunAll(inputs []map[string]any) Result {
	var res Result
	for _, in := range inputs {
		r.ingest(in, &res)
	}
	r.drain()
	res.Stats = r.kernel.Stats()
	return res
}

func (r *Replayer) ingest(input map[string]any, res *Result) {
	res.Read++
	env := envelope.Normalize(input, envelope.Options{NowMs: r.nowMs()})
	r.advanceTo(env.Ts)
	if out := r.kernel.Ingest(env); out == nil {
		res.Rejected++
		r.logger.Debug("replay rejected event",
			zap.String("event_id", env.EventID), zap.String("type", env.Type))
		return
	}
	res.Ingested++
}

// drain fires every timer still pending so deferred events settle.
func (r *Replayer) drain() {
	if r.clock == nil {
		r.kernel.Tick()
		return
	}
	for {
		at, ok := r.kernel.NextTimer()
		if !ok {
			return
		}
		r.advanceTo(at)
		r.kernel.Tick()
	}
}

func (r *Replayer) advanceTo(ms int64) {
	if r.clock == nil || ms <= 0 {
		return
	}
	t := time.UnixMilli(ms)
	if !r.started || t.After(r.clock.Now()) {
		r.clock.Set(t)
		r.started = true
	}
}

func (r *Replayer) nowMs() int64 {
	if r.clock == nil {
		return 0
	}
	return r.clock.Now().UnixMilli()
}

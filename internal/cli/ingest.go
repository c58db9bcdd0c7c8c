package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/clock"
	"github.com/leonletto/panebus/internal/envelope"
	"github.com/leonletto/panebus/internal/jsonl"
	"github.com/leonletto/panebus/internal/kernel"
	"github.com/leonletto/panebus/internal/ledger"
	"github.com/leonletto/panebus/internal/replay"
)

// IngestOptions controls Ingest.
type IngestOptions struct {
	// Contracts are packs loaded after the configured ones.
	Contracts []string
	// TickInterval is how often pending timers fire. Zero uses
	// kernel.DefaultTickInterval.
	TickInterval time.Duration
}

// Ingest feeds a live JSONL stream into a kernel on the real clock until src
// ends or ctx is done. The kernel is owned by a kernel.Loop so deferred
// events and safe mode expire while the stream is idle. Dispatched events are
// recorded to the ledger when it is available.
func (w *Workspace) Ingest(ctx context.Context, src io.Reader, opts IngestOptions) (replay.Result, error) {
	k, err := w.NewKernel(nil, opts.Contracts...)
	if err != nil {
		return replay.Result{}, err
	}
	var rec *ledger.Recorder
	if w.Store.IsAvailable() {
		rec = ledger.NewRecorder(w.Store, w.Logger.Named("recorder"))
		rec.Attach(k)
	}

	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	loop := kernel.NewLoop(k, opts.TickInterval)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()

	// A blocked read on a pipe cannot be interrupted, so ctx is watched here
	// as well as by the decoder.
	records := jsonl.Decode(readCtx, src)
	var res replay.Result
	var readErr error
read:
	for {
		var r jsonl.Record
		var ok bool
		select {
		case <-ctx.Done():
			break read
		case r, ok = <-records:
		}
		if !ok {
			break
		}
		if r.Err != nil {
			readErr = fmt.Errorf("read events: %w", r.Err)
			break
		}
		res.Read++
		var accepted bool
		err := loop.Do(readCtx, func(k *kernel.Kernel) {
			env := envelope.Normalize(r.Fields, envelope.Options{NowMs: clock.NowMs(clock.Real{})})
			accepted = k.Ingest(env) != nil
		})
		if err != nil {
			break
		}
		if accepted {
			res.Ingested++
		} else {
			res.Rejected++
		}
	}

	if err := loop.Do(loopCtx, func(k *kernel.Kernel) { res.Stats = k.Stats() }); err != nil {
		return res, err
	}
	if rec != nil {
		w.Logger.Info("ingest recorded",
			zap.Int64("recorded", rec.Recorded()), zap.Int64("failed", rec.Failed()))
	}
	return res, readErr
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/clock"
	"github.com/leonletto/panebus/internal/jsonl"
	"github.com/leonletto/panebus/internal/ledger"
	"github.com/leonletto/panebus/internal/replay"
)

// exportLimit is the most events one export reads.
const exportLimit = 10000

// ExportTrace writes every stored event of traceID to path, one envelope
// per line, replacing any existing file. A path of "-" writes to stdout.
func ExportTrace(ctx context.Context, store *ledger.Store, traceID, path string, stdout io.Writer) (int, error) {
	trace, err := store.QueryTrace(ctx, traceID, ledger.TraceOptions{Limit: exportLimit})
	if err != nil {
		return 0, err
	}

	if path == "-" {
		enc := json.NewEncoder(stdout)
		for _, e := range trace.Events {
			if err := enc.Encode(e); err != nil {
				return 0, fmt.Errorf("write event: %w", err)
			}
		}
		return len(trace.Events), nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("replace %s: %w", path, err)
	}
	w, err := jsonl.NewWriter(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = w.Close() }()

	records := make([]any, 0, len(trace.Events))
	for _, e := range trace.Events {
		records = append(records, e)
	}
	if err := w.Append(records...); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ImportTrace appends every line of a JSONL file to the ledger. Lines that
// are not valid envelopes are counted as rejected.
func ImportTrace(ctx context.Context, store *ledger.Store, path string) (ledger.AppendResult, error) {
	r, err := jsonl.NewReader(path)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	inputs, err := r.ReadAll()
	if err != nil {
		return ledger.AppendResult{}, err
	}
	return store.AppendBatch(ctx, inputs)
}

// ReplayOptions controls Replay.
type ReplayOptions struct {
	Path string
	// Contracts are packs loaded after the configured ones.
	Contracts []string
	// Record persists replayed events to the ledger when it is available.
	Record bool
}

// Replay runs a recorded JSONL stream through a fresh kernel built from the
// workspace config, on a manual clock that follows the recording.
func (w *Workspace) Replay(ctx context.Context, opts ReplayOptions) (replay.Result, error) {
	reader, err := jsonl.NewReader(opts.Path)
	if err != nil {
		return replay.Result{}, err
	}
	clk := clock.NewManual(clock.Real{}.Now())
	k, err := w.NewKernel(clk, opts.Contracts...)
	if err != nil {
		return replay.Result{}, err
	}

	var rec *ledger.Recorder
	if opts.Record && w.Store.IsAvailable() {
		rec = ledger.NewRecorder(w.Store, w.Logger.Named("recorder"))
		rec.Attach(k)
	}

	res, err := replay.New(k, clk, w.Logger.Named("replay")).Run(ctx, reader.Stream(ctx))
	if rec != nil {
		w.Logger.Info("replay recorded",
			zap.Int64("recorded", rec.Recorded()), zap.Int64("failed", rec.Failed()))
	}
	return res, err
}

package ledger

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/envelope"
	"github.com/leonletto/panebus/internal/kernel"
)

// Recorder persists every event a kernel dispatches. Write failures are
// logged and counted; they never reach the kernel.
type Recorder struct {
	store  *Store
	logger *zap.Logger

	recorded atomic.Int64
	failed   atomic.Int64
}

// NewRecorder builds a recorder writing to store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

// Attach subscribes the recorder to every event of k.
func (r *Recorder) Attach(k *kernel.Kernel) kernel.ListenerID {
	return k.On(kernel.CatchAll, r.Record)
}

// Record appends one envelope. A disabled ledger is silently skipped.
func (r *Recorder) Record(env envelope.Envelope) {
	res, err := r.store.AppendEnvelope(context.Background(), env)
	switch {
	case errors.Is(err, ErrUnavailable):
		return
	case err != nil:
		r.failed.Add(1)
		r.logger.Warn("ledger record failed",
			zap.String("event_id", env.EventID),
			zap.String("type", env.Type),
			zap.String("reason", Reason(err)),
			zap.Error(err))
		return
	}
	r.recorded.Add(int64(res.Inserted))
}

// Recorded is the number of events written.
func (r *Recorder) Recorded() int64 {
	return r.recorded.Load()
}

// Failed is the number of events that could not be written.
func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}

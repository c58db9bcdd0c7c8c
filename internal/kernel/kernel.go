// Package kernel is the in-process event bus for pane activity: it stamps
// envelopes, enforces contracts against a per-pane state vector, defers
// events until state allows them, and trips safe mode on violation bursts.
//
// A Kernel is not safe for concurrent use. Listeners run synchronously and
// may call back into the kernel. Use Loop to drive one from many goroutines.
package kernel

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/clock"
	"github.com/leonletto/panebus/internal/envelope"
	"github.com/leonletto/panebus/internal/identity"
)

// Config holds the kernel's tunables.
type Config struct {
	BufferCapacity         int
	BufferWindow           time.Duration
	DeferTTL               time.Duration
	MaxDeferredPerContract int
	SafeModeThreshold      int
	SafeModeWindow         time.Duration
	SafeModeCooldown       time.Duration
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		BufferCapacity:         1000,
		BufferWindow:           5 * time.Minute,
		DeferTTL:               30 * time.Second,
		MaxDeferredPerContract: 256,
		SafeModeThreshold:      3,
		SafeModeWindow:         10 * time.Second,
		SafeModeCooldown:       30 * time.Second,
	}
}

// Validate rejects non-positive tunables.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	check("buffer_capacity", c.BufferCapacity > 0)
	check("buffer_window", c.BufferWindow > 0)
	check("defer_ttl", c.DeferTTL > 0)
	check("max_deferred_per_contract", c.MaxDeferredPerContract > 0)
	check("safe_mode_threshold", c.SafeModeThreshold > 0)
	check("safe_mode_window", c.SafeModeWindow > 0)
	check("safe_mode_cooldown", c.SafeModeCooldown > 0)
	return errors.Join(errs...)
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(k *Kernel) { k.clock = c }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithConfig replaces the default tunables.
func WithConfig(cfg Config) Option {
	return func(k *Kernel) { k.cfg = cfg }
}

// WithDevMode disables payload redaction.
func WithDevMode(on bool) Option {
	return func(k *Kernel) { k.devMode = on }
}

// WithTelemetry toggles the ring buffer. Telemetry is on by default.
func WithTelemetry(on bool) Option {
	return func(k *Kernel) { k.telemetry = on }
}

// WithIngestLimiter throttles Ingest per source.
func WithIngestLimiter(l *IngestLimiter) Option {
	return func(k *Kernel) { k.limiter = l }
}

// EmitOptions carries the optional fields of Emit.
type EmitOptions struct {
	PaneID        string
	Source        string
	Stage         string
	Direction     string
	Role          string
	Payload       map[string]any
	CorrelationID string
	CausationID   string
	Meta          map[string]any
	EvidenceRefs  []envelope.EvidenceRef
}

// Stats are the kernel counters.
type Stats struct {
	TotalEmitted       int64 `json:"totalEmitted"`
	TotalDropped       int64 `json:"totalDropped"`
	ContractViolations int64 `json:"contractViolations"`
	BufferSize         int   `json:"bufferSize"`
	Deferred           int   `json:"deferred"`
	SafeMode           bool  `json:"safeMode"`
}

// Kernel is the event bus.
type Kernel struct {
	clock   clock.Clock
	logger  *zap.Logger
	cfg     Config
	limiter *IngestLimiter

	lastLimiterSweep time.Time

	telemetry bool
	devMode   bool

	listeners    []*listener
	nextListener ListenerID

	contracts     map[string]*Contract
	contractOrder []string

	seqBySource map[string]int64
	correlation string

	panes     map[string]*PaneState
	paneOrder []string

	deferred map[deferKey][]DeferredEvent
	safe     safeModeState

	buffer *ringBuffer
	timers *schedule
	firing bool

	stats Stats
}

// New builds a kernel. It fails when the tunables are invalid.
func New(opts ...Option) (*Kernel, error) {
	k := &Kernel{
		clock:     clock.Real{},
		logger:    zap.NewNop(),
		cfg:       DefaultConfig(),
		telemetry: true,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.clock == nil {
		return nil, errors.New("kernel: clock is required")
	}
	if k.logger == nil {
		k.logger = zap.NewNop()
	}
	if err := k.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel config: %w", err)
	}
	k.init()
	return k, nil
}

func (k *Kernel) init() {
	k.listeners = nil
	k.contracts = make(map[string]*Contract)
	k.contractOrder = nil
	k.seqBySource = make(map[string]int64)
	k.correlation = ""
	k.panes = make(map[string]*PaneState)
	k.paneOrder = nil
	k.deferred = make(map[deferKey][]DeferredEvent)
	k.safe = safeModeState{}
	if k.buffer == nil {
		k.buffer = newRingBuffer(k.cfg.BufferCapacity, k.cfg.BufferWindow.Milliseconds())
	} else {
		k.buffer.reset()
	}
	if k.timers == nil {
		k.timers = newSchedule()
	} else {
		k.timers.clear()
	}
	k.firing = false
	k.stats = Stats{}
}

// Reset clears every listener, contract, state, queue, timer and counter.
func (k *Kernel) Reset() {
	k.init()
}

func (k *Kernel) nowMs() int64 {
	return clock.NowMs(k.clock)
}

// Emit stamps and publishes a new event, returning the envelope as
// dispatched (or as deferred or dropped).
func (k *Kernel) Emit(eventType string, opts EmitOptions) envelope.Envelope {
	k.Tick()
	now := k.nowMs()

	traceID := opts.CorrelationID
	if traceID == "" {
		traceID = k.correlation
	}
	if traceID == "" {
		traceID = identity.GenerateTraceID()
	}
	env := envelope.Envelope{
		EventID:       identity.GenerateEventID(),
		TraceID:       traceID,
		SpanID:        identity.GenerateSpanID(),
		ParentEventID: opts.CausationID,
		CausationID:   opts.CausationID,
		Type:          eventType,
		Stage:         orDefault(opts.Stage, StageEmitted),
		Source:        orDefault(opts.Source, envelope.DefaultSource),
		PaneID:        orDefault(opts.PaneID, envelope.DefaultPaneID),
		Ts:            now,
		Payload:       sanitizePayload(opts.Payload, k.devMode),
		Direction:     opts.Direction,
		Role:          opts.Role,
		EvidenceRefs:  append([]envelope.EvidenceRef(nil), opts.EvidenceRefs...),
		Meta:          envelope.CloneMap(opts.Meta),
	}
	if env.Meta == nil {
		env.Meta = map[string]any{}
	}
	return k.process(env, true)
}

// Ingest accepts an envelope produced elsewhere. It returns nil when the
// envelope is invalid or throttled. The original event id is kept; seq is
// reassigned per source and the remote seq moves to meta.remoteSeq.
func (k *Kernel) Ingest(ext envelope.Envelope) *envelope.Envelope {
	k.Tick()

	if v := envelope.Validate(ext); !v.Valid {
		k.logger.Warn("ingest rejected invalid envelope",
			zap.String("event_id", ext.EventID),
			zap.Strings("errors", v.Errors))
		return nil
	}
	if k.limiter != nil {
		if err := k.limiter.Allow(ext.Source, k.clock.Now()); err != nil {
			k.logger.Warn("ingest throttled", zap.String("source", ext.Source), zap.Error(err))
			return nil
		}
	}

	env := ext.Clone()
	if env.SpanID == "" {
		env.SpanID = identity.GenerateSpanID()
	}
	if env.CausationID == "" {
		env.CausationID = env.ParentEventID
	}
	env.PaneID = orDefault(env.PaneID, envelope.DefaultPaneID)
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	if env.Meta == nil {
		env.Meta = map[string]any{}
	}
	if ext.Seq > 0 {
		env.Meta["remoteSeq"] = ext.Seq
	}
	out := k.process(env, true)
	return &out
}

// process assigns seq, evaluates contracts, dispatches and buffers env.
func (k *Kernel) process(env envelope.Envelope, enforce bool) envelope.Envelope {
	k.seqBySource[env.Source]++
	env.Seq = k.seqBySource[env.Source]
	k.stats.TotalEmitted++
	k.ensurePane(env.PaneID)

	result := outcomeDispatch
	if enforce {
		result = k.evaluate(&env, false, 0)
	}
	if result == outcomeDispatch {
		k.dispatch(env)
	}
	if k.telemetry {
		k.buffer.append(env.Clone(), k.nowMs())
	}
	return env.Clone()
}

// emitKernelEvent publishes an event about the kernel itself. These skip
// contract evaluation.
func (k *Kernel) emitKernelEvent(eventType, paneID, traceID string, payload map[string]any) envelope.Envelope {
	if traceID == "" {
		traceID = k.correlation
	}
	if traceID == "" {
		traceID = identity.GenerateTraceID()
	}
	env := envelope.Envelope{
		EventID: identity.GenerateEventID(),
		TraceID: traceID,
		SpanID:  identity.GenerateSpanID(),
		Type:    eventType,
		Stage:   StageKernel,
		Source:  KernelSource,
		PaneID:  orDefault(paneID, envelope.DefaultPaneID),
		Ts:      k.nowMs(),
		Payload: payload,
		Meta:    map[string]any{},
	}
	return k.process(env, false)
}

// State returns a copy of the pane's state. Unknown panes report defaults.
func (k *Kernel) State(paneID string) PaneState {
	if st, ok := k.panes[paneID]; ok {
		return *st
	}
	st := DefaultPaneState()
	st.Gates.SafeMode = k.safe.active
	return st
}

// Panes lists known pane ids in creation order.
func (k *Kernel) Panes() []string {
	return append([]string(nil), k.paneOrder...)
}

// UpdateState deep-merges patch into the pane's state, emits
// pane.state.changed and then retries the pane's deferred events.
func (k *Kernel) UpdateState(paneID string, patch StatePatch) PaneState {
	k.Tick()
	paneID = orDefault(paneID, envelope.DefaultPaneID)

	st := k.ensurePane(paneID)
	prev := *st
	*st = patch.Apply(*st)
	next := *st

	k.emitKernelEvent(EventPaneStateChanged, paneID, "", map[string]any{
		"paneId": paneID,
		"prev":   prev.Map(),
		"next":   next.Map(),
	})
	k.resume(paneID)
	return k.State(paneID)
}

func (k *Kernel) ensurePane(paneID string) *PaneState {
	if st, ok := k.panes[paneID]; ok {
		return st
	}
	st := DefaultPaneState()
	st.Gates.SafeMode = k.safe.active
	k.panes[paneID] = &st
	k.paneOrder = append(k.paneOrder, paneID)
	return &st
}

// Stats returns a snapshot of the counters.
func (k *Kernel) Stats() Stats {
	s := k.stats
	s.BufferSize = k.buffer.len()
	s.SafeMode = k.safe.active
	for _, q := range k.deferred {
		s.Deferred += len(q)
	}
	return s
}

// SetTelemetryEnabled toggles buffering of emitted events.
func (k *Kernel) SetTelemetryEnabled(on bool) {
	k.telemetry = on
}

// SetDevMode toggles payload redaction for subsequent emits.
func (k *Kernel) SetDevMode(on bool) {
	k.devMode = on
}

// StartCorrelation begins a new trace used by emits that pass none.
func (k *Kernel) StartCorrelation() string {
	k.correlation = identity.GenerateTraceID()
	return k.correlation
}

// CurrentCorrelation returns the active trace id, if any.
func (k *Kernel) CurrentCorrelation() string {
	return k.correlation
}

// EndCorrelation clears the active trace.
func (k *Kernel) EndCorrelation() {
	k.correlation = ""
}

// Tick fires every timer due at the current clock time. Public operations
// call it first, so timers also run lazily without a driver.
func (k *Kernel) Tick() {
	if k.firing {
		return
	}
	k.firing = true
	defer func() { k.firing = false }()
	k.sweepLimiter()
	for {
		e := k.timers.popDue(k.nowMs())
		if e == nil {
			return
		}
		e.fn()
	}
}

// sweepLimiter forgets throttled sources that went quiet, at most once per
// LimiterSweepInterval.
func (k *Kernel) sweepLimiter() {
	if k.limiter == nil {
		return
	}
	now := k.clock.Now()
	if k.lastLimiterSweep.IsZero() {
		k.lastLimiterSweep = now
		return
	}
	if now.Sub(k.lastLimiterSweep) < LimiterSweepInterval {
		return
	}
	k.lastLimiterSweep = now
	if n := k.limiter.CleanupStale(now, LimiterStaleAfter); n > 0 {
		k.logger.Debug("ingest limiter swept", zap.Int("sources", n))
	}
}

// NextTimer reports the fire time of the earliest pending timer.
func (k *Kernel) NextTimer() (int64, bool) {
	if k.timers.len() == 0 {
		return 0, false
	}
	return k.timers.entries[0].at, true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

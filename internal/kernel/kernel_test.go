package kernel

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/leonletto/panebus/internal/clock"
	"github.com/leonletto/panebus/internal/envelope"
)

var testEpoch = time.UnixMilli(1_700_000_000_000)

func newTestKernel(t *testing.T, opts ...Option) (*Kernel, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	k, err := New(append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return k, clk
}

// record collects every envelope delivered to pattern.
func record(k *Kernel, pattern string) *[]envelope.Envelope {
	var got []envelope.Envelope
	k.On(pattern, func(env envelope.Envelope) {
		got = append(got, env)
	})
	return &got
}

func types(envs []envelope.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeferTTL = 0
	cfg.SafeModeThreshold = -1

	_, err := New(WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defer_ttl")
	assert.Contains(t, err.Error(), "safe_mode_threshold")
}

func TestEmit_Defaults(t *testing.T) {
	k, _ := newTestKernel(t)

	env := k.Emit("inject.requested", EmitOptions{})

	assert.True(t, strings.HasPrefix(env.EventID, "evt_"))
	assert.NotEmpty(t, env.TraceID)
	assert.NotEmpty(t, env.SpanID)
	assert.Equal(t, "unknown", env.Source)
	assert.Equal(t, "system", env.PaneID)
	assert.Equal(t, StageEmitted, env.Stage)
	assert.Equal(t, testEpoch.UnixMilli(), env.Ts)
	assert.Equal(t, int64(1), env.Seq)
	assert.Empty(t, env.ParentEventID)
	assert.NotNil(t, env.Payload)
	assert.True(t, envelope.Validate(env).Valid)
}

func TestEmit_CausationBecomesParent(t *testing.T) {
	k, _ := newTestKernel(t)

	root := k.Emit("inject.requested", EmitOptions{Source: "pane"})
	child := k.Emit("inject.sent", EmitOptions{
		Source:        "pane",
		CorrelationID: root.TraceID,
		CausationID:   root.EventID,
	})

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.EventID, child.ParentEventID)
	assert.Equal(t, root.EventID, child.CausationID)
}

func TestEmit_SeqIsPerSource(t *testing.T) {
	k, _ := newTestKernel(t)

	a1 := k.Emit("x", EmitOptions{Source: "a"})
	b1 := k.Emit("x", EmitOptions{Source: "b"})
	a2 := k.Emit("x", EmitOptions{Source: "a"})
	b2 := k.Emit("x", EmitOptions{Source: "b"})
	a3 := k.Emit("x", EmitOptions{Source: "a"})

	assert.Equal(t, []int64{1, 2, 3}, []int64{a1.Seq, a2.Seq, a3.Seq})
	assert.Equal(t, []int64{1, 2}, []int64{b1.Seq, b2.Seq})
}

func TestEmit_RedactsBodyAndMessage(t *testing.T) {
	k, _ := newTestKernel(t)
	got := record(k, "pane.output")

	k.Emit("pane.output", EmitOptions{Payload: map[string]any{
		"body":    "secret text",
		"message": "héllo 😀",
		"lines":   3,
	}})

	require.Len(t, *got, 1)
	want := map[string]any{
		"body":    map[string]any{"redacted": true, "length": 11},
		"message": map[string]any{"redacted": true, "length": 8},
		"lines":   3,
	}
	if diff := cmp.Diff(want, (*got)[0].Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestEmit_DevModeKeepsBody(t *testing.T) {
	k, _ := newTestKernel(t)
	k.SetDevMode(true)

	env := k.Emit("pane.output", EmitOptions{Payload: map[string]any{"body": "visible"}})

	assert.Equal(t, "visible", env.Payload["body"])
}

func TestEmit_DoesNotAliasCallerPayload(t *testing.T) {
	k, _ := newTestKernel(t)
	k.SetDevMode(true)
	payload := map[string]any{"n": 1}

	env := k.Emit("x", EmitOptions{Payload: payload})
	payload["n"] = 2

	assert.Equal(t, 1, env.Payload["n"])
	assert.Equal(t, 1, k.Buffer()[0].Payload["n"])
}

func TestCorrelation(t *testing.T) {
	k, _ := newTestKernel(t)
	assert.Empty(t, k.CurrentCorrelation())

	id := k.StartCorrelation()
	assert.Equal(t, id, k.CurrentCorrelation())

	env := k.Emit("x", EmitOptions{})
	assert.Equal(t, id, env.TraceID)

	explicit := k.Emit("x", EmitOptions{CorrelationID: "trc_explicit"})
	assert.Equal(t, "trc_explicit", explicit.TraceID)

	k.EndCorrelation()
	assert.NotEqual(t, id, k.Emit("x", EmitOptions{}).TraceID)
}

func TestListeners_ExactThenWildcardThenCatchAll(t *testing.T) {
	k, _ := newTestKernel(t)
	var order []string
	k.On("*", func(envelope.Envelope) { order = append(order, "all") })
	k.On("inject.*", func(envelope.Envelope) { order = append(order, "inject.*") })
	k.On("inject.requested", func(envelope.Envelope) { order = append(order, "exact") })
	k.On("inject.requested.*", func(envelope.Envelope) { order = append(order, "unrelated") })
	k.On("pane.*", func(envelope.Envelope) { order = append(order, "other-ns") })

	k.Emit("inject.requested", EmitOptions{})

	assert.Equal(t, []string{"exact", "inject.*", "all"}, order)
}

func TestListeners_LongerNamespaceFirst(t *testing.T) {
	k, _ := newTestKernel(t)
	var order []string
	k.On("a.*", func(envelope.Envelope) { order = append(order, "a.*") })
	k.On("a.b.*", func(envelope.Envelope) { order = append(order, "a.b.*") })

	k.Emit("a.b.c", EmitOptions{})

	assert.Equal(t, []string{"a.b.*", "a.*"}, order)
}

func TestListeners_Off(t *testing.T) {
	k, _ := newTestKernel(t)
	calls := 0
	id := k.On("x", func(envelope.Envelope) { calls++ })

	k.Emit("x", EmitOptions{})
	k.Off(id)
	k.Emit("x", EmitOptions{})
	k.Off(id)

	assert.Equal(t, 1, calls)
}

func TestListeners_PanicIsIsolated(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	k, _ := newTestKernel(t, WithLogger(zap.New(core)))

	var after []string
	k.On("x", func(envelope.Envelope) { panic("boom") })
	k.On("x", func(e envelope.Envelope) { after = append(after, e.EventID) })

	first := k.Emit("x", EmitOptions{})
	second := k.Emit("x", EmitOptions{})

	assert.Equal(t, []string{first.EventID, second.EventID}, after)
	entries := logs.FilterMessage("listener panicked").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "x", entries[0].ContextMap()["type"])
}

func TestListeners_GetIndependentCopies(t *testing.T) {
	k, _ := newTestKernel(t)
	k.SetDevMode(true)
	var seen any
	k.On("x", func(e envelope.Envelope) { e.Payload["k"] = "mutated" })
	k.On("x", func(e envelope.Envelope) { seen = e.Payload["k"] })

	k.Emit("x", EmitOptions{Payload: map[string]any{"k": "orig"}})

	assert.Equal(t, "orig", seen)
	assert.Equal(t, "orig", k.Buffer()[0].Payload["k"])
}

func TestListeners_ReentrantEmit(t *testing.T) {
	k, _ := newTestKernel(t)
	got := record(k, "pong")
	k.On("ping", func(e envelope.Envelope) {
		k.Emit("pong", EmitOptions{CausationID: e.EventID, CorrelationID: e.TraceID})
	})

	ping := k.Emit("ping", EmitOptions{})

	require.Len(t, *got, 1)
	assert.Equal(t, ping.EventID, (*got)[0].ParentEventID)
}

func TestState_DefaultsAndDefensiveCopy(t *testing.T) {
	k, _ := newTestKernel(t)

	st := k.State("p1")
	assert.Equal(t, DefaultPaneState(), st)

	st.Gates.FocusLocked = true
	assert.False(t, k.State("p1").Gates.FocusLocked)
}

func TestUpdateState_DeepMergeAndEvent(t *testing.T) {
	k, _ := newTestKernel(t)
	got := record(k, EventPaneStateChanged)

	k.UpdateState("p1", StatePatch{Gates: &GatesPatch{FocusLocked: Ptr(true)}})
	next := k.UpdateState("p1", StatePatch{
		Activity:     Ptr("typing"),
		Connectivity: &ConnectivityPatch{PTY: Ptr(LinkDown)},
	})

	assert.True(t, next.Gates.FocusLocked)
	assert.Equal(t, CompactingNone, next.Gates.Compacting)
	assert.Equal(t, "typing", next.Activity)
	assert.Equal(t, LinkUp, next.Connectivity.Bridge)
	assert.Equal(t, LinkDown, next.Connectivity.PTY)

	require.Len(t, *got, 2)
	last := (*got)[1]
	assert.Equal(t, "p1", last.PaneID)
	assert.Equal(t, "idle", last.Payload["prev"].(map[string]any)["activity"])
	assert.Equal(t, "typing", last.Payload["next"].(map[string]any)["activity"])
	assert.Equal(t, []string{"p1"}, k.Panes())
}

func TestStats(t *testing.T) {
	k, _ := newTestKernel(t)
	k.Emit("a", EmitOptions{})
	k.Emit("b", EmitOptions{})

	s := k.Stats()
	assert.Equal(t, int64(2), s.TotalEmitted)
	assert.Equal(t, 2, s.BufferSize)
	assert.Zero(t, s.TotalDropped)
	assert.Zero(t, s.ContractViolations)
	assert.False(t, s.SafeMode)
}

func TestTelemetryToggle(t *testing.T) {
	k, _ := newTestKernel(t)
	k.SetTelemetryEnabled(false)
	k.Emit("a", EmitOptions{})
	assert.Empty(t, k.Buffer())

	k.SetTelemetryEnabled(true)
	k.Emit("b", EmitOptions{})
	assert.Equal(t, []string{"b"}, types(k.Buffer()))
}

func TestQuery(t *testing.T) {
	k, clk := newTestKernel(t)
	k.Emit("inject.requested", EmitOptions{PaneID: "p1", Source: "s1"})
	clk.Advance(time.Second)
	mid := clk.Now().UnixMilli()
	k.Emit("inject.sent", EmitOptions{PaneID: "p2", Source: "s1"})
	clk.Advance(time.Second)
	k.Emit("pane.output", EmitOptions{PaneID: "p1", Source: "s2"})

	assert.Equal(t, []string{"inject.requested", "inject.sent"}, types(k.Query(Filter{Type: "inject.*"})))
	assert.Equal(t, []string{"inject.requested", "pane.output"}, types(k.Query(Filter{PaneID: "p1"})))
	assert.Equal(t, []string{"pane.output"}, types(k.Query(Filter{Source: "s2"})))
	assert.Equal(t, []string{"inject.sent", "pane.output"}, types(k.Query(Filter{SinceMs: mid})))
	assert.Equal(t, []string{"inject.requested", "inject.sent"}, types(k.Query(Filter{UntilMs: mid})))
	assert.Equal(t, []string{"pane.output"}, types(k.Query(Filter{Limit: 1})))
}

func TestReset(t *testing.T) {
	k, _ := newTestKernel(t)
	calls := 0
	k.On("*", func(envelope.Envelope) { calls++ })
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	k.StartCorrelation()
	k.UpdateState("p1", StatePatch{Gates: &GatesPatch{FocusLocked: Ptr(true)}})
	k.Emit("x", EmitOptions{PaneID: "p1", Source: "s"})
	calls = 0
	_, pending := k.NextTimer()
	require.True(t, pending, "deferred event schedules its TTL sweep")

	k.Reset()

	assert.Equal(t, Stats{}, k.Stats())
	assert.Empty(t, k.Buffer())
	assert.Empty(t, k.Contracts())
	assert.Empty(t, k.Panes())
	assert.Empty(t, k.Deferred("p1"))
	assert.Empty(t, k.CurrentCorrelation())
	_, pending = k.NextTimer()
	assert.False(t, pending)

	env := k.Emit("x", EmitOptions{Source: "s"})
	assert.Equal(t, int64(1), env.Seq)
	assert.Zero(t, calls)
}

func TestIngest_KeepsIdentityAndResequences(t *testing.T) {
	k, _ := newTestKernel(t)
	got := record(k, "remote.event")
	k.Emit("local", EmitOptions{Source: "bridge"})

	out := k.Ingest(envelope.Envelope{
		EventID: "evt_remote",
		TraceID: "trc_remote",
		Type:    "remote.event",
		Stage:   "sent",
		Source:  "bridge",
		Ts:      42,
		Seq:     77,
		Payload: map[string]any{"body": "kept verbatim"},
	})

	require.NotNil(t, out)
	assert.Equal(t, "evt_remote", out.EventID)
	assert.Equal(t, "trc_remote", out.TraceID)
	assert.Equal(t, int64(2), out.Seq)
	assert.Equal(t, int64(77), out.Meta["remoteSeq"])
	assert.Equal(t, "kept verbatim", out.Payload["body"])
	assert.Equal(t, "system", out.PaneID)
	assert.NotEmpty(t, out.SpanID)
	require.Len(t, *got, 1)
}

func TestIngest_RejectsInvalid(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	k, _ := newTestKernel(t, WithLogger(zap.New(core)))

	out := k.Ingest(envelope.Envelope{Type: "x"})

	assert.Nil(t, out)
	assert.Zero(t, k.Stats().TotalEmitted)
	assert.Equal(t, 1, logs.FilterMessage("ingest rejected invalid envelope").Len())
}

func TestIngest_Throttled(t *testing.T) {
	limiter := NewIngestLimiter(IngestLimitConfig{PerSecond: 1, Burst: 2, Enabled: true})
	k, clk := newTestKernel(t, WithIngestLimiter(limiter))
	ext := func(id string) envelope.Envelope {
		return envelope.Envelope{EventID: id, TraceID: "t", Type: "x", Stage: "s", Source: "remote", Ts: 1}
	}

	assert.NotNil(t, k.Ingest(ext("e1")))
	assert.NotNil(t, k.Ingest(ext("e2")))
	assert.Nil(t, k.Ingest(ext("e3")))

	clk.Advance(time.Second)
	assert.NotNil(t, k.Ingest(ext("e4")))
}

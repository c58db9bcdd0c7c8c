package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/leonletto/panebus/internal/envelope"
)

func focusUnlocked(_ envelope.Envelope, s PaneState) bool { return !s.Gates.FocusLocked }
func notCompacting(_ envelope.Envelope, s PaneState) bool { return s.Gates.Compacting == CompactingNone }
func alwaysFail(envelope.Envelope, PaneState) bool        { return false }

func lockFocus(k *Kernel, pane string, locked bool) {
	k.UpdateState(pane, StatePatch{Gates: &GatesPatch{FocusLocked: Ptr(locked)}})
}

func TestRegisterContract_Validation(t *testing.T) {
	k, _ := newTestKernel(t)

	tests := []struct {
		name     string
		contract Contract
	}{
		{"missing id", Contract{AppliesTo: []string{"x"}, Action: ActionDrop}},
		{"no applies_to", Contract{ID: "c", Action: ActionDrop}},
		{"wildcard applies_to", Contract{ID: "c", AppliesTo: []string{"inject.*"}, Action: ActionDrop}},
		{"unknown action", Contract{ID: "c", AppliesTo: []string{"x"}, Action: "explode"}},
		{"defer fallback", Contract{ID: "c", AppliesTo: []string{"x"}, Action: ActionDefer, FallbackAction: ActionDefer}},
		{"unknown mode", Contract{ID: "c", AppliesTo: []string{"x"}, Action: ActionDrop, Mode: "loud"}},
		{"nil precondition", Contract{ID: "c", AppliesTo: []string{"x"}, Action: ActionDrop, Preconditions: []Predicate{nil}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := k.RegisterContract(tt.contract)
			assert.ErrorIs(t, err, ErrInvalidContract)
		})
	}
	assert.Empty(t, k.Contracts())
}

func TestRegisterContract_LastWinsKeepsPosition(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	k, _ := newTestKernel(t, WithLogger(zap.New(core)))

	require.NoError(t, k.RegisterContract(Contract{ID: "a", Version: "2.0.0", AppliesTo: []string{"x"}, Action: ActionDrop, Preconditions: []Predicate{alwaysFail}}))
	require.NoError(t, k.RegisterContract(Contract{ID: "b", AppliesTo: []string{"x"}, Action: ActionContinue}))
	require.NoError(t, k.RegisterContract(Contract{ID: "a", Version: "1.0.0", AppliesTo: []string{"x"}, Action: ActionContinue}))

	assert.Equal(t, []string{"a", "b"}, k.Contracts())
	assert.Equal(t, 1, logs.FilterMessage("contract replaced by older version").Len())

	got := record(k, "x")
	k.Emit("x", EmitOptions{})
	assert.Len(t, *got, 1, "replacement without preconditions lets the event through")
}

func TestContract_ShadowModeIsTransparent(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "shadow", AppliesTo: []string{"inject.requested"}, Action: ActionDrop,
		Mode: ModeShadow, Preconditions: []Predicate{alwaysFail},
	}))
	delivered := record(k, "inject.requested")
	shadow := record(k, EventContractShadowViolation)

	for range 5 {
		k.Emit("inject.requested", EmitOptions{})
	}

	assert.Len(t, *delivered, 5)
	assert.Len(t, *shadow, 5)
	assert.Equal(t, "shadow", (*shadow)[0].Payload["contractId"])
	assert.Zero(t, k.Stats().ContractViolations)
	assert.Zero(t, k.Stats().TotalDropped)
	assert.False(t, k.SafeMode())
}

func TestContract_CheckedAlwaysEmitted(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDrop,
		Preconditions: []Predicate{focusUnlocked},
	}))
	checked := record(k, EventContractChecked)

	k.Emit("x", EmitOptions{PaneID: "p1"})
	k.Emit("unrelated", EmitOptions{PaneID: "p1"})

	require.Len(t, *checked, 1)
	assert.Equal(t, "focus", (*checked)[0].Payload["contractId"])
	assert.Equal(t, true, (*checked)[0].Payload["passed"])
	assert.Equal(t, KernelSource, (*checked)[0].Source)
}

func TestContract_DropAndEmitOnViolation(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"inject.requested"}, Action: ActionDrop,
		Severity: "high", EmitOnViolation: "inject.blocked",
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	delivered := record(k, "inject.requested")
	violations := record(k, EventContractViolation)
	blocked := record(k, "inject.blocked")

	env := k.Emit("inject.requested", EmitOptions{PaneID: "p1"})

	assert.Empty(t, *delivered)
	require.Len(t, *violations, 1)
	assert.Equal(t, "high", (*violations)[0].Payload["severity"])
	require.Len(t, *blocked, 1)
	assert.Equal(t, env.EventID, (*blocked)[0].Payload["eventId"])
	assert.Equal(t, env.TraceID, (*blocked)[0].TraceID)

	s := k.Stats()
	assert.Equal(t, int64(1), s.ContractViolations)
	assert.Equal(t, int64(1), s.TotalDropped)
	assert.Len(t, k.Query(Filter{Type: "inject.requested"}), 1, "dropped events are still buffered")
}

func TestContract_SkipAndContinue(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{ID: "skip", AppliesTo: []string{"a"}, Action: ActionSkip, Preconditions: []Predicate{alwaysFail}}))
	require.NoError(t, k.RegisterContract(Contract{ID: "cont", AppliesTo: []string{"b"}, Action: ActionContinue, Preconditions: []Predicate{alwaysFail}}))
	got := record(k, "*")

	k.Emit("a", EmitOptions{})
	k.Emit("b", EmitOptions{})

	var a, b []envelope.Envelope
	for _, e := range *got {
		switch e.Type {
		case "a":
			a = append(a, e)
		case "b":
			b = append(b, e)
		}
	}
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.True(t, a[0].Skipped)
	assert.False(t, b[0].Skipped)
	assert.Equal(t, int64(2), k.Stats().ContractViolations)
}

func TestContract_PanickingPreconditionFailsClosed(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	k, _ := newTestKernel(t, WithLogger(zap.New(core)))
	require.NoError(t, k.RegisterContract(Contract{
		ID: "fragile", AppliesTo: []string{"x"}, Action: ActionDrop,
		Preconditions: []Predicate{func(envelope.Envelope, PaneState) bool { panic("bad rule") }},
	}))
	delivered := record(k, "x")

	k.Emit("x", EmitOptions{})

	assert.Empty(t, *delivered)
	assert.Equal(t, int64(1), k.Stats().ContractViolations)
	assert.Equal(t, 1, logs.FilterMessage("contract precondition panicked").Len())
}

func TestContract_PreconditionSeesPaneState(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDrop,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "locked", true)
	delivered := record(k, "x")

	k.Emit("x", EmitOptions{PaneID: "locked"})
	k.Emit("x", EmitOptions{PaneID: "free"})

	require.Len(t, *delivered, 1)
	assert.Equal(t, "free", (*delivered)[0].PaneID)
}

func TestDefer_ResumesInEnqueueOrder(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"inject.requested"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	delivered := record(k, "inject.requested")
	resumed := record(k, EventInjectResumed)

	var ids []string
	for range 5 {
		ids = append(ids, k.Emit("inject.requested", EmitOptions{PaneID: "p1"}).EventID)
	}
	assert.Empty(t, *delivered)
	assert.Len(t, k.Deferred("p1"), 5)
	assert.Equal(t, 5, k.Stats().Deferred)

	lockFocus(k, "p1", false)

	var got []string
	for _, e := range *delivered {
		got = append(got, e.EventID)
	}
	assert.Equal(t, ids, got)
	assert.Len(t, *resumed, 5)
	assert.Empty(t, k.Deferred("p1"))
	assert.Equal(t, int64(5), k.Stats().ContractViolations)
}

func TestDefer_StillBlockedRecheckDoesNotCascade(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	k.Emit("x", EmitOptions{PaneID: "p1"})

	for _, activity := range []string{"a", "b", "c", "d", "e"} {
		k.UpdateState("p1", StatePatch{Activity: Ptr(activity)})
	}

	assert.Equal(t, int64(1), k.Stats().ContractViolations)
	assert.False(t, k.SafeMode())
	assert.Len(t, k.Deferred("p1"), 1)
}

func TestDefer_TTLExpiryDrops(t *testing.T) {
	k, clk := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	delivered := record(k, "x")
	dropped := record(k, EventInjectDropped)
	env := k.Emit("x", EmitOptions{PaneID: "p1"})

	clk.Advance(31 * time.Second)
	lockFocus(k, "p1", false)

	assert.Empty(t, *delivered)
	require.Len(t, *dropped, 1)
	assert.Equal(t, DropReasonTTLExpired, (*dropped)[0].Payload["reason"])
	assert.Equal(t, env.EventID, (*dropped)[0].Payload["eventId"])
	assert.Equal(t, int64(1), k.Stats().TotalDropped)
	assert.Empty(t, k.Deferred("p1"))
}

func TestDefer_WithinTTLResumes(t *testing.T) {
	k, clk := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	delivered := record(k, "x")
	resumed := record(k, EventInjectResumed)
	k.Emit("x", EmitOptions{PaneID: "p1"})

	clk.Advance(10 * time.Second)
	lockFocus(k, "p1", false)

	require.Len(t, *delivered, 1)
	require.Len(t, *resumed, 1)
	assert.Equal(t, int64(10000), (*resumed)[0].Payload["waitedMs"])

	clk.Advance(time.Minute)
	k.Tick()
	assert.Zero(t, k.Stats().TotalDropped)
}

func TestDefer_TickSweepsWithoutStateChange(t *testing.T) {
	k, clk := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	k.Emit("x", EmitOptions{PaneID: "p1"})

	at, ok := k.NextTimer()
	require.True(t, ok)
	assert.Equal(t, testEpoch.UnixMilli()+30000, at)

	clk.Advance(29 * time.Second)
	k.Tick()
	assert.Len(t, k.Deferred("p1"), 1)

	clk.Advance(time.Second)
	k.Tick()
	assert.Empty(t, k.Deferred("p1"))
	assert.Equal(t, int64(1), k.Stats().TotalDropped)
}

func TestDefer_WaitsForEveryBlockingContract(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	require.NoError(t, k.RegisterContract(Contract{
		ID: "compact", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{notCompacting},
	}))
	k.UpdateState("p1", StatePatch{Gates: &GatesPatch{FocusLocked: Ptr(true), Compacting: Ptr(CompactingConfirmed)}})
	delivered := record(k, "x")

	k.Emit("x", EmitOptions{PaneID: "p1"})
	lockFocus(k, "p1", false)

	assert.Empty(t, *delivered)
	queued := k.Deferred("p1")
	require.Len(t, queued, 1)
	assert.Equal(t, "compact", queued[0].ContractID)

	k.UpdateState("p1", StatePatch{Gates: &GatesPatch{Compacting: Ptr(CompactingNone)}})

	assert.Len(t, *delivered, 1)
	assert.Equal(t, int64(1), k.Stats().ContractViolations)
}

func TestDefer_ResumedEventIsNotBufferedTwice(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	k.Emit("x", EmitOptions{PaneID: "p1"})
	lockFocus(k, "p1", false)

	assert.Len(t, k.Query(Filter{Type: "x"}), 1)
	assert.Len(t, k.Query(Filter{Type: EventInjectResumed}), 1)
}

func TestDefer_QueueFullUsesFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeferredPerContract = 2
	cfg.SafeModeThreshold = 100
	k, _ := newTestKernel(t, WithConfig(cfg))
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer, FallbackAction: ActionDrop,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	dropped := record(k, EventInjectDropped)

	for range 3 {
		k.Emit("x", EmitOptions{PaneID: "p1"})
	}

	assert.Len(t, k.Deferred("p1"), 2)
	require.Len(t, *dropped, 1)
	assert.Equal(t, DropReasonQueueFull, (*dropped)[0].Payload["reason"])
	assert.Equal(t, int64(1), k.Stats().TotalDropped)
}

func TestRemoveContract_DropsItsQueue(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{
		ID: "focus", AppliesTo: []string{"x"}, Action: ActionDefer,
		Preconditions: []Predicate{focusUnlocked},
	}))
	lockFocus(k, "p1", true)
	k.Emit("x", EmitOptions{PaneID: "p1"})
	dropped := record(k, EventInjectDropped)

	assert.True(t, k.RemoveContract("focus"))
	assert.False(t, k.RemoveContract("focus"))

	assert.Empty(t, k.Deferred("p1"))
	require.Len(t, *dropped, 1)
	assert.Equal(t, DropReasonContractRemove, (*dropped)[0].Payload["reason"])

	delivered := record(k, "x")
	k.Emit("x", EmitOptions{PaneID: "p1"})
	assert.Len(t, *delivered, 1)
}

func TestSafeMode_EnterAndExit(t *testing.T) {
	k, clk := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{ID: "deny", AppliesTo: []string{"x"}, Action: ActionDrop, Preconditions: []Predicate{alwaysFail}}))
	k.UpdateState("p1", StatePatch{})
	k.UpdateState("p2", StatePatch{})
	entered := record(k, EventSafeModeEntered)
	exited := record(k, EventSafeModeExited)

	k.Emit("x", EmitOptions{PaneID: "p1"})
	clk.Advance(4 * time.Second)
	k.Emit("x", EmitOptions{PaneID: "p1"})
	assert.False(t, k.SafeMode())
	clk.Advance(4 * time.Second)
	k.Emit("x", EmitOptions{PaneID: "p2"})

	require.True(t, k.SafeMode())
	require.Len(t, *entered, 1)
	assert.Equal(t, TriggerCascadingViolations, (*entered)[0].Payload["triggerReason"])
	for _, p := range k.Panes() {
		assert.True(t, k.State(p).Gates.SafeMode, p)
	}
	assert.True(t, k.State("late").Gates.SafeMode, "panes created during safe mode start gated")

	// A further violation resets the quiet period and does not re-enter.
	clk.Advance(2 * time.Second)
	k.Emit("x", EmitOptions{PaneID: "p1"})
	assert.Len(t, *entered, 1)

	clk.Advance(29 * time.Second)
	k.Tick()
	assert.True(t, k.SafeMode())

	clk.Advance(time.Second)
	k.Tick()
	assert.False(t, k.SafeMode())
	assert.Len(t, *exited, 1)
	for _, p := range k.Panes() {
		assert.False(t, k.State(p).Gates.SafeMode, p)
	}

	clk.Advance(time.Minute)
	k.Tick()
	assert.Len(t, *exited, 1)
}

func TestSafeMode_SpreadViolationsNeverTrigger(t *testing.T) {
	k, clk := newTestKernel(t)
	require.NoError(t, k.RegisterContract(Contract{ID: "deny", AppliesTo: []string{"x"}, Action: ActionDrop, Preconditions: []Predicate{alwaysFail}}))
	entered := record(k, EventSafeModeEntered)

	for range 10 {
		k.Emit("x", EmitOptions{})
		clk.Advance(5500 * time.Millisecond)
	}

	assert.False(t, k.SafeMode())
	assert.Empty(t, *entered)
	assert.Equal(t, int64(10), k.Stats().ContractViolations)
}

func TestSafeMode_ExitResumesDeferred(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeferTTL = time.Minute
	k, clk := newTestKernel(t, WithConfig(cfg))
	require.NoError(t, k.RegisterContract(Contract{ID: "deny", AppliesTo: []string{"boom"}, Action: ActionDrop, Preconditions: []Predicate{alwaysFail}}))
	require.NoError(t, k.RegisterContract(Contract{
		ID: "calm", AppliesTo: []string{"inject.requested"}, Action: ActionDefer,
		Preconditions: []Predicate{func(_ envelope.Envelope, s PaneState) bool { return !s.Gates.SafeMode }},
	}))
	for range 3 {
		k.Emit("boom", EmitOptions{PaneID: "p1"})
	}
	require.True(t, k.SafeMode())
	delivered := record(k, "inject.requested")

	k.Emit("inject.requested", EmitOptions{PaneID: "p1"})
	assert.Empty(t, *delivered)

	clk.Advance(30 * time.Second)
	k.Tick()

	assert.False(t, k.SafeMode())
	assert.Len(t, *delivered, 1)
}

func TestRingBuffer_BurstWithinWindowExceedsCap(t *testing.T) {
	k, clk := newTestKernel(t)

	for range 1100 {
		k.Emit("x", EmitOptions{})
		clk.Advance(100 * time.Millisecond)
	}

	assert.Equal(t, 1100, k.Stats().BufferSize)
}

func TestRingBuffer_EvictsAgedEntriesDownToCap(t *testing.T) {
	k, clk := newTestKernel(t)

	for range 600 {
		k.Emit("first", EmitOptions{})
	}
	clk.Advance(6 * time.Minute)
	for range 600 {
		k.Emit("second", EmitOptions{})
	}

	buf := k.Buffer()
	assert.Len(t, buf, 1000)
	assert.Len(t, k.Query(Filter{Type: "second"}), 600)
	assert.Len(t, k.Query(Filter{Type: "first"}), 400)
	assert.Equal(t, "first", buf[0].Type)
}

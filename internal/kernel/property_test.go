package kernel

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/leonletto/panebus/internal/envelope"
)

// Property: for any interleaving of sources, each source sees seq 1..n.
func TestSeqIsGapFreePerSource(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	sources := []string{"pane", "bridge", "watcher", "trigger"}

	properties.Property("seq is 1,2,3... per source", prop.ForAll(
		func(picks []int) bool {
			k, _ := newTestKernel(t, WithTelemetry(false))
			want := make(map[string]int64)
			for _, p := range picks {
				src := sources[p]
				want[src]++
				if k.Emit("x", EmitOptions{Source: src}).Seq != want[src] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(sources)-1)),
	))

	properties.Property("shadow contracts never block or count", prop.ForAll(
		func(outcomes []bool) bool {
			k, _ := newTestKernel(t, WithTelemetry(false))
			i := 0
			if err := k.RegisterContract(Contract{
				ID: "shadow", AppliesTo: []string{"x"}, Action: ActionDrop, Mode: ModeShadow,
				Preconditions: []Predicate{func(_ envelope.Envelope, _ PaneState) bool {
					ok := outcomes[i]
					i++
					return ok
				}},
			}); err != nil {
				return false
			}
			delivered := 0
			k.On("x", func(envelope.Envelope) { delivered++ })
			for range outcomes {
				k.Emit("x", EmitOptions{})
			}
			return delivered == len(outcomes) && k.Stats().ContractViolations == 0
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

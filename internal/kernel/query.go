package kernel

import (
	"github.com/leonletto/panebus/internal/envelope"
)

// Filter selects buffered events. Zero fields match everything; Type accepts
// the same patterns as On.
type Filter struct {
	Type    string
	PaneID  string
	Source  string
	TraceID string
	SinceMs int64
	UntilMs int64
	// Limit keeps only the newest N matches.
	Limit int
}

func (f Filter) matches(env envelope.Envelope) bool {
	if f.Type != "" && !MatchPattern(f.Type, env.Type) {
		return false
	}
	if f.PaneID != "" && env.PaneID != f.PaneID {
		return false
	}
	if f.Source != "" && env.Source != f.Source {
		return false
	}
	if f.TraceID != "" && env.TraceID != f.TraceID {
		return false
	}
	if f.SinceMs > 0 && env.Ts < f.SinceMs {
		return false
	}
	if f.UntilMs > 0 && env.Ts > f.UntilMs {
		return false
	}
	return true
}

// Query returns copies of buffered events matching f, oldest first.
func (k *Kernel) Query(f Filter) []envelope.Envelope {
	var out []envelope.Envelope
	k.buffer.each(func(env envelope.Envelope) bool {
		if f.matches(env) {
			out = append(out, env.Clone())
		}
		return true
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Buffer returns copies of every buffered event, oldest first.
func (k *Kernel) Buffer() []envelope.Envelope {
	return k.Query(Filter{})
}

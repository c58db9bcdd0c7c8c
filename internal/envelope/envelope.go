// Package envelope canonicalizes heterogeneous event inputs into a single
// envelope shape, validates the required fields, and derives the causal edge
// rows stored next to each event.
package envelope

// Edge types derived from an envelope's causal links.
const (
	EdgeParent  = "parent"
	EdgeAckOf   = "ack_of"
	EdgeRetryOf = "retry_of"
)

// Meta keys that carry secondary causal links.
const (
	MetaAckOfEventID   = "ackOfEventId"
	MetaRetryOfEventID = "retryOfEventId"
)

// Defaults applied to missing fields.
const (
	DefaultSource = "unknown"
	DefaultPaneID = "system"
	DefaultStage  = "unknown"
)

// EvidenceRef points at an artifact backing an event (a file line, a hash).
type EvidenceRef struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
	Line int    `json:"line,omitempty"`
	Hash string `json:"hash,omitempty"`
	Note string `json:"note,omitempty"`
}

// Envelope is the canonical record of one event.
type Envelope struct {
	EventID       string         `json:"eventId"`
	TraceID       string         `json:"traceId"`
	SpanID        string         `json:"spanId"`
	ParentEventID string         `json:"parentEventId,omitempty"`
	CausationID   string         `json:"causationId,omitempty"`
	Type          string         `json:"type"`
	Stage         string         `json:"stage"`
	Source        string         `json:"source"`
	PaneID        string         `json:"paneId"`
	Ts            int64          `json:"ts"`
	Seq           int64          `json:"seq"`
	Payload       map[string]any `json:"payload"`
	Direction     string         `json:"direction,omitempty"`
	Role          string         `json:"role,omitempty"`
	EvidenceRefs  []EvidenceRef  `json:"evidenceRefs,omitempty"`
	Meta          map[string]any `json:"meta"`

	// Skipped is set when an enforced contract with action "skip" failed.
	Skipped bool `json:"_skipped,omitempty"`
}

// CorrelationID is an alias of TraceID kept for producers using the older name.
func (e Envelope) CorrelationID() string {
	return e.TraceID
}

// Clone returns a deep copy; payload and meta maps are not shared.
func (e Envelope) Clone() Envelope {
	out := e
	out.Payload = CloneMap(e.Payload)
	out.Meta = CloneMap(e.Meta)
	if e.EvidenceRefs != nil {
		out.EvidenceRefs = append([]EvidenceRef(nil), e.EvidenceRefs...)
	}
	return out
}

// Map returns the envelope as a generic map using the canonical field names.
// Contract expressions and the storage normalizer consume this form.
func (e Envelope) Map() map[string]any {
	refs := make([]any, 0, len(e.EvidenceRefs))
	for _, r := range e.EvidenceRefs {
		refs = append(refs, map[string]any{
			"kind": r.Kind,
			"path": r.Path,
			"line": int64(r.Line),
			"hash": r.Hash,
			"note": r.Note,
		})
	}
	m := map[string]any{
		"eventId":       e.EventID,
		"traceId":       e.TraceID,
		"spanId":        e.SpanID,
		"parentEventId": e.ParentEventID,
		"causationId":   e.CausationID,
		"type":          e.Type,
		"stage":         e.Stage,
		"source":        e.Source,
		"paneId":        e.PaneID,
		"ts":            e.Ts,
		"seq":           e.Seq,
		"payload":       CloneMap(e.Payload),
		"direction":     e.Direction,
		"role":          e.Role,
		"evidenceRefs":  refs,
		"meta":          CloneMap(e.Meta),
		"skipped":       e.Skipped,
	}
	if m["payload"] == nil {
		m["payload"] = map[string]any{}
	}
	if m["meta"] == nil {
		m["meta"] = map[string]any{}
	}
	return m
}

// Edge is a derived causal link between two events of one trace.
type Edge struct {
	TraceID     string `json:"trace_id"`
	FromEventID string `json:"from_event_id"`
	ToEventID   string `json:"to_event_id"`
	EdgeType    string `json:"edge_type"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Key is the dedup key of an edge.
func (e Edge) Key() string {
	return e.TraceID + "|" + e.FromEventID + "|" + e.ToEventID + "|" + e.EdgeType
}

// CloneMap deep-copies a JSON-like map. Nested maps and slices are copied;
// scalars are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

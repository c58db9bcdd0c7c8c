package envelope

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/leonletto/panebus/internal/identity"
)

// Options controls the defaults used by Normalize.
type Options struct {
	NowMs  int64  // timestamp used when the input has none; 0 means the wall clock
	Source string // default source; "unknown" when empty
	PaneID string // default pane; "system" when empty
	Stage  string // default stage; "unknown" when empty
}

// Normalize canonicalizes a loosely shaped event into an Envelope.
// It never fails: missing or malformed fields get defaults. Legacy aliases
// are honoured (correlationId for traceId, causationId for parentEventId,
// and snake_case spellings of every id field).
func Normalize(input map[string]any, opts Options) Envelope {
	if input == nil {
		input = map[string]any{}
	}
	now := opts.NowMs
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	env := Envelope{
		EventID:       firstString(input, "eventId", "event_id", "id"),
		TraceID:       firstString(input, "traceId", "trace_id", "correlationId", "correlation_id"),
		SpanID:        firstString(input, "spanId", "span_id"),
		ParentEventID: firstString(input, "parentEventId", "parent_event_id", "causationId", "causation_id"),
		Type:          firstString(input, "type", "eventType", "event_type"),
		Stage:         firstString(input, "stage"),
		Source:        firstString(input, "source"),
		PaneID:        firstString(input, "paneId", "pane_id"),
		Direction:     firstString(input, "direction"),
		Role:          firstString(input, "role"),
	}
	env.CausationID = firstString(input, "causationId", "causation_id")

	if env.EventID == "" {
		env.EventID = identity.GenerateEventID()
	}
	if env.TraceID == "" {
		env.TraceID = identity.GenerateTraceID()
	}
	if env.SpanID == "" {
		env.SpanID = identity.GenerateSpanID()
	}
	if env.CausationID == "" {
		env.CausationID = env.ParentEventID
	}
	if env.Stage == "" {
		env.Stage = orDefault(opts.Stage, DefaultStage)
	}
	if env.Source == "" {
		env.Source = orDefault(opts.Source, DefaultSource)
	}
	if env.PaneID == "" {
		env.PaneID = orDefault(opts.PaneID, DefaultPaneID)
	}

	if ts, ok := firstInt(input, "ts", "ts_ms", "timestampMs"); ok {
		env.Ts = ts
	} else if ts, ok := parseTimestamp(input["timestamp"]); ok {
		env.Ts = ts
	} else {
		env.Ts = now
	}
	if seq, ok := firstInt(input, "seq", "sequence"); ok && seq > 0 {
		env.Seq = seq
	}

	env.Payload = coercePayload(input["payload"])
	env.Meta = coerceMap(input["meta"])
	env.EvidenceRefs = coerceEvidenceRefs(firstPresent(input, "evidenceRefs", "evidence_refs"))
	if b, ok := firstPresent(input, "_skipped", "skipped").(bool); ok {
		env.Skipped = b
	}

	return env
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		if n, ok := toInt(m[k]); ok {
			return n, true
		}
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(f), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func parseTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	}
	return toInt(v)
}

// coercePayload turns any payload into a map; scalars are wrapped as {value: x}.
func coercePayload(v any) map[string]any {
	switch p := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return CloneMap(p)
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(p, &m); err == nil && m != nil {
			return m
		}
		return map[string]any{"value": string(p)}
	default:
		return map[string]any{"value": cloneValue(v)}
	}
}

func coerceMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return CloneMap(m)
	}
	return map[string]any{}
}

// coerceEvidenceRefs keeps only entries with a kind.
func coerceEvidenceRefs(v any) []EvidenceRef {
	var refs []EvidenceRef
	switch list := v.(type) {
	case []EvidenceRef:
		for _, r := range list {
			if strings.TrimSpace(r.Kind) != "" {
				refs = append(refs, r)
			}
		}
	case []any:
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			kind := firstString(m, "kind")
			if kind == "" {
				continue
			}
			line, _ := toInt(m["line"])
			refs = append(refs, EvidenceRef{
				Kind: kind,
				Path: firstString(m, "path"),
				Line: int(line),
				Hash: firstString(m, "hash"),
				Note: firstString(m, "note"),
			})
		}
	}
	return refs
}

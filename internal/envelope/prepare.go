package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"
)

// HashPrefix marks the algorithm used for payload hashes.
const HashPrefix = "sha256:"

// EventRow is the storage form of an envelope: JSON-valued fields are
// serialized and the payload hash is precomputed.
type EventRow struct {
	EventID          string
	TraceID          string
	SpanID           string
	ParentEventID    string
	CausationID      string
	Type             string
	Stage            string
	Source           string
	PaneID           string
	Direction        string
	Role             string
	TsMs             int64
	Seq              int64
	PayloadJSON      string
	PayloadHash      string
	EvidenceRefsJSON string
	MetaJSON         string
	IngestedAtMs     int64
}

// Prepared bundles everything needed to persist one event.
type Prepared struct {
	Normalized Envelope
	Validation Validation
	Row        EventRow
	Edges      []Edge
}

// PrepareForStorage normalizes the input, validates it, and builds the row
// and edge set. Callers must check Validation.Valid before writing.
func PrepareForStorage(input map[string]any, opts Options) Prepared {
	now := opts.NowMs
	if now == 0 {
		now = time.Now().UnixMilli()
		opts.NowMs = now
	}
	env := Normalize(input, opts)
	return Prepared{
		Normalized: env,
		Validation: Validate(env),
		Row:        buildRow(env, now),
		Edges:      BuildEdgeRows(env, EdgeOptions{NowMs: now}),
	}
}

func buildRow(env Envelope, now int64) EventRow {
	refs := env.EvidenceRefs
	if refs == nil {
		refs = []EvidenceRef{}
	}
	return EventRow{
		EventID:          env.EventID,
		TraceID:          env.TraceID,
		SpanID:           env.SpanID,
		ParentEventID:    env.ParentEventID,
		CausationID:      env.CausationID,
		Type:             env.Type,
		Stage:            env.Stage,
		Source:           env.Source,
		PaneID:           env.PaneID,
		Direction:        env.Direction,
		Role:             env.Role,
		TsMs:             env.Ts,
		Seq:              env.Seq,
		PayloadJSON:      marshalOr(env.Payload, "{}"),
		PayloadHash:      PayloadHash(env.Payload),
		EvidenceRefsJSON: marshalOr(refs, "[]"),
		MetaJSON:         marshalOr(env.Meta, "{}"),
		IngestedAtMs:     now,
	}
}

// PayloadHash returns "sha256:<hex>" over the RFC 8785 canonical JSON of the
// payload, so equal payloads hash equally regardless of key order.
func PayloadHash(payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return HashPrefix + hex.EncodeToString(sum[:])
}

func marshalOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

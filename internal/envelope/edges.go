package envelope

import "time"

// EdgeOptions controls BuildEdgeRows.
type EdgeOptions struct {
	NowMs int64
}

// BuildEdgeRows derives up to three causal edges (parent, ack_of, retry_of)
// pointing at the envelope. Rows are only produced when the source id is
// present, and duplicates by (trace, from, to, type) are collapsed.
func BuildEdgeRows(env Envelope, opts EdgeOptions) []Edge {
	now := opts.NowMs
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	if env.EventID == "" {
		return nil
	}

	candidates := []struct {
		from     string
		edgeType string
	}{
		{env.ParentEventID, EdgeParent},
		{metaString(env.Meta, MetaAckOfEventID), EdgeAckOf},
		{metaString(env.Meta, MetaRetryOfEventID), EdgeRetryOf},
	}

	var edges []Edge
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c.from == "" {
			continue
		}
		edge := Edge{
			TraceID:     env.TraceID,
			FromEventID: c.from,
			ToEventID:   env.EventID,
			EdgeType:    c.edgeType,
			CreatedAtMs: now,
		}
		if seen[edge.Key()] {
			continue
		}
		seen[edge.Key()] = true
		edges = append(edges, edge)
	}
	return edges
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

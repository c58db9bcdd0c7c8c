package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leonletto/panebus/internal/envelope"
)

const (
	defaultTraceLimit = 1000
	maxTraceLimit     = 10000
	defaultPageLimit  = 100
	maxPageLimit      = 1000
)

const eventColumns = `event_id, trace_id, span_id, parent_event_id, causation_id, type, stage,
	source, pane_id, direction, role, ts_ms, seq, payload_json, payload_hash,
	evidence_refs_json, meta_json, ingested_at_ms`

// AppendEvent normalizes, validates and stores one loosely shaped event with
// its derived edges in a single transaction. Re-appending an event id is a
// no-op reported as Inserted=0.
func (s *Store) AppendEvent(ctx context.Context, input map[string]any) (AppendResult, error) {
	if _, err := s.conn(); err != nil {
		return AppendResult{}, err
	}
	prep := envelope.PrepareForStorage(input, envelope.Options{NowMs: s.nowMs()})
	if !prep.Validation.Valid {
		return AppendResult{}, invalid(ReasonInvalidEnvelope, prep.Validation.Error())
	}

	var inserted int
	err := s.withTx(ctx, "append_event", func(tx *sql.Tx) error {
		n, err := insertPrepared(ctx, tx, prep)
		inserted = n
		return err
	})
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Inserted: inserted, TraceID: prep.Normalized.TraceID}, nil
}

// AppendEnvelope stores an envelope produced by the kernel.
func (s *Store) AppendEnvelope(ctx context.Context, env envelope.Envelope) (AppendResult, error) {
	return s.AppendEvent(ctx, env.Map())
}

// AppendBatch stores each input in its own transaction: an item is written
// whole or not at all. Invalid items are counted as rejected. The first
// storage fault stops the batch.
func (s *Store) AppendBatch(ctx context.Context, inputs []map[string]any) (AppendResult, error) {
	if _, err := s.conn(); err != nil {
		return AppendResult{}, err
	}
	var total AppendResult
	traces := make(map[string]bool)
	for _, input := range inputs {
		res, err := s.AppendEvent(ctx, input)
		if Reason(err) == ReasonInvalidEnvelope {
			total.Rejected++
			continue
		}
		if err != nil {
			return total, err
		}
		total.Inserted += res.Inserted
		traces[res.TraceID] = true
		total.TraceID = res.TraceID
	}
	if len(traces) > 1 {
		total.TraceID = ""
	}
	return total, nil
}

func insertPrepared(ctx context.Context, tx *sql.Tx, prep envelope.Prepared) (int, error) {
	r := prep.Row
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.TraceID, r.SpanID, nullString(r.ParentEventID), nullString(r.CausationID),
		r.Type, r.Stage, r.Source, r.PaneID, r.Direction, r.Role, r.TsMs, r.Seq,
		r.PayloadJSON, r.PayloadHash, r.EvidenceRefsJSON, r.MetaJSON, r.IngestedAtMs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	for _, e := range prep.Edges {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO ledger_edges (trace_id, from_event_id, to_event_id, edge_type, created_at_ms)
			VALUES (?, ?, ?, ?, ?)`,
			e.TraceID, e.FromEventID, e.ToEventID, e.EdgeType, e.CreatedAtMs)
		if err != nil {
			return 0, fmt.Errorf("insert edge: %w", err)
		}
	}
	return int(n), nil
}

// QueryTrace returns a trace's events ordered by time then insertion, and
// optionally its edges.
func (s *Store) QueryTrace(ctx context.Context, traceID string, opts TraceOptions) (Trace, error) {
	out := Trace{TraceID: traceID, Events: []envelope.Envelope{}, Edges: []envelope.Edge{}}
	limit := clampLimit(opts.Limit, defaultTraceLimit, maxTraceLimit)

	err := s.withReadTx(ctx, "query_trace", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT rowid, `+eventColumns+` FROM ledger_events
			WHERE trace_id = ?
			ORDER BY ts_ms ASC, rowid ASC
			LIMIT ?`, traceID, limit)
		if err != nil {
			return fmt.Errorf("query trace events: %w", err)
		}
		events, _, err := scanEvents(rows)
		if err != nil {
			return err
		}
		out.Events = events

		if !opts.IncludeEdges {
			return nil
		}
		edges, err := queryEdges(ctx, tx, traceID)
		if err != nil {
			return err
		}
		out.Edges = edges
		return nil
	})
	if err != nil {
		return Trace{}, err
	}
	return out, nil
}

func queryEdges(ctx context.Context, tx *sql.Tx, traceID string) ([]envelope.Edge, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT trace_id, from_event_id, to_event_id, edge_type, created_at_ms
		FROM ledger_edges WHERE trace_id = ?
		ORDER BY created_at_ms ASC, from_event_id, to_event_id, edge_type`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	edges := []envelope.Edge{}
	for rows.Next() {
		var e envelope.Edge
		if err := rows.Scan(&e.TraceID, &e.FromEventID, &e.ToEventID, &e.EdgeType, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// QueryEvents pages through stored events in insertion order.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) (EventPage, error) {
	limit := clampLimit(f.Limit, defaultPageLimit, maxPageLimit)

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.AfterID > 0 {
		add("rowid > ?", f.AfterID)
	}
	if f.TraceID != "" {
		add("trace_id = ?", f.TraceID)
	}
	if f.Type != "" {
		if ns, ok := strings.CutSuffix(f.Type, ".*"); ok {
			add("type LIKE ? ESCAPE '\\'", escapeLike(ns)+".%")
		} else {
			add("type = ?", f.Type)
		}
	}
	if f.PaneID != "" {
		add("pane_id = ?", f.PaneID)
	}
	if f.Source != "" {
		add("source = ?", f.Source)
	}
	if f.SinceMs > 0 {
		add("ts_ms >= ?", f.SinceMs)
	}
	if f.UntilMs > 0 {
		add("ts_ms <= ?", f.UntilMs)
	}

	query := `SELECT rowid, ` + eventColumns + ` FROM ledger_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid ASC LIMIT ?"
	args = append(args, limit+1)

	var page EventPage
	err := s.withReadTx(ctx, "query_events", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		events, ids, err := scanEvents(rows)
		if err != nil {
			return err
		}
		if len(events) > limit {
			page.More = true
			events = events[:limit]
			ids = ids[:limit]
		}
		page.Events = events
		if len(ids) > 0 {
			page.NextCursor = ids[len(ids)-1]
		}
		return nil
	})
	if err != nil {
		return EventPage{}, err
	}
	if page.Events == nil {
		page.Events = []envelope.Envelope{}
	}
	return page, nil
}

// scanEvents reads rowid plus eventColumns rows and closes them.
func scanEvents(rows *sql.Rows) ([]envelope.Envelope, []int64, error) {
	defer func() { _ = rows.Close() }()

	var (
		events []envelope.Envelope
		ids    []int64
	)
	for rows.Next() {
		var rowID, ingestedAt int64
		var env envelope.Envelope
		var spanID, parent, causation, direction, role sql.NullString
		var payloadJSON, payloadHash, refsJSON, metaJSON string
		err := rows.Scan(&rowID, &env.EventID, &env.TraceID, &spanID, &parent, &causation,
			&env.Type, &env.Stage, &env.Source, &env.PaneID, &direction, &role,
			&env.Ts, &env.Seq, &payloadJSON, &payloadHash, &refsJSON, &metaJSON, &ingestedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		env.SpanID = spanID.String
		env.ParentEventID = parent.String
		env.CausationID = causation.String
		env.Direction = direction.String
		env.Role = role.String
		env.Payload = parseJSONMap(payloadJSON)
		env.Meta = parseJSONMap(metaJSON)
		if err := json.Unmarshal([]byte(refsJSON), &env.EvidenceRefs); err != nil {
			env.EvidenceRefs = nil
		}
		events = append(events, env)
		ids = append(ids, rowID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, ids, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Prune removes archived decisions, snapshots and events older than the
// retention window, then trims each of those tables to MaxRows, oldest
// first. Active and superseded decisions and all sessions are never touched.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) (PruneResult, error) {
	now := opts.NowMs
	if now == 0 {
		now = s.nowMs()
	}
	if opts.RetentionMs < 0 {
		return PruneResult{}, invalid(ReasonInvalidRetention, "retention must not be negative")
	}
	if opts.MaxRows < 0 {
		return PruneResult{}, invalid(ReasonInvalidRetention, "max rows must not be negative")
	}
	retention := opts.RetentionMs
	if retention == 0 {
		retention = DefaultRetention.Milliseconds()
	}
	cutoff := now - retention

	var res PruneResult
	err := s.withTx(ctx, "prune", func(tx *sql.Tx) error {
		for _, t := range pruneTables {
			n, err := deleteBounded(ctx, tx, fmt.Sprintf(
				`DELETE FROM %s WHERE %s AND %s < ?`, t.table, t.filter, t.age), cutoff)
			if err != nil {
				return fmt.Errorf("prune %s: %w", t.name, err)
			}
			if opts.MaxRows > 0 {
				over, err := deleteBounded(ctx, tx, fmt.Sprintf(`
					DELETE FROM %[1]s WHERE rowid IN (
						SELECT rowid FROM %[1]s WHERE %[2]s
						ORDER BY %[3]s DESC, rowid DESC LIMIT -1 OFFSET ?)`,
					t.table, t.filter, t.age), opts.MaxRows)
				if err != nil {
					return fmt.Errorf("cap %s: %w", t.name, err)
				}
				n += over
			}
			*t.removed(&res) = n
		}

		var err error
		res.RemovedEdges, err = deleteBounded(ctx, tx, `
			DELETE FROM ledger_edges
			WHERE to_event_id NOT IN (SELECT event_id FROM ledger_events)`)
		if err != nil {
			return fmt.Errorf("prune edges: %w", err)
		}
		return nil
	})
	if err != nil {
		return PruneResult{}, err
	}
	return res, nil
}

// pruneTables lists the tables Prune bounds. filter selects the prunable
// rows; age is the column they are ordered and aged by.
var pruneTables = []struct {
	name    string
	table   string
	filter  string
	age     string
	removed func(*PruneResult) *int
}{
	{"decisions", "ledger_decisions", "status = 'archived'", "updated_at_ms",
		func(r *PruneResult) *int { return &r.RemovedArchivedDecisions }},
	{"snapshots", "ledger_context_snapshots", "1 = 1", "created_at_ms",
		func(r *PruneResult) *int { return &r.RemovedSnapshots }},
	{"events", "ledger_events", "1 = 1", "ts_ms",
		func(r *PruneResult) *int { return &r.RemovedEvents }},
}

func deleteBounded(ctx context.Context, tx *sql.Tx, query string, args ...any) (int, error) {
	r, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := r.RowsAffected()
	return int(n), err
}

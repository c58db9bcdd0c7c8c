package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leonletto/panebus/internal/identity"
	"github.com/leonletto/panebus/internal/safedb"
)

const (
	// DefaultSessionWindow is how many recent sessions scope context
	// assembly.
	DefaultSessionWindow = 3
	// DefaultCompletionLimit caps completions in assembled context.
	DefaultCompletionLimit = 10
)

// ContextOptions controls GetLatestContext.
type ContextOptions struct {
	// SessionID pins the target session. Empty means the most recent one.
	SessionID string
	// SessionWindow is the number of sessions, counting back from the
	// target, whose decisions are included. Session-less decisions always
	// are.
	SessionWindow int
	// PreferSnapshot returns the target session's latest snapshot verbatim
	// when one exists.
	PreferSnapshot  bool
	CompletionLimit int
}

// ArchitectureContext groups architecture decisions.
type ArchitectureContext struct {
	Decisions []Decision `json:"decisions"`
}

// LatestContext is the compact working-memory view handed to an agent.
type LatestContext struct {
	Session        *Session            `json:"session"`
	Date           string              `json:"date"`
	Mode           string              `json:"mode"`
	Status         string              `json:"status"`
	Source         string              `json:"source"`
	Completed      []Decision          `json:"completed"`
	Architecture   ArchitectureContext `json:"architecture"`
	NotYetDone     []string            `json:"not_yet_done"`
	Roadmap        []Decision          `json:"roadmap"`
	KnownIssues    map[string]string   `json:"known_issues"`
	Stats          map[string]any      `json:"stats"`
	ImportantNotes []string            `json:"important_notes"`
	Team           map[string]any      `json:"team"`

	raw map[string]any
}

// Raw returns the stored snapshot object when the context was served from
// a snapshot, or nil.
func (c LatestContext) Raw() map[string]any {
	return c.raw
}

// FromSnapshot reports whether the context was served from a snapshot.
func (c LatestContext) FromSnapshot() bool {
	return c.raw != nil
}

// MarshalJSON emits snapshot content verbatim when present.
func (c LatestContext) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return json.Marshal(c.raw)
	}
	type plain LatestContext
	return json.Marshal(plain(c))
}

// GetLatestContext assembles working memory from the decision tables, all
// read in one transaction.
func (m *Memory) GetLatestContext(ctx context.Context, opts ContextOptions) (LatestContext, error) {
	if opts.SessionWindow <= 0 {
		opts.SessionWindow = DefaultSessionWindow
	}
	if opts.CompletionLimit <= 0 {
		opts.CompletionLimit = DefaultCompletionLimit
	}

	var out LatestContext
	err := m.store.withReadTx(ctx, "get_latest_context", func(tx *sql.Tx) error {
		target, err := targetSession(ctx, tx, opts.SessionID)
		if err != nil {
			return err
		}

		if opts.PreferSnapshot && target != nil {
			snap, err := latestSnapshot(ctx, tx, target.SessionID)
			switch {
			case err == nil:
				if c, ok := contextFromSnapshot(snap); ok {
					out = c
					return nil
				}
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}

		var window []string
		if target != nil {
			recent, err := recentSessions(ctx, tx, target.SessionNumber, opts.SessionWindow)
			if err != nil {
				return err
			}
			window = make([]string, 0, len(recent))
			for _, s := range recent {
				window = append(window, s.SessionID)
			}
		}

		scoped := func(dq decisionQuery) ([]Decision, error) {
			dq.window = window
			return listDecisions(ctx, tx, dq)
		}
		directives, err := scoped(decisionQuery{category: CategoryDirective, status: StatusActive})
		if err != nil {
			return err
		}
		issues, err := scoped(decisionQuery{category: CategoryIssue, status: StatusActive})
		if err != nil {
			return err
		}
		roadmap, err := scoped(decisionQuery{category: CategoryRoadmap, status: StatusActive})
		if err != nil {
			return err
		}
		completed, err := scoped(decisionQuery{
			category: CategoryCompletion, excludeStatus: StatusSuperseded, limit: opts.CompletionLimit,
		})
		if err != nil {
			return err
		}
		architecture, err := scoped(decisionQuery{category: CategoryArchitecture, status: StatusActive})
		if err != nil {
			return err
		}

		out = assembleContext(target, directives, issues, roadmap, completed, architecture)
		return nil
	})
	if err != nil {
		return LatestContext{}, err
	}
	return out, nil
}

func targetSession(ctx context.Context, q safedb.Querier, sessionID string) (*Session, error) {
	if sessionID != "" {
		s, err := getSession(ctx, q, sessionID)
		if errors.Is(err, ErrNotFound) {
			return nil, invalid(ReasonContextUnavailable, "unknown session "+sessionID)
		}
		if err != nil {
			return nil, err
		}
		return &s, nil
	}
	recent, err := recentSessions(ctx, q, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, nil
	}
	return &recent[0], nil
}

func assembleContext(session *Session, directives, issues, roadmap, completed, architecture []Decision) LatestContext {
	c := LatestContext{
		Session:        session,
		Status:         ContextStatusReady,
		Source:         SourceLedger,
		Completed:      completed,
		Architecture:   ArchitectureContext{Decisions: architecture},
		NotYetDone:     make([]string, 0, len(roadmap)),
		Roadmap:        roadmap,
		KnownIssues:    make(map[string]string, len(issues)),
		Stats:          map[string]any{},
		ImportantNotes: make([]string, 0, len(directives)),
		Team:           map[string]any{},
	}
	if session != nil {
		c.Date = time.UnixMilli(session.StartedAtMs).UTC().Format("2006-01-02")
		c.Mode = session.Mode
		if !session.Ended() {
			c.Status = ContextStatusActive
		}
		c.Stats = nonNilMap(session.Stats)
		c.Team = nonNilMap(session.Team)
	}
	for _, d := range roadmap {
		c.NotYetDone = append(c.NotYetDone, d.Title)
	}
	for _, d := range issues {
		c.KnownIssues[d.Title] = d.Body
	}
	for _, d := range directives {
		note := d.Title
		if d.Body != "" {
			note += ": " + d.Body
		}
		c.ImportantNotes = append(c.ImportantNotes, note)
	}
	return c
}

func contextFromSnapshot(snap Snapshot) (LatestContext, bool) {
	var raw map[string]any
	if err := json.Unmarshal(snap.Content, &raw); err != nil || raw == nil {
		return LatestContext{}, false
	}
	type plain LatestContext
	var p plain
	// Typed fields are best effort; raw is authoritative.
	_ = json.Unmarshal(snap.Content, &p)
	c := LatestContext(p)
	c.Source = SourceSnapshot
	raw["source"] = SourceSnapshot
	c.raw = raw
	return c, true
}

// GetLatestSnapshot returns the newest snapshot of a session, or of the
// whole ledger when sessionID is empty.
func (m *Memory) GetLatestSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var snap Snapshot
	err := m.store.withReadTx(ctx, "get_latest_snapshot", func(tx *sql.Tx) error {
		var err error
		snap, err = latestSnapshot(ctx, tx, sessionID)
		return err
	})
	return snap, err
}

// SnapshotContext stores an immutable copy of context. Without explicit
// content it assembles the latest context for the session first.
func (m *Memory) SnapshotContext(ctx context.Context, sessionID string, opts SnapshotOptions) (Snapshot, error) {
	if _, err := m.store.conn(); err != nil {
		return Snapshot{}, err
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	if !trigger.Valid() {
		return Snapshot{}, invalid(ReasonInvalidTrigger, string(trigger))
	}
	source := SourceLedger
	if trigger == TriggerSessionStart {
		source = SourceSessionStartSnapshot
	}

	content := opts.Content
	if content == nil {
		assembled, err := m.GetLatestContext(ctx, ContextOptions{SessionID: sessionID})
		if err != nil {
			return Snapshot{}, err
		}
		if sessionID == "" && assembled.Session != nil {
			sessionID = assembled.Session.SessionID
		}
		assembled.Source = source
		content = assembled
	}
	data, err := json.Marshal(content)
	if err != nil {
		return Snapshot{}, invalid(ReasonContextUnavailable, err.Error())
	}

	snap := Snapshot{
		SnapshotID:  identity.GenerateSnapshotID(),
		SessionID:   sessionID,
		Content:     data,
		Trigger:     trigger,
		Source:      source,
		CreatedAtMs: m.store.nowMs(),
	}
	err = m.store.withTx(ctx, "snapshot_context", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_context_snapshots (snapshot_id, session_id, content_json, trigger, source, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			snap.SnapshotID, nullString(snap.SessionID), string(snap.Content),
			string(snap.Trigger), snap.Source, snap.CreatedAtMs)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func latestSnapshot(ctx context.Context, q safedb.Querier, sessionID string) (Snapshot, error) {
	query := `SELECT snapshot_id, session_id, content_json, trigger, source, created_at_ms
		FROM ledger_context_snapshots`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at_ms DESC, rowid DESC LIMIT 1`

	var snap Snapshot
	var sid sql.NullString
	var content, trigger string
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&snap.SnapshotID, &sid, &content, &trigger, &snap.Source, &snap.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	snap.SessionID = sid.String
	snap.Content = json.RawMessage(content)
	snap.Trigger = Trigger(trigger)
	return snap, nil
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/leonletto/panebus/internal/envelope"
	"github.com/leonletto/panebus/internal/identity"
	"github.com/leonletto/panebus/internal/safedb"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const decisionColumns = `decision_id, session_id, category, title, body, author, status,
	superseded_by, incident_id, tags_json, meta_json, created_at_ms, updated_at_ms`

const sessionColumns = `session_id, session_number, mode, started_at_ms, ended_at_ms,
	summary, stats_json, team_json, meta_json`

// Memory is the typed decision, session and snapshot API over a Store. It
// keeps no state of its own.
type Memory struct {
	store *Store
}

// NewMemory builds a Memory over store.
func NewMemory(store *Store) *Memory {
	return &Memory{store: store}
}

// Store returns the backing store.
func (m *Memory) Store() *Store {
	return m.store
}

// RecordDecision validates and stores a new active decision.
func (m *Memory) RecordDecision(ctx context.Context, in DecisionInput) (Decision, error) {
	if _, err := m.store.conn(); err != nil {
		return Decision{}, err
	}
	d, err := m.newDecision(in)
	if err != nil {
		return Decision{}, err
	}
	err = m.store.withTx(ctx, "record_decision", func(tx *sql.Tx) error {
		return insertDecision(ctx, tx, d)
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (m *Memory) newDecision(in DecisionInput) (Decision, error) {
	if !in.Category.Valid() {
		return Decision{}, invalid(ReasonInvalidCategory, string(in.Category))
	}
	if strings.TrimSpace(in.Title) == "" {
		return Decision{}, invalid(ReasonTitleRequired, "")
	}
	if !authorPattern.MatchString(in.Author) {
		return Decision{}, invalid(ReasonInvalidAuthor, in.Author)
	}
	now := m.store.nowMs()
	tags := append([]string{}, in.Tags...)
	meta := envelope.CloneMap(in.Meta)
	if meta == nil {
		meta = map[string]any{}
	}
	return Decision{
		DecisionID:  identity.GenerateDecisionID(),
		SessionID:   in.SessionID,
		Category:    in.Category,
		Title:       strings.TrimSpace(in.Title),
		Body:        in.Body,
		Author:      in.Author,
		Status:      StatusActive,
		IncidentID:  in.IncidentID,
		Tags:        tags,
		Meta:        meta,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}, nil
}

func insertDecision(ctx context.Context, q safedb.Querier, d Decision) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, nullString(d.SessionID), string(d.Category), d.Title, d.Body, d.Author,
		string(d.Status), nullString(d.SupersededBy), nullString(d.IncidentID),
		mustJSON(d.Tags, "[]"), mustJSON(d.Meta, "{}"), d.CreatedAtMs, d.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision loads one decision.
func (m *Memory) GetDecision(ctx context.Context, id string) (Decision, error) {
	if _, err := m.store.conn(); err != nil {
		return Decision{}, err
	}
	if id == "" {
		return Decision{}, invalid(ReasonDecisionIDRequired, "")
	}
	var d Decision
	err := m.store.withReadTx(ctx, "get_decision", func(tx *sql.Tx) error {
		var err error
		d, err = getDecision(ctx, tx, id)
		return err
	})
	return d, err
}

func getDecision(ctx context.Context, q safedb.Querier, id string) (Decision, error) {
	row := q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM ledger_decisions WHERE decision_id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	return d, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(r rowScanner) (Decision, error) {
	var d Decision
	var sessionID, supersededBy, incidentID sql.NullString
	var category, status, tagsJSON, metaJSON string
	err := r.Scan(&d.DecisionID, &sessionID, &category, &d.Title, &d.Body, &d.Author, &status,
		&supersededBy, &incidentID, &tagsJSON, &metaJSON, &d.CreatedAtMs, &d.UpdatedAtMs)
	if err != nil {
		return Decision{}, err
	}
	d.SessionID = sessionID.String
	d.Category = Category(category)
	d.Status = Status(status)
	d.SupersededBy = supersededBy.String
	d.IncidentID = incidentID.String
	d.Tags = parseJSONStrings(tagsJSON)
	d.Meta = parseJSONMap(metaJSON)
	return d, nil
}

// UpdateDecision changes a decision in place and returns the new version.
func (m *Memory) UpdateDecision(ctx context.Context, id string, u DecisionUpdate) (Decision, error) {
	if _, err := m.store.conn(); err != nil {
		return Decision{}, err
	}
	if id == "" {
		return Decision{}, invalid(ReasonDecisionIDRequired, "")
	}
	if u.empty() {
		return Decision{}, invalid(ReasonNoUpdates, "")
	}
	if u.Status != nil && !u.Status.Valid() {
		return Decision{}, invalid(ReasonInvalidStatus, string(*u.Status))
	}
	if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
		return Decision{}, invalid(ReasonTitleRequired, "")
	}

	var d Decision
	err := m.store.withTx(ctx, "update_decision", func(tx *sql.Tx) error {
		var err error
		d, err = getDecision(ctx, tx, id)
		if err != nil {
			return err
		}
		if u.Title != nil {
			d.Title = strings.TrimSpace(*u.Title)
		}
		if u.Body != nil {
			d.Body = *u.Body
		}
		if u.Status != nil {
			d.Status = *u.Status
		}
		if u.IncidentID != nil {
			d.IncidentID = *u.IncidentID
		}
		if u.Tags != nil {
			d.Tags = append([]string{}, (*u.Tags)...)
		}
		for k, v := range u.Meta {
			d.Meta[k] = v
		}
		d.UpdatedAtMs = m.store.nowMs()

		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_decisions
			SET title = ?, body = ?, status = ?, incident_id = ?, tags_json = ?, meta_json = ?, updated_at_ms = ?
			WHERE decision_id = ?`,
			d.Title, d.Body, string(d.Status), nullString(d.IncidentID),
			mustJSON(d.Tags, "[]"), mustJSON(d.Meta, "{}"), d.UpdatedAtMs, id)
		if err != nil {
			return fmt.Errorf("update decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// SupersedeDecision replaces an active decision: the new decision is
// inserted and the old one marked superseded in one transaction, so either
// both writes land or neither does. Empty fields of in are inherited from
// the old decision, except Body.
func (m *Memory) SupersedeDecision(ctx context.Context, oldID string, in DecisionInput) (Decision, error) {
	if _, err := m.store.conn(); err != nil {
		return Decision{}, err
	}
	if oldID == "" {
		return Decision{}, invalid(ReasonDecisionIDRequired, "")
	}

	var next Decision
	err := m.store.withTx(ctx, "supersede_decision", func(tx *sql.Tx) error {
		old, err := getDecision(ctx, tx, oldID)
		if err != nil {
			return err
		}
		if old.Status != StatusActive {
			return invalid(ReasonInvalidStatus, fmt.Sprintf("decision %s is %s", oldID, old.Status))
		}

		if in.Category == "" {
			in.Category = old.Category
		}
		if in.Author == "" {
			in.Author = old.Author
		}
		if in.SessionID == "" {
			in.SessionID = old.SessionID
		}
		if in.IncidentID == "" {
			in.IncidentID = old.IncidentID
		}
		if in.Tags == nil {
			in.Tags = old.Tags
		}
		next, err = m.newDecision(in)
		if err != nil {
			return err
		}
		next.Meta["supersedes"] = oldID

		if err := insertDecision(ctx, tx, next); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_decisions SET status = ?, superseded_by = ?, updated_at_ms = ?
			WHERE decision_id = ?`,
			string(StatusSuperseded), next.DecisionID, next.CreatedAtMs, oldID)
		if err != nil {
			return fmt.Errorf("mark superseded: %w", err)
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return next, nil
}

// decisionQuery is the shared shape of every decision listing.
type decisionQuery struct {
	category      Category
	status        Status
	excludeStatus Status
	sessionID     string
	// window scopes to these sessions plus session-less decisions; nil
	// disables scoping.
	window []string
	tag    string
	search string
	limit  int
}

func listDecisions(ctx context.Context, q safedb.Querier, dq decisionQuery) ([]Decision, error) {
	var (
		where []string
		args  []any
	)
	if dq.category != "" {
		where = append(where, "category = ?")
		args = append(args, string(dq.category))
	}
	if dq.status != "" {
		where = append(where, "status = ?")
		args = append(args, string(dq.status))
	}
	if dq.excludeStatus != "" {
		where = append(where, "status != ?")
		args = append(args, string(dq.excludeStatus))
	}
	if dq.sessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, dq.sessionID)
	}
	if dq.window != nil {
		clause := "session_id IS NULL"
		if len(dq.window) > 0 {
			clause = "(session_id IS NULL OR session_id IN (?" + strings.Repeat(", ?", len(dq.window)-1) + "))"
			for _, id := range dq.window {
				args = append(args, id)
			}
		}
		where = append(where, clause)
	}
	if dq.tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(ledger_decisions.tags_json) WHERE json_each.value = ?)")
		args = append(args, dq.tag)
	}
	if dq.search != "" {
		pattern := "%" + escapeLike(dq.search) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\' OR tags_json LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}

	query := `SELECT ` + decisionColumns + ` FROM ledger_decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms DESC, rowid DESC LIMIT ?"
	args = append(args, clampLimit(dq.limit, defaultListLimit, maxListLimit))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func (m *Memory) readDecisions(ctx context.Context, op string, dq decisionQuery) ([]Decision, error) {
	var out []Decision
	err := m.store.withReadTx(ctx, op, func(tx *sql.Tx) error {
		var err error
		out, err = listDecisions(ctx, tx, dq)
		return err
	})
	return out, err
}

// ListDecisions returns decisions matching f, newest first.
func (m *Memory) ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	if f.Category != "" && !f.Category.Valid() {
		if _, err := m.store.conn(); err != nil {
			return nil, err
		}
		return nil, invalid(ReasonInvalidCategory, string(f.Category))
	}
	if f.Status != "" && !f.Status.Valid() {
		if _, err := m.store.conn(); err != nil {
			return nil, err
		}
		return nil, invalid(ReasonInvalidStatus, string(f.Status))
	}
	return m.readDecisions(ctx, "list_decisions", decisionQuery{
		category:  f.Category,
		status:    f.Status,
		sessionID: f.SessionID,
		tag:       f.Tag,
		limit:     f.Limit,
	})
}

// SearchDecisions matches text against titles, bodies and tags.
func (m *Memory) SearchDecisions(ctx context.Context, text string, f DecisionFilter) ([]Decision, error) {
	if _, err := m.store.conn(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid(ReasonQueryRequired, "")
	}
	return m.readDecisions(ctx, "search_decisions", decisionQuery{
		category:  f.Category,
		status:    f.Status,
		sessionID: f.SessionID,
		tag:       f.Tag,
		search:    text,
		limit:     f.Limit,
	})
}

// GetActiveDirectives returns active directive decisions.
func (m *Memory) GetActiveDirectives(ctx context.Context) ([]Decision, error) {
	return m.readDecisions(ctx, "get_active_directives", decisionQuery{category: CategoryDirective, status: StatusActive})
}

// GetKnownIssues returns active issue decisions.
func (m *Memory) GetKnownIssues(ctx context.Context) ([]Decision, error) {
	return m.readDecisions(ctx, "get_known_issues", decisionQuery{category: CategoryIssue, status: StatusActive})
}

// GetRoadmap returns active roadmap decisions.
func (m *Memory) GetRoadmap(ctx context.Context) ([]Decision, error) {
	return m.readDecisions(ctx, "get_roadmap", decisionQuery{category: CategoryRoadmap, status: StatusActive})
}

// GetRecentCompletions returns the newest completions that have not been
// superseded.
func (m *Memory) GetRecentCompletions(ctx context.Context, limit int) ([]Decision, error) {
	return m.readDecisions(ctx, "get_recent_completions", decisionQuery{
		category: CategoryCompletion, excludeStatus: StatusSuperseded, limit: limit,
	})
}

// GetArchitectureDecisions returns active architecture decisions.
func (m *Memory) GetArchitectureDecisions(ctx context.Context) ([]Decision, error) {
	return m.readDecisions(ctx, "get_architecture_decisions", decisionQuery{category: CategoryArchitecture, status: StatusActive})
}

// RecordSessionStart opens a session. Session numbers are positive and
// unique; reusing one is a conflict.
func (m *Memory) RecordSessionStart(ctx context.Context, in SessionStart) (Session, error) {
	if _, err := m.store.conn(); err != nil {
		return Session{}, err
	}
	if in.SessionNumber <= 0 {
		return Session{}, invalid(ReasonSessionNumberRequired, "")
	}
	started := in.StartedAtMs
	if started == 0 {
		started = m.store.nowMs()
	}
	sess := Session{
		SessionID:     identity.GenerateSessionID(),
		SessionNumber: in.SessionNumber,
		Mode:          in.Mode,
		StartedAtMs:   started,
		Stats:         map[string]any{},
		Team:          nonNilMap(in.Team),
		Meta:          nonNilMap(in.Meta),
	}
	err := m.store.withTx(ctx, "record_session_start", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, NULL, '', '{}', ?, ?)`,
			sess.SessionID, sess.SessionNumber, sess.Mode, sess.StartedAtMs,
			mustJSON(sess.Team, "{}"), mustJSON(sess.Meta, "{}"))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// RecordSessionEnd closes a session, recording its summary and stats.
func (m *Memory) RecordSessionEnd(ctx context.Context, sessionID string, in SessionEnd) (Session, error) {
	if _, err := m.store.conn(); err != nil {
		return Session{}, err
	}
	if sessionID == "" {
		return Session{}, invalid(ReasonSessionIDRequired, "")
	}
	ended := in.EndedAtMs
	if ended == 0 {
		ended = m.store.nowMs()
	}

	var sess Session
	err := m.store.withTx(ctx, "record_session_end", func(tx *sql.Tx) error {
		var err error
		sess, err = getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		sess.EndedAtMs = &ended
		if in.Summary != "" {
			sess.Summary = in.Summary
		}
		if in.Stats != nil {
			sess.Stats = envelope.CloneMap(in.Stats)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_sessions SET ended_at_ms = ?, summary = ?, stats_json = ?
			WHERE session_id = ?`,
			ended, sess.Summary, mustJSON(sess.Stats, "{}"), sessionID)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession loads one session.
func (m *Memory) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if _, err := m.store.conn(); err != nil {
		return Session{}, err
	}
	if sessionID == "" {
		return Session{}, invalid(ReasonSessionIDRequired, "")
	}
	var sess Session
	err := m.store.withReadTx(ctx, "get_session", func(tx *sql.Tx) error {
		var err error
		sess, err = getSession(ctx, tx, sessionID)
		return err
	})
	return sess, err
}

// ListSessions returns sessions, highest session number first.
func (m *Memory) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	var out []Session
	err := m.store.withReadTx(ctx, "list_sessions", func(tx *sql.Tx) error {
		var err error
		out, err = recentSessions(ctx, tx, 0, limit)
		return err
	})
	return out, err
}

func getSession(ctx context.Context, q safedb.Querier, id string) (Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM ledger_sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// recentSessions lists sessions newest first, optionally only those at or
// below maxNumber.
func recentSessions(ctx context.Context, q safedb.Querier, maxNumber, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM ledger_sessions`
	var args []any
	if maxNumber > 0 {
		query += ` WHERE session_number <= ?`
		args = append(args, maxNumber)
	}
	query += ` ORDER BY session_number DESC LIMIT ?`
	args = append(args, clampLimit(limit, defaultListLimit, maxListLimit))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(r rowScanner) (Session, error) {
	var s Session
	var ended sql.NullInt64
	var statsJSON, teamJSON, metaJSON string
	err := r.Scan(&s.SessionID, &s.SessionNumber, &s.Mode, &s.StartedAtMs, &ended,
		&s.Summary, &statsJSON, &teamJSON, &metaJSON)
	if err != nil {
		return Session{}, err
	}
	if ended.Valid {
		v := ended.Int64
		s.EndedAtMs = &v
	}
	s.Stats = parseJSONMap(statsJSON)
	s.Team = parseJSONMap(teamJSON)
	s.Meta = parseJSONMap(metaJSON)
	return s, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return envelope.CloneMap(m)
}

package mcp

import "github.com/leonletto/panebus/internal/ledger"

// RecordDecisionInput is the input for the record_decision MCP tool.
type RecordDecisionInput struct {
	Category   string         `json:"category" jsonschema:"Decision category: architecture, directive, completion, issue, roadmap or config"`
	Title      string         `json:"title" jsonschema:"Short decision title"`
	Body       string         `json:"body,omitempty" jsonschema:"Decision details"`
	Author     string         `json:"author,omitempty" jsonschema:"Who made the decision. Default: agent"`
	SessionID  string         `json:"session_id,omitempty" jsonschema:"Session the decision belongs to"`
	IncidentID string         `json:"incident_id,omitempty" jsonschema:"Related incident"`
	Tags       []string       `json:"tags,omitempty" jsonschema:"Free-form tags"`
	Meta       map[string]any `json:"meta,omitempty" jsonschema:"Optional structured metadata"`
}

// SupersedeDecisionInput is the input for the supersede_decision MCP tool.
// Category, author, session, incident and tags default to the old decision's.
type SupersedeDecisionInput struct {
	DecisionID string         `json:"decision_id" jsonschema:"ID of the active decision being replaced"`
	Category   string         `json:"category,omitempty" jsonschema:"Category of the replacement. Default: the old decision's"`
	Title      string         `json:"title" jsonschema:"Title of the replacement decision"`
	Body       string         `json:"body,omitempty" jsonschema:"Details of the replacement decision"`
	Author     string         `json:"author,omitempty" jsonschema:"Who made the replacement decision"`
	Tags       []string       `json:"tags,omitempty" jsonschema:"Tags of the replacement. Default: the old decision's"`
	Meta       map[string]any `json:"meta,omitempty" jsonschema:"Optional structured metadata"`
}

// ListDecisionsInput is the input for the list_decisions MCP tool.
type ListDecisionsInput struct {
	Category  string `json:"category,omitempty" jsonschema:"Only this category"`
	Status    string `json:"status,omitempty" jsonschema:"Only this status: active, superseded or archived"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Only decisions of this session"`
	Tag       string `json:"tag,omitempty" jsonschema:"Only decisions carrying this tag"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Max decisions to return. Default 100, max 1000"`
}

// SearchDecisionsInput is the input for the search_decisions MCP tool.
type SearchDecisionsInput struct {
	Query    string `json:"query" jsonschema:"Text matched against title, body and tags"`
	Category string `json:"category,omitempty" jsonschema:"Only this category"`
	Status   string `json:"status,omitempty" jsonschema:"Only this status"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Max decisions to return. Default 100"`
}

// DecisionOutput is the output of tools that write one decision.
type DecisionOutput struct {
	OK       bool             `json:"ok"`
	Reason   string           `json:"reason,omitempty" jsonschema:"Failure reason code when ok is false"`
	Error    string           `json:"error,omitempty" jsonschema:"Storage error message for db_error"`
	Decision *ledger.Decision `json:"decision,omitempty"`
}

// DecisionListOutput is the output of list_decisions and search_decisions.
type DecisionListOutput struct {
	OK        bool              `json:"ok"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	Decisions []ledger.Decision `json:"decisions"`
	Count     int               `json:"count"`
}

// GetLatestContextInput is the input for the get_latest_context MCP tool.
type GetLatestContextInput struct {
	SessionID       string `json:"session_id,omitempty" jsonschema:"Assemble context as of this session. Default: the latest session"`
	SessionWindow   int    `json:"session_window,omitempty" jsonschema:"How many recent sessions scope session-bound decisions. Default 3"`
	CompletionLimit int    `json:"completion_limit,omitempty" jsonschema:"Max recent completions. Default 10"`
	PreferSnapshot  bool   `json:"prefer_snapshot,omitempty" jsonschema:"Return the session's latest snapshot verbatim when one exists"`
}

// ContextOutput is the output for the get_latest_context MCP tool.
type ContextOutput struct {
	OK      bool           `json:"ok"`
	Reason  string         `json:"reason,omitempty"`
	Error   string         `json:"error,omitempty"`
	Context map[string]any `json:"context,omitempty" jsonschema:"Assembled working memory"`
}

// SnapshotContextInput is the input for the snapshot_context MCP tool.
type SnapshotContextInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to snapshot. Default: the latest session"`
	Trigger   string `json:"trigger,omitempty" jsonschema:"Why the snapshot is taken: manual, session_start, session_end or periodic. Default: manual"`
}

// SnapshotInfo describes a stored context snapshot.
type SnapshotInfo struct {
	SnapshotID  string         `json:"snapshot_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Trigger     string         `json:"trigger"`
	Source      string         `json:"source"`
	CreatedAtMs int64          `json:"created_at_ms"`
	Content     map[string]any `json:"content"`
}

// SnapshotOutput is the output for the snapshot_context MCP tool.
type SnapshotOutput struct {
	OK       bool          `json:"ok"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Snapshot *SnapshotInfo `json:"snapshot,omitempty"`
}

// RecordSessionStartInput is the input for the record_session_start MCP tool.
type RecordSessionStartInput struct {
	SessionNumber int            `json:"session_number" jsonschema:"Monotonic session number, starting at 1"`
	Mode          string         `json:"mode,omitempty" jsonschema:"Working mode label, e.g. build or review"`
	Team          map[string]any `json:"team,omitempty" jsonschema:"Team roster for the session"`
	Meta          map[string]any `json:"meta,omitempty" jsonschema:"Optional structured metadata"`
}

// RecordSessionEndInput is the input for the record_session_end MCP tool.
type RecordSessionEndInput struct {
	SessionID string         `json:"session_id" jsonschema:"Session to close"`
	Summary   string         `json:"summary,omitempty" jsonschema:"What the session accomplished"`
	Stats     map[string]any `json:"stats,omitempty" jsonschema:"Session statistics"`
}

// SessionOutput is the output of the session tools.
type SessionOutput struct {
	OK      bool            `json:"ok"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
	Session *ledger.Session `json:"session,omitempty"`
}

package ledger

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/leonletto/panebus/internal/envelope"
)

// Category classifies a decision.
type Category string

// Decision categories.
const (
	CategoryArchitecture Category = "architecture"
	CategoryDirective    Category = "directive"
	CategoryCompletion   Category = "completion"
	CategoryIssue        Category = "issue"
	CategoryRoadmap      Category = "roadmap"
	CategoryConfig       Category = "config"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryArchitecture, CategoryDirective, CategoryCompletion,
	CategoryIssue, CategoryRoadmap, CategoryConfig,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Status is a decision's lifecycle state.
type Status string

// Decision statuses.
const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusArchived   Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusArchived:
		return true
	}
	return false
}

// Trigger records why a snapshot was taken.
type Trigger string

// Snapshot triggers.
const (
	TriggerSessionStart Trigger = "session_start"
	TriggerSessionEnd   Trigger = "session_end"
	TriggerManual       Trigger = "manual"
	TriggerPeriodic     Trigger = "periodic"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerSessionStart, TriggerSessionEnd, TriggerManual, TriggerPeriodic:
		return true
	}
	return false
}

// Snapshot and context sources.
const (
	SourceLedger               = "ledger"
	SourceSnapshot             = "ledger.snapshot"
	SourceSessionStartSnapshot = "ledger.session_start_snapshot"
)

// Context status values.
const (
	ContextStatusActive = "ACTIVE"
	ContextStatusReady  = "READY"
)

var authorPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// Decision is a recorded piece of agent working memory.
type Decision struct {
	DecisionID   string         `json:"decisionId"`
	SessionID    string         `json:"sessionId,omitempty"`
	Category     Category       `json:"category"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	Author       string         `json:"author"`
	Status       Status         `json:"status"`
	SupersededBy string         `json:"supersededBy,omitempty"`
	IncidentID   string         `json:"incidentId,omitempty"`
	Tags         []string       `json:"tags"`
	Meta         map[string]any `json:"meta"`
	CreatedAtMs  int64          `json:"createdAtMs"`
	UpdatedAtMs  int64          `json:"updatedAtMs"`
}

// DecisionInput holds the fields of a new decision.
type DecisionInput struct {
	SessionID  string
	Category   Category
	Title      string
	Body       string
	Author     string
	IncidentID string
	Tags       []string
	Meta       map[string]any
}

// DecisionUpdate changes a decision in place. Nil fields are kept.
type DecisionUpdate struct {
	Title      *string
	Body       *string
	Status     *Status
	IncidentID *string
	Tags       *[]string
	Meta       map[string]any
}

func (u DecisionUpdate) empty() bool {
	return u.Title == nil && u.Body == nil && u.Status == nil &&
		u.IncidentID == nil && u.Tags == nil && u.Meta == nil
}

// DecisionFilter narrows ListDecisions. Zero fields match everything.
type DecisionFilter struct {
	Category  Category
	Status    Status
	SessionID string
	Tag       string
	Limit     int
}

// Session is one agent working session.
type Session struct {
	SessionID     string         `json:"sessionId"`
	SessionNumber int            `json:"sessionNumber"`
	Mode          string         `json:"mode"`
	StartedAtMs   int64          `json:"startedAtMs"`
	EndedAtMs     *int64         `json:"endedAtMs"`
	Summary       string         `json:"summary"`
	Stats         map[string]any `json:"stats"`
	Team          map[string]any `json:"team"`
	Meta          map[string]any `json:"meta"`
}

// Ended reports whether the session has been closed.
func (s Session) Ended() bool {
	return s.EndedAtMs != nil
}

// SessionStart holds the fields of a new session.
type SessionStart struct {
	SessionNumber int
	Mode          string
	StartedAtMs   int64
	Team          map[string]any
	Meta          map[string]any
}

// SessionEnd closes a session.
type SessionEnd struct {
	EndedAtMs int64
	Summary   string
	Stats     map[string]any
}

// Snapshot is an immutable copy of assembled context.
type Snapshot struct {
	SnapshotID  string          `json:"snapshotId"`
	SessionID   string          `json:"sessionId,omitempty"`
	Content     json.RawMessage `json:"content"`
	Trigger     Trigger         `json:"trigger"`
	Source      string          `json:"source"`
	CreatedAtMs int64           `json:"createdAtMs"`
}

// SnapshotOptions controls SnapshotContext. A nil Content is assembled from
// live decision state.
type SnapshotOptions struct {
	Trigger Trigger
	Content any
}

// AppendResult reports an event write.
type AppendResult struct {
	Inserted int    `json:"inserted"`
	Rejected int    `json:"rejected,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// TraceOptions controls QueryTrace.
type TraceOptions struct {
	Limit        int
	IncludeEdges bool
}

// Trace is every stored event of one trace plus its causal edges.
type Trace struct {
	TraceID string              `json:"traceId"`
	Events  []envelope.Envelope `json:"events"`
	Edges   []envelope.Edge     `json:"edges"`
}

// EventFilter narrows QueryEvents. AfterID is the cursor from a previous page.
type EventFilter struct {
	TraceID string
	Type    string
	PaneID  string
	Source  string
	SinceMs int64
	UntilMs int64
	AfterID int64
	Limit   int
}

// EventPage is one page of QueryEvents.
type EventPage struct {
	Events     []envelope.Envelope `json:"events"`
	NextCursor int64               `json:"nextCursor"`
	More       bool                `json:"more"`
}

// DefaultRetention is the retention window Prune uses when RetentionMs is
// zero.
const DefaultRetention = 30 * 24 * time.Hour

// PruneOptions bounds the ledger by age and size. Rows older than RetentionMs
// are removed first (zero means DefaultRetention). MaxRows then caps how many
// events, snapshots and archived decisions are kept, removing the oldest
// overflow; zero means no cap.
type PruneOptions struct {
	NowMs       int64
	RetentionMs int64
	MaxRows     int
}

// PruneResult reports how many rows Prune removed.
type PruneResult struct {
	RemovedArchivedDecisions int `json:"removedArchivedDecisions"`
	RemovedSnapshots         int `json:"removedSnapshots"`
	RemovedEvents            int `json:"removedEvents"`
	RemovedEdges             int `json:"removedEdges"`
}

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/leonletto/panebus/internal/kernel"
	"github.com/leonletto/panebus/internal/ledger"
	"github.com/leonletto/panebus/internal/replay"
)

const timeLayout = "2006-01-02 15:04:05"

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(timeLayout)
}

// FormatFailure renders an {ok:false} result.
func FormatFailure(reason, message string) string {
	if reason == ledger.ReasonUnavailable {
		return "Ledger unavailable: enable it in config.yaml or unset PANEBUS_LEDGER_DISABLED.\n"
	}
	if message != "" {
		return fmt.Sprintf("Failed (%s): %s\n", reason, message)
	}
	return fmt.Sprintf("Failed (%s)\n", reason)
}

// FormatInit renders the result of Init.
func FormatInit(res *InitResult) string {
	var out strings.Builder
	fmt.Fprintf(&out, "✓ Initialized %s\n", res.StateDir)
	fmt.Fprintf(&out, "  Config: %s\n", res.ConfigPath)
	if res.LedgerReady {
		fmt.Fprintf(&out, "  Ledger: %s\n", res.LedgerPath)
	} else {
		out.WriteString("  Ledger: disabled\n")
	}
	return out.String()
}

// FormatDecision renders one decision in full.
func FormatDecision(d ledger.Decision) string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s [%s/%s]\n", d.DecisionID, d.Category, d.Status)
	fmt.Fprintf(&out, "  Title:   %s\n", d.Title)
	fmt.Fprintf(&out, "  Author:  %s\n", d.Author)
	if d.SessionID != "" {
		fmt.Fprintf(&out, "  Session: %s\n", d.SessionID)
	}
	if d.IncidentID != "" {
		fmt.Fprintf(&out, "  Incident: %s\n", d.IncidentID)
	}
	if len(d.Tags) > 0 {
		fmt.Fprintf(&out, "  Tags:    %s\n", strings.Join(d.Tags, ", "))
	}
	if d.SupersededBy != "" {
		fmt.Fprintf(&out, "  Superseded by: %s\n", d.SupersededBy)
	}
	fmt.Fprintf(&out, "  Created: %s\n", formatMs(d.CreatedAtMs))
	if d.UpdatedAtMs != d.CreatedAtMs {
		fmt.Fprintf(&out, "  Updated: %s\n", formatMs(d.UpdatedAtMs))
	}
	if d.Body != "" {
		out.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(d.Body, "\n"), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	return out.String()
}

// FormatDecisionList renders decisions one per line.
func FormatDecisionList(decisions []ledger.Decision) string {
	if len(decisions) == 0 {
		return "No decisions found.\n"
	}
	var out strings.Builder
	fmt.Fprintf(&out, "Decisions (%d):\n", len(decisions))
	for _, d := range decisions {
		status := ""
		if d.Status != ledger.StatusActive {
			status = " (" + string(d.Status) + ")"
		}
		fmt.Fprintf(&out, "  %s  %-12s %s%s\n", d.DecisionID, d.Category, d.Title, status)
	}
	return out.String()
}

// FormatSession renders one session.
func FormatSession(s ledger.Session) string {
	var out strings.Builder
	state := "active"
	if s.Ended() {
		state = "ended"
	}
	fmt.Fprintf(&out, "Session #%d %s [%s]\n", s.SessionNumber, s.SessionID, state)
	if s.Mode != "" {
		fmt.Fprintf(&out, "  Mode:    %s\n", s.Mode)
	}
	fmt.Fprintf(&out, "  Started: %s\n", formatMs(s.StartedAtMs))
	if s.EndedAtMs != nil {
		fmt.Fprintf(&out, "  Ended:   %s\n", formatMs(*s.EndedAtMs))
	}
	if s.Summary != "" {
		fmt.Fprintf(&out, "  Summary: %s\n", s.Summary)
	}
	return out.String()
}

// FormatSessionList renders sessions, newest first.
func FormatSessionList(sessions []ledger.Session) string {
	if len(sessions) == 0 {
		return "No sessions found.\n"
	}
	var out strings.Builder
	fmt.Fprintf(&out, "Sessions (%d):\n", len(sessions))
	for _, s := range sessions {
		state := "active"
		if s.Ended() {
			state = "ended"
		}
		fmt.Fprintf(&out, "  #%-4d %s  %-6s %s\n", s.SessionNumber, s.SessionID, state, formatMs(s.StartedAtMs))
	}
	return out.String()
}

// FormatSnapshot renders snapshot metadata.
func FormatSnapshot(s ledger.Snapshot) string {
	session := s.SessionID
	if session == "" {
		session = "(global)"
	}
	return fmt.Sprintf("✓ Snapshot %s\n  Session: %s\n  Trigger: %s\n  Source:  %s\n  Created: %s\n",
		s.SnapshotID, session, s.Trigger, s.Source, formatMs(s.CreatedAtMs))
}

// FormatTrace renders a trace as a timeline followed by its edges.
func FormatTrace(t ledger.Trace) string {
	if len(t.Events) == 0 {
		return fmt.Sprintf("No events for trace %s.\n", t.TraceID)
	}
	var out strings.Builder
	fmt.Fprintf(&out, "Trace %s (%d events):\n", t.TraceID, len(t.Events))
	for _, e := range t.Events {
		fmt.Fprintf(&out, "  %s  %-24s %-10s %s/%s #%d  %s\n",
			formatMs(e.Ts), e.Type, e.Stage, e.Source, e.PaneID, e.Seq, e.EventID)
	}
	if len(t.Edges) > 0 {
		fmt.Fprintf(&out, "\nEdges (%d):\n", len(t.Edges))
		for _, e := range t.Edges {
			fmt.Fprintf(&out, "  %s -[%s]-> %s\n", e.FromEventID, e.EdgeType, e.ToEventID)
		}
	}
	return out.String()
}

// FormatPrune renders a prune result.
func FormatPrune(r ledger.PruneResult) string {
	return fmt.Sprintf("✓ Pruned %d events, %d edges, %d snapshots, %d archived decisions\n",
		r.RemovedEvents, r.RemovedEdges, r.RemovedSnapshots, r.RemovedArchivedDecisions)
}

// FormatStats renders kernel counters.
func FormatStats(s kernel.Stats) string {
	var out strings.Builder
	fmt.Fprintf(&out, "  Emitted:    %d\n", s.TotalEmitted)
	fmt.Fprintf(&out, "  Dropped:    %d\n", s.TotalDropped)
	fmt.Fprintf(&out, "  Violations: %d\n", s.ContractViolations)
	fmt.Fprintf(&out, "  Deferred:   %d\n", s.Deferred)
	fmt.Fprintf(&out, "  Buffered:   %d\n", s.BufferSize)
	if s.SafeMode {
		out.WriteString("  Safe mode:  ON\n")
	}
	return out.String()
}

// FormatReplay renders a replay summary.
func FormatReplay(r replay.Result) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Replayed %d events (%d ingested, %d rejected)\n", r.Read, r.Ingested, r.Rejected)
	out.WriteString(FormatStats(r.Stats))
	return out.String()
}

// FormatIngest renders the result of a live ingest.
func FormatIngest(r replay.Result) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Ingested %d of %d events (%d rejected)\n", r.Ingested, r.Read, r.Rejected)
	out.WriteString(FormatStats(r.Stats))
	return out.String()
}

// FormatContracts renders a checked contract pack.
func FormatContracts(path string, contracts []kernel.Contract) string {
	var out strings.Builder
	fmt.Fprintf(&out, "✓ %s: %d contracts\n", path, len(contracts))
	for _, c := range contracts {
		mode := c.Mode
		if mode == "" {
			mode = kernel.ModeEnforced
		}
		fmt.Fprintf(&out, "  %s", c.ID)
		if c.Version != "" {
			fmt.Fprintf(&out, "@%s", c.Version)
		}
		fmt.Fprintf(&out, "  %s -> %s (%s, %d preconditions)\n",
			strings.Join(c.AppliesTo, ","), c.Action, mode, len(c.Preconditions))
	}
	return out.String()
}

package mcp

import (
	"context"
	"encoding/json"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/ledger"
)

const defaultAuthor = "agent"

// outcome splits a ledger result into the ok/reason/error triple every tool
// output carries.
func (s *Server) outcome(tool string, err error) (ok bool, reason, msg string) {
	res := ledger.Result(nil, err)
	ok, _ = res["ok"].(bool)
	reason, _ = res["reason"].(string)
	msg, _ = res["error"].(string)
	switch reason {
	case "":
	case ledger.ReasonDBError:
		s.logger.Error("mcp tool failed", zap.String("tool", tool), zap.Error(err))
	default:
		s.logger.Debug("mcp tool rejected", zap.String("tool", tool), zap.String("reason", reason))
	}
	return ok, reason, msg
}

func decisionOutput(ok bool, reason, msg string, d ledger.Decision) DecisionOutput {
	out := DecisionOutput{OK: ok, Reason: reason, Error: msg}
	if ok {
		out.Decision = &d
	}
	return out
}

func (s *Server) handleRecordDecision(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input RecordDecisionInput,
) (*gomcp.CallToolResult, DecisionOutput, error) {
	author := input.Author
	if author == "" {
		author = defaultAuthor
	}
	d, err := s.memory.RecordDecision(ctx, ledger.DecisionInput{
		SessionID:  input.SessionID,
		Category:   ledger.Category(input.Category),
		Title:      input.Title,
		Body:       input.Body,
		Author:     author,
		IncidentID: input.IncidentID,
		Tags:       input.Tags,
		Meta:       input.Meta,
	})
	ok, reason, msg := s.outcome("record_decision", err)
	return nil, decisionOutput(ok, reason, msg, d), nil
}

func (s *Server) handleSupersedeDecision(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SupersedeDecisionInput,
) (*gomcp.CallToolResult, DecisionOutput, error) {
	d, err := s.memory.SupersedeDecision(ctx, input.DecisionID, ledger.DecisionInput{
		Category: ledger.Category(input.Category),
		Title:    input.Title,
		Body:     input.Body,
		Author:   input.Author,
		Tags:     input.Tags,
		Meta:     input.Meta,
	})
	ok, reason, msg := s.outcome("supersede_decision", err)
	return nil, decisionOutput(ok, reason, msg, d), nil
}

func decisionListOutput(ok bool, reason, msg string, decisions []ledger.Decision) DecisionListOutput {
	if decisions == nil {
		decisions = []ledger.Decision{}
	}
	return DecisionListOutput{
		OK:        ok,
		Reason:    reason,
		Error:     msg,
		Decisions: decisions,
		Count:     len(decisions),
	}
}

func (s *Server) handleListDecisions(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ListDecisionsInput,
) (*gomcp.CallToolResult, DecisionListOutput, error) {
	decisions, err := s.memory.ListDecisions(ctx, ledger.DecisionFilter{
		Category:  ledger.Category(input.Category),
		Status:    ledger.Status(input.Status),
		SessionID: input.SessionID,
		Tag:       input.Tag,
		Limit:     input.Limit,
	})
	ok, reason, msg := s.outcome("list_decisions", err)
	return nil, decisionListOutput(ok, reason, msg, decisions), nil
}

func (s *Server) handleSearchDecisions(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SearchDecisionsInput,
) (*gomcp.CallToolResult, DecisionListOutput, error) {
	decisions, err := s.memory.SearchDecisions(ctx, input.Query, ledger.DecisionFilter{
		Category: ledger.Category(input.Category),
		Status:   ledger.Status(input.Status),
		Limit:    input.Limit,
	})
	ok, reason, msg := s.outcome("search_decisions", err)
	return nil, decisionListOutput(ok, reason, msg, decisions), nil
}

func (s *Server) handleGetLatestContext(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetLatestContextInput,
) (*gomcp.CallToolResult, ContextOutput, error) {
	lc, err := s.memory.GetLatestContext(ctx, ledger.ContextOptions{
		SessionID:       input.SessionID,
		SessionWindow:   input.SessionWindow,
		CompletionLimit: input.CompletionLimit,
		PreferSnapshot:  input.PreferSnapshot,
	})
	var content map[string]any
	if err == nil {
		content, err = asObject(lc)
	}
	ok, reason, msg := s.outcome("get_latest_context", err)
	return nil, ContextOutput{OK: ok, Reason: reason, Error: msg, Context: content}, nil
}

func (s *Server) handleSnapshotContext(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SnapshotContextInput,
) (*gomcp.CallToolResult, SnapshotOutput, error) {
	snap, err := s.memory.SnapshotContext(ctx, input.SessionID, ledger.SnapshotOptions{
		Trigger: ledger.Trigger(input.Trigger),
	})
	var info *SnapshotInfo
	if err == nil {
		var content map[string]any
		if err = json.Unmarshal(snap.Content, &content); err == nil {
			info = &SnapshotInfo{
				SnapshotID:  snap.SnapshotID,
				SessionID:   snap.SessionID,
				Trigger:     string(snap.Trigger),
				Source:      snap.Source,
				CreatedAtMs: snap.CreatedAtMs,
				Content:     content,
			}
		} else {
			err = &ledger.DBError{Op: "decode snapshot", Err: err}
		}
	}
	ok, reason, msg := s.outcome("snapshot_context", err)
	return nil, SnapshotOutput{OK: ok, Reason: reason, Error: msg, Snapshot: info}, nil
}

func sessionOutput(ok bool, reason, msg string, sess ledger.Session) SessionOutput {
	out := SessionOutput{OK: ok, Reason: reason, Error: msg}
	if ok {
		out.Session = &sess
	}
	return out
}

func (s *Server) handleRecordSessionStart(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input RecordSessionStartInput,
) (*gomcp.CallToolResult, SessionOutput, error) {
	sess, err := s.memory.RecordSessionStart(ctx, ledger.SessionStart{
		SessionNumber: input.SessionNumber,
		Mode:          input.Mode,
		Team:          input.Team,
		Meta:          input.Meta,
	})
	ok, reason, msg := s.outcome("record_session_start", err)
	return nil, sessionOutput(ok, reason, msg, sess), nil
}

func (s *Server) handleRecordSessionEnd(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input RecordSessionEndInput,
) (*gomcp.CallToolResult, SessionOutput, error) {
	sess, err := s.memory.RecordSessionEnd(ctx, input.SessionID, ledger.SessionEnd{
		Summary: input.Summary,
		Stats:   input.Stats,
	})
	ok, reason, msg := s.outcome("record_session_end", err)
	return nil, sessionOutput(ok, reason, msg, sess), nil
}

// asObject round-trips v through JSON so snapshot-backed context keeps its
// stored shape.
func asObject(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ledger.DBError{Op: "encode context", Err: err}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ledger.DBError{Op: "encode context", Err: err}
	}
	return out, nil
}

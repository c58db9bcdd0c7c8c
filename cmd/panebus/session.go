package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/panebus/internal/cli"
	agentcontext "github.com/leonletto/panebus/internal/context"
	"github.com/leonletto/panebus/internal/ledger"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage working sessions",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new session",
		Long: `Start a new numbered working session.

Without --number the session is numbered one past the latest session.
With --snapshot a session_start context snapshot is stored right away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			number, _ := cmd.Flags().GetInt("number")
			mode, _ := cmd.Flags().GetString("mode")
			snapshot, _ := cmd.Flags().GetBool("snapshot")

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				ctx := cmd.Context()
				if number == 0 {
					latest, err := ws.Memory.ListSessions(ctx, 1)
					if err != nil {
						return report(nil, err, nil)
					}
					number = 1
					if len(latest) > 0 {
						number = latest[0].SessionNumber + 1
					}
				}
				s, err := ws.Memory.RecordSessionStart(ctx, ledger.SessionStart{SessionNumber: number, Mode: mode})
				if err == nil && snapshot {
					if _, serr := ws.Memory.SnapshotContext(ctx, s.SessionID, ledger.SnapshotOptions{Trigger: ledger.TriggerSessionStart}); serr != nil {
						return report(nil, serr, nil)
					}
				}
				return report(map[string]any{"session": s}, err, func() string { return "✓ Started " + cli.FormatSession(s) })
			})
		},
	}
	startCmd.Flags().Int("number", 0, "Session number (default: latest + 1)")
	startCmd.Flags().String("mode", "", "Working mode label")
	startCmd.Flags().Bool("snapshot", false, "Store a session_start context snapshot")

	endCmd := &cobra.Command{
		Use:   "end SESSION_ID",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, _ := cmd.Flags().GetString("summary")
			stats, _ := cmd.Flags().GetStringToString("stat")
			snapshot, _ := cmd.Flags().GetBool("snapshot")

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				ctx := cmd.Context()
				s, err := ws.Memory.RecordSessionEnd(ctx, args[0], ledger.SessionEnd{Summary: summary, Stats: stringMap(stats)})
				if err == nil && snapshot {
					if _, serr := ws.Memory.SnapshotContext(ctx, s.SessionID, ledger.SnapshotOptions{Trigger: ledger.TriggerSessionEnd}); serr != nil {
						return report(nil, serr, nil)
					}
				}
				return report(map[string]any{"session": s}, err, func() string { return "✓ Ended " + cli.FormatSession(s) })
			})
		},
	}
	endCmd.Flags().String("summary", "", "What the session accomplished")
	endCmd.Flags().StringToString("stat", nil, "Session stat key=value (repeatable)")
	endCmd.Flags().Bool("snapshot", false, "Store a session_end context snapshot")

	showCmd := &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				s, err := ws.Memory.GetSession(cmd.Context(), args[0])
				return report(map[string]any{"session": s}, err, func() string { return cli.FormatSession(s) })
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				ss, err := ws.Memory.ListSessions(cmd.Context(), limit)
				if ss == nil {
					ss = []ledger.Session{}
				}
				return report(map[string]any{"sessions": ss, "count": len(ss)}, err, func() string { return cli.FormatSessionList(ss) })
			})
		},
	}
	listCmd.Flags().Int("limit", 20, "Max sessions")

	cmd.AddCommand(startCmd, endCmd, showCmd, listCmd)
	return cmd
}

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Show the assembled working memory",
		Long: `Assemble working memory from the ledger: active directives, known
issues, roadmap, recent completions and architecture decisions, scoped to
the latest sessions.

With --write PANE the markdown is saved to .panebus/context/PANE.md
(prefixed by PANE_preamble.md when present) for an agent to re-read.

Examples:
  panebus context
  panebus context --prefer-snapshot
  panebus context --write claude-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")
			window, _ := cmd.Flags().GetInt("window")
			completions, _ := cmd.Flags().GetInt("completions")
			preferSnapshot, _ := cmd.Flags().GetBool("prefer-snapshot")
			pane, _ := cmd.Flags().GetString("write")

			if pane != "" {
				if err := agentcontext.ValidatePane(pane); err != nil {
					return err
				}
			}

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				if window == 0 {
					window = ws.Config.Ledger.SessionWindow
				}
				lc, err := ws.Memory.GetLatestContext(cmd.Context(), ledger.ContextOptions{
					SessionID:       session,
					SessionWindow:   window,
					CompletionLimit: completions,
					PreferSnapshot:  preferSnapshot,
				})
				if err != nil {
					return report(nil, err, nil)
				}

				if pane != "" {
					path, werr := agentcontext.Write(ws.StateDir, pane, lc)
					if werr != nil {
						return werr
					}
					return report(map[string]any{"path": path, "context": lc}, nil, func() string {
						return fmt.Sprintf("✓ Wrote %s\n", path)
					})
				}

				if jsonOutput() {
					return report(map[string]any{"context": lc}, nil, nil)
				}
				md, rerr := agentcontext.Render("", lc)
				if rerr != nil {
					return rerr
				}
				fmt.Print(string(md))
				return nil
			})
		},
	}
	cmd.Flags().String("session", "", "Assemble as of this session (default: latest)")
	cmd.Flags().Int("window", 0, "Sessions in scope (default: ledger.session_window)")
	cmd.Flags().Int("completions", 0, "Max recent completions (default 10)")
	cmd.Flags().Bool("prefer-snapshot", false, "Use the session's latest snapshot when one exists")
	cmd.Flags().String("write", "", "Save the context as markdown for PANE")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Store an immutable snapshot of the working memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")
			trigger, _ := cmd.Flags().GetString("trigger")

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				snap, err := ws.Memory.SnapshotContext(cmd.Context(), session, ledger.SnapshotOptions{
					Trigger: ledger.Trigger(trigger),
				})
				return report(map[string]any{"snapshot": snap}, err, func() string { return cli.FormatSnapshot(snap) })
			})
		},
	}
	cmd.Flags().String("session", "", "Session to snapshot (default: latest)")
	cmd.Flags().String("trigger", string(ledger.TriggerManual), "Trigger (manual|session_start|session_end|periodic)")
	return cmd
}

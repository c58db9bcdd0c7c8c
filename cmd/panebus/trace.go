package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonletto/panebus/internal/cli"
	"github.com/leonletto/panebus/internal/ledger"
)

func traceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect, export and import ledger traces",
	}

	showCmd := &cobra.Command{
		Use:   "show TRACE_ID",
		Short: "Show a trace's events and causal edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			edges, _ := cmd.Flags().GetBool("edges")
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				t, err := ws.Store.QueryTrace(cmd.Context(), args[0], ledger.TraceOptions{Limit: limit, IncludeEdges: edges})
				return report(map[string]any{"trace": t}, err, func() string { return cli.FormatTrace(t) })
			})
		},
	}
	showCmd.Flags().Int("limit", 0, "Max events (default 1000)")
	showCmd.Flags().Bool("edges", true, "Include causal edges")

	exportCmd := &cobra.Command{
		Use:   "export TRACE_ID",
		Short: "Write a trace as JSONL, one envelope per line",
		Long: `Write a trace as JSONL, one canonical envelope per line.

Examples:
  panebus trace export trc_123 -o trace.jsonl
  panebus trace export trc_123 > trace.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				n, err := cli.ExportTrace(cmd.Context(), ws.Store, args[0], out, os.Stdout)
				if err != nil && !isLedgerError(err) {
					return err
				}
				if out == "-" {
					if err != nil {
						return report(nil, err, nil)
					}
					return nil
				}
				return report(map[string]any{"exported": n, "path": out}, err, func() string {
					return fmt.Sprintf("✓ Exported %d events to %s\n", n, out)
				})
			})
		},
	}
	exportCmd.Flags().StringP("output", "o", "-", "Output file (- for stdout)")

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Append the envelopes of a JSONL file to the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				res, err := cli.ImportTrace(cmd.Context(), ws.Store, args[0])
				if err != nil && !isLedgerError(err) {
					return err
				}
				return report(map[string]any{"inserted": res.Inserted, "rejected": res.Rejected}, err, func() string {
					return fmt.Sprintf("✓ Imported %d events (%d rejected)\n", res.Inserted, res.Rejected)
				})
			})
		},
	}

	cmd.AddCommand(showCmd, exportCmd, importCmd)
	return cmd
}

// isLedgerError separates ledger outcomes from file errors, which Reason
// would otherwise report as db_error.
func isLedgerError(err error) bool {
	var de *ledger.DBError
	var ve *ledger.ValidationError
	return errors.Is(err, ledger.ErrUnavailable) || errors.Is(err, ledger.ErrConflict) ||
		errors.Is(err, ledger.ErrNotFound) || errors.As(err, &de) || errors.As(err, &ve)
}

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove ledger rows older than the retention window",
		Long: `Remove events, edges, snapshots and archived decisions older than the
retention window, then trim those tables to the newest max-rows entries.
Active and superseded decisions and sessions are kept.

Examples:
  panebus prune
  panebus prune --retention 168h --max-rows 5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			retention, _ := cmd.Flags().GetDuration("retention")
			maxRows, _ := cmd.Flags().GetInt("max-rows")
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				if !cmd.Flags().Changed("retention") {
					retention = ws.Config.Ledger.Retention.Std()
				}
				if !cmd.Flags().Changed("max-rows") {
					maxRows = ws.Config.Ledger.MaxRows
				}
				res, err := ws.Store.Prune(cmd.Context(), ledger.PruneOptions{
					RetentionMs: retention.Milliseconds(),
					MaxRows:     maxRows,
				})
				return report(map[string]any{"pruned": res}, err, func() string { return cli.FormatPrune(res) })
			})
		},
	}
	cmd.Flags().Duration("retention", 30*24*time.Hour, "Keep rows newer than this (default: ledger.retention)")
	cmd.Flags().Int("max-rows", 0, "Max rows kept per table (default: ledger.max_rows)")
	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Run a recorded JSONL session through a fresh kernel",
		Long: `Run a recorded JSONL event stream through a fresh kernel built from
config.yaml, on a clock that follows the recorded timestamps, and print the
resulting kernel stats. Use it to check offline how a contract pack would
have gated a session.

Examples:
  panebus replay session.jsonl
  panebus replay session.jsonl --contracts strict.yaml --record`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packs, _ := cmd.Flags().GetStringSlice("contracts")
			record, _ := cmd.Flags().GetBool("record")
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				res, err := ws.Replay(cmd.Context(), cli.ReplayOptions{Path: args[0], Contracts: packs, Record: record})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Print(cli.FormatReplay(res))
				return nil
			})
		},
	}
	cmd.Flags().StringSlice("contracts", nil, "Extra contract pack (repeatable)")
	cmd.Flags().Bool("record", false, "Record dispatched events to the ledger")
	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [FILE]",
		Short: "Feed a live JSONL event stream through the kernel",
		Long: `Read JSONL envelopes from FILE (or stdin when FILE is omitted or "-")
and ingest them into a kernel built from config.yaml, on the real clock.
Deferred events and safe mode expire while the stream is idle. Dispatched
events are recorded to the ledger. Stops at end of input or on interrupt and
prints the kernel stats.

Examples:
  pane-tap | panebus ingest
  panebus ingest events.jsonl --contracts strict.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packs, _ := cmd.Flags().GetStringSlice("contracts")
			tick, _ := cmd.Flags().GetDuration("tick")

			var src io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				src = f
			}

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				res, err := ws.Ingest(cmd.Context(), src, cli.IngestOptions{Contracts: packs, TickInterval: tick})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Print(cli.FormatIngest(res))
				return nil
			})
		},
	}
	cmd.Flags().StringSlice("contracts", nil, "Extra contract pack (repeatable)")
	cmd.Flags().Duration("tick", 0, "Timer resolution (default 250ms)")
	return cmd
}

func contractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Work with contract packs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check PACK.yaml",
		Short: "Validate and compile a contract pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contracts, err := cli.CheckContracts(args[0], nil)
			if err != nil {
				return err
			}
			if jsonOutput() {
				ids := make([]string, 0, len(contracts))
				for _, c := range contracts {
					ids = append(ids, c.ID)
				}
				return printJSON(map[string]any{"ok": true, "path": args[0], "contracts": ids})
			}
			fmt.Print(cli.FormatContracts(args[0], contracts))
			return nil
		},
	})
	return cmd
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/leonletto/panebus/internal/cli"
	pbmcp "github.com/leonletto/panebus/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server integration",
	}

	cmd.AddCommand(mcpServeCmd())
	return cmd
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start MCP stdio server for ledger memory tools",
		Long: `Starts an MCP server on stdin/stdout exposing the evidence ledger as
tools: record_decision, supersede_decision, list_decisions,
search_decisions, get_latest_context, snapshot_context,
record_session_start and record_session_end.

Logs go to stderr so they never corrupt the protocol stream. When the
ledger is disabled every tool answers {"ok": false, "reason": "unavailable"}.

Configure in an MCP client:
  {
    "mcpServers": {
      "panebus": {
        "type": "stdio",
        "command": "panebus",
        "args": ["mcp", "serve"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				server, err := pbmcp.NewServer(ws.Memory,
					pbmcp.WithVersion(Version),
					pbmcp.WithLogger(ws.Logger.Named("mcp")))
				if err != nil {
					return err
				}
				return server.Run(cmd.Context())
			})
		},
	}
}

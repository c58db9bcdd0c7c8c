package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leonletto/panebus/internal/cli"
	"github.com/leonletto/panebus/internal/ledger"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagRepo    string
	flagJSON    bool
	flagVerbose bool
)

// errReported marks a failure that has already been printed.
var errReported = errors.New("reported")

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panebus",
		Short: "Event bus and evidence ledger for terminal agent panes",
		Long: `panebus routes pane events through contract-gated delivery and keeps a
durable evidence ledger of events, decisions and sessions so agents can
rebuild their working memory after a restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", ".", "Project path (searched upward for .panebus/)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug logging to stderr")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("panebus v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())

	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(snapshotCmd())

	rootCmd.AddCommand(traceCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(contractsCmd())
	rootCmd.AddCommand(mcpCmd())

	return rootCmd
}

// jsonOutput reports whether results should be printed as JSON: on request,
// or whenever stdout is not a terminal.
func jsonOutput() bool {
	return flagJSON || !term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // G115 - fd fits in int
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// report prints a ledger outcome. JSON mode always prints the uniform
// {ok, reason, ...} object; failures exit non-zero.
func report(fields map[string]any, err error, human func() string) error {
	if jsonOutput() {
		if perr := printJSON(ledger.Result(fields, err)); perr != nil {
			return perr
		}
	} else if err != nil {
		fmt.Fprint(os.Stderr, cli.FormatFailure(ledger.Reason(err), failureMessage(err)))
	} else {
		fmt.Print(human())
	}
	if err != nil {
		return errReported
	}
	return nil
}

func failureMessage(err error) string {
	var de *ledger.DBError
	if errors.As(err, &de) {
		return de.Err.Error()
	}
	return err.Error()
}

// openWorkspace opens the project the global flags point at.
func openWorkspace(cmd *cobra.Command) (*cli.Workspace, error) {
	return cli.Open(cmd.Context(), cli.OpenOptions{RepoPath: flagRepo, Verbose: flagVerbose})
}

// withWorkspace opens the workspace, runs fn and closes it.
func withWorkspace(cmd *cobra.Command, fn func(*cli.Workspace) error) error {
	ws, err := openWorkspace(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = ws.Close() }()
	return fn(ws)
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize panebus in the current project",
		Long: `Initialize panebus in the current project.

Creates the .panebus/ directory with a default config.yaml, the context/
and contracts/ directories, and an empty evidence ledger.

Examples:
  panebus init
  panebus init --force   # Rewrite config.yaml with defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			res, err := cli.Init(cmd.Context(), cli.InitOptions{RepoPath: flagRepo, Force: force})
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(res)
			}
			fmt.Print(cli.FormatInit(res))
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Reinitialize an existing .panebus/ directory")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show panebus version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				return printJSON(map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				})
			}
			fmt.Printf("panebus v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return nil
		},
	}
}

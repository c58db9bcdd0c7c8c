package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/leonletto/panebus/internal/cli"
	"github.com/leonletto/panebus/internal/ledger"
)

func decisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "decision",
		Aliases: []string{"decisions"},
		Short:   "Record and query working-memory decisions",
	}
	cmd.AddCommand(decisionRecordCmd())
	cmd.AddCommand(decisionShowCmd())
	cmd.AddCommand(decisionListCmd())
	cmd.AddCommand(decisionUpdateCmd())
	cmd.AddCommand(decisionSupersedeCmd())
	cmd.AddCommand(decisionSearchCmd())
	return cmd
}

// stringMap widens a --meta style flag to the map shape the ledger stores.
func stringMap(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func decisionFields(d ledger.Decision) map[string]any {
	return map[string]any{"decision": d}
}

func decisionListFields(ds []ledger.Decision) map[string]any {
	if ds == nil {
		ds = []ledger.Decision{}
	}
	return map[string]any{"decisions": ds, "count": len(ds)}
}

func decisionRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a new decision",
		Long: `Record a new active decision.

Categories: architecture, directive, completion, issue, roadmap, config.

Examples:
  panebus decision record --category directive --title "Never force-push main"
  panebus decision record --category issue --title "Resize flake" --body "fails on tmux 3.2" --tag ci`,
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			title, _ := cmd.Flags().GetString("title")
			body, _ := cmd.Flags().GetString("body")
			author, _ := cmd.Flags().GetString("author")
			session, _ := cmd.Flags().GetString("session")
			incident, _ := cmd.Flags().GetString("incident")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			meta, _ := cmd.Flags().GetStringToString("meta")

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				d, err := ws.Memory.RecordDecision(cmd.Context(), ledger.DecisionInput{
					SessionID:  session,
					Category:   ledger.Category(category),
					Title:      title,
					Body:       body,
					Author:     author,
					IncidentID: incident,
					Tags:       tags,
					Meta:       stringMap(meta),
				})
				return report(decisionFields(d), err, func() string { return "✓ Recorded " + cli.FormatDecision(d) })
			})
		},
	}
	cmd.Flags().String("category", "", "Decision category (required)")
	cmd.Flags().String("title", "", "Decision title (required)")
	cmd.Flags().String("body", "", "Decision details")
	cmd.Flags().String("author", "user", "Who made the decision")
	cmd.Flags().String("session", "", "Session the decision belongs to")
	cmd.Flags().String("incident", "", "Related incident ID")
	cmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	cmd.Flags().StringToString("meta", nil, "Metadata key=value (repeatable)")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show DECISION_ID",
		Short: "Show one decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				d, err := ws.Memory.GetDecision(cmd.Context(), args[0])
				return report(decisionFields(d), err, func() string { return cli.FormatDecision(d) })
			})
		},
	}
}

func decisionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions, newest first",
		Long: `List decisions, newest first.

Examples:
  panebus decision list
  panebus decision list --category roadmap --status active
  panebus decision list --tag ci --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			status, _ := cmd.Flags().GetString("status")
			session, _ := cmd.Flags().GetString("session")
			tag, _ := cmd.Flags().GetString("tag")
			limit, _ := cmd.Flags().GetInt("limit")

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				ds, err := ws.Memory.ListDecisions(cmd.Context(), ledger.DecisionFilter{
					Category:  ledger.Category(category),
					Status:    ledger.Status(status),
					SessionID: session,
					Tag:       tag,
					Limit:     limit,
				})
				return report(decisionListFields(ds), err, func() string { return cli.FormatDecisionList(ds) })
			})
		},
	}
	cmd.Flags().String("category", "", "Only this category")
	cmd.Flags().String("status", "", "Only this status (active|superseded|archived)")
	cmd.Flags().String("session", "", "Only decisions of this session")
	cmd.Flags().String("tag", "", "Only decisions with this tag")
	cmd.Flags().Int("limit", 0, "Max decisions (default 100)")
	return cmd
}

func decisionUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update DECISION_ID",
		Short: "Change a decision in place",
		Long: `Change a decision in place. Only flags you pass are changed.

Examples:
  panebus decision update dec_01J... --status archived
  panebus decision update dec_01J... --body "clarified" --meta reviewed=yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u ledger.DecisionUpdate
			flags := cmd.Flags()
			if flags.Changed("title") {
				v, _ := flags.GetString("title")
				u.Title = &v
			}
			if flags.Changed("body") {
				v, _ := flags.GetString("body")
				u.Body = &v
			}
			if flags.Changed("status") {
				v, _ := flags.GetString("status")
				s := ledger.Status(v)
				u.Status = &s
			}
			if flags.Changed("incident") {
				v, _ := flags.GetString("incident")
				u.IncidentID = &v
			}
			if flags.Changed("tag") {
				v, _ := flags.GetStringSlice("tag")
				u.Tags = &v
			}
			if flags.Changed("meta") {
				v, _ := flags.GetStringToString("meta")
				u.Meta = stringMap(v)
			}

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				d, err := ws.Memory.UpdateDecision(cmd.Context(), args[0], u)
				return report(decisionFields(d), err, func() string { return "✓ Updated " + cli.FormatDecision(d) })
			})
		},
	}
	cmd.Flags().String("title", "", "New title")
	cmd.Flags().String("body", "", "New body")
	cmd.Flags().String("status", "", "New status (active|superseded|archived)")
	cmd.Flags().String("incident", "", "New incident ID")
	cmd.Flags().StringSlice("tag", nil, "Replace tags (repeatable)")
	cmd.Flags().StringToString("meta", nil, "Merge metadata key=value (repeatable)")
	return cmd
}

func decisionSupersedeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supersede DECISION_ID",
		Short: "Replace an active decision",
		Long: `Replace an active decision with a new one. The old decision is marked
superseded in the same write. Category, author, session, incident and tags
are inherited unless given.

Example:
  panebus decision supersede dec_01J... --title "Use SQLite in WAL mode"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			title, _ := cmd.Flags().GetString("title")
			body, _ := cmd.Flags().GetString("body")
			author, _ := cmd.Flags().GetString("author")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			meta, _ := cmd.Flags().GetStringToString("meta")

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				d, err := ws.Memory.SupersedeDecision(cmd.Context(), args[0], ledger.DecisionInput{
					Category: ledger.Category(category),
					Title:    title,
					Body:     body,
					Author:   author,
					Tags:     tags,
					Meta:     stringMap(meta),
				})
				return report(decisionFields(d), err, func() string { return "✓ Superseded by " + cli.FormatDecision(d) })
			})
		},
	}
	cmd.Flags().String("category", "", "Category (default: inherited)")
	cmd.Flags().String("title", "", "Title of the replacement (required)")
	cmd.Flags().String("body", "", "Details of the replacement")
	cmd.Flags().String("author", "", "Author (default: inherited)")
	cmd.Flags().StringSlice("tag", nil, "Tags (default: inherited)")
	cmd.Flags().StringToString("meta", nil, "Metadata key=value (repeatable)")
	return cmd
}

func decisionSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search TEXT...",
		Short: "Search decision titles, bodies and tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			return withWorkspace(cmd, func(ws *cli.Workspace) error {
				ds, err := ws.Memory.SearchDecisions(cmd.Context(), strings.Join(args, " "), ledger.DecisionFilter{
					Category: ledger.Category(category),
					Status:   ledger.Status(status),
					Limit:    limit,
				})
				return report(decisionListFields(ds), err, func() string { return cli.FormatDecisionList(ds) })
			})
		},
	}
	cmd.Flags().String("category", "", "Only this category")
	cmd.Flags().String("status", "", "Only this status")
	cmd.Flags().Int("limit", 0, "Max decisions (default 100)")
	return cmd
}

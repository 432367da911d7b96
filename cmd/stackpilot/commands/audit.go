package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(newAuditListCommand())
	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		action, actor string
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Example: `  stackpilot audit list --action service.purged
  stackpilot audit list --actor user-1 --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var actionFilter, actorFilter *string
			if cmd.Flags().Changed("action") {
				actionFilter = &action
			}
			if cmd.Flags().Changed("actor") {
				actorFilter = &actor
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				entries, err := rt.store.ListAuditEntries(cmd.Context(), actionFilter, actorFilter, limit, offset)
				if err != nil {
					return err
				}
				return printAuditEntries(cmd, entries)
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action (e.g. service.purged)")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")

	return cmd
}

func printAuditEntries(cmd *cobra.Command, entries []*stores.AuditEntry) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		target, details := "-", "-"
		if e.TargetID != nil {
			target = *e.TargetID
		}
		if e.Details != nil {
			details = *e.Details
		}
		rows = append(rows, []string{e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, target, details})
	}
	return printTable(cmd.OutOrStdout(), []string{"TIME", "ACTION", "ACTOR", "TARGET", "DETAILS"}, rows)
}

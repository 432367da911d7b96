package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"services", "svc"},
		Short:   "Inspect and manage deployed services",
	}
	cmd.AddCommand(newServiceListCommand())
	cmd.AddCommand(newServiceGetCommand())
	cmd.AddCommand(newServiceDestroyCommand())
	cmd.AddCommand(newServicePurgeCommand())
	cmd.AddCommand(newServiceCleanupCommand())
	return cmd
}

func newServiceListCommand() *cobra.Command {
	var query engine.ServiceQuery
	var provider, category, state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service records",
		RunE: func(cmd *cobra.Command, args []string) error {
			query.Provider = engine.Provider(strings.ToLower(provider))
			query.Category = engine.Category(strings.ToLower(category))
			query.State = engine.ServiceState(strings.ToUpper(state))
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				records, err := rt.orchestrator.List(cmd.Context(), query)
				if err != nil {
					return err
				}
				return printServices(cmd, records)
			})
		},
	}

	cmd.Flags().StringVar(&query.UserID, "user", "", "filter by user id")
	cmd.Flags().StringVar(&query.Namespace, "namespace", "", "filter by namespace")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (e.g. DEPLOY_SUCCESS)")
	cmd.Flags().IntVar(&query.Limit, "limit", 0, "maximum number of records")
	cmd.Flags().IntVar(&query.Offset, "offset", 0, "number of records to skip")

	return cmd
}

func newServiceGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one service record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				record, err := rt.orchestrator.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printService(cmd, record)
			})
		},
	}
}

func newServiceDestroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy the resources of a deployed service",
		Long: `Run the destroy operation of the service's deployer and wait for it.

With a callback-driven executor the command returns once the executor has
accepted the task; the record stays DESTROYING until the callback arrives.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				record, err := rt.orchestrator.Destroy(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printService(cmd, record)
			})
		},
	}
}

func newServicePurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Delete a destroyed service record and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.orchestrator.Purge(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "service %s purged\n", args[0])
				return nil
			})
		},
	}
}

func newServiceCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <id>",
		Short: "Flag a service whose resources must be removed by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				record, err := rt.orchestrator.MarkManualCleanupRequired(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printService(cmd, record)
			})
		},
	}
}

func printServices(cmd *cobra.Command, records []*engine.ServiceRecord) error {
	if jsonOutput {
		if records == nil {
			records = []*engine.ServiceRecord{}
		}
		return printJSON(cmd.OutOrStdout(), records)
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ID,
			r.CustomerServiceName,
			r.Name + "@" + r.Version,
			string(r.Provider),
			string(r.State),
			r.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "TEMPLATE", "PROVIDER", "STATE", "UPDATED"}, rows)
}

func printService(cmd *cobra.Command, record *engine.ServiceRecord) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), record)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", record.ID)
	fmt.Fprintf(out, "Name:      %s\n", record.CustomerServiceName)
	fmt.Fprintf(out, "Template:  %s@%s (%s/%s)\n", record.Name, record.Version, record.Provider, record.Category)
	fmt.Fprintf(out, "Flavor:    %s\n", record.Flavor)
	fmt.Fprintf(out, "State:     %s\n", record.State)
	if record.ResultMessage != "" {
		fmt.Fprintf(out, "Message:   %s\n", record.ResultMessage)
	}
	if len(record.Resources) > 0 {
		fmt.Fprintln(out, "Resources:")
		rows := make([][]string, 0, len(record.Resources))
		for _, res := range record.Resources {
			rows = append(rows, []string{"  " + res.Kind, res.GroupType, res.GroupName, res.Properties["id"]})
		}
		if err := printTable(out, []string{"  KIND", "TYPE", "NAME", "ID"}, rows); err != nil {
			return err
		}
	}
	return nil
}

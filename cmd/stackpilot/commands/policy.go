package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policy",
		Aliases: []string{"policies"},
		Short:   "Manage user policies",
		Long: `Manage the Rego policies evaluated against the plan of a user's deployments.

Global policies are read from the directories in policy.dirs and are not
managed here.`,
	}
	cmd.AddCommand(newPolicyAddCommand())
	cmd.AddCommand(newPolicyImportCommand())
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyToggleCommand("enable", "Enable a user policy", true))
	cmd.AddCommand(newPolicyToggleCommand("disable", "Disable a user policy", false))
	cmd.AddCommand(newPolicyDeleteCommand())
	return cmd
}

func newPolicyAddCommand() *cobra.Command {
	var (
		user     string
		provider string
		file     string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Add a user policy from a Rego file",
		Example: `  stackpilot policy add --user alice --provider huawei -f deny_public_ip.rego`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read policy: %w", err)
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				p, err := rt.policies.AddUserPolicy(cmd.Context(), &policy.UserPolicy{
					UserID:   user,
					Provider: engine.Provider(provider),
					Policy:   string(content),
					Enabled:  !disabled,
				})
				if err != nil {
					return err
				}
				return printPolicies(cmd, []*policy.UserPolicy{p})
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "owning user id")
	cmd.Flags().StringVar(&provider, "provider", "", "restrict the policy to one provider")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Rego file")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the policy disabled")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newPolicyImportCommand() *cobra.Command {
	var (
		user     string
		provider string
	)

	cmd := &cobra.Command{
		Use:   "import <path>...",
		Short: "Add every Rego document under the given paths as user policies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				docs, err := rt.policyLoader.LoadFromPaths(cmd.Context(), args)
				if err != nil {
					return err
				}
				added := make([]*policy.UserPolicy, 0, len(docs))
				for _, doc := range docs {
					p, err := rt.policies.AddUserPolicy(cmd.Context(), &policy.UserPolicy{
						UserID:   user,
						Provider: engine.Provider(provider),
						Policy:   doc.Rego,
						Enabled:  true,
					})
					if err != nil {
						return fmt.Errorf("%s: %w", doc.Source, err)
					}
					added = append(added, p)
				}
				return printPolicies(cmd, added)
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "owning user id")
	cmd.Flags().StringVar(&provider, "provider", "", "restrict the policies to one provider")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	var (
		user        string
		provider    string
		enabledOnly bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List user policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				policies, err := rt.policies.ListUserPolicies(cmd.Context(), policy.UserPolicyQuery{
					UserID:      user,
					Provider:    engine.Provider(provider),
					EnabledOnly: enabledOnly,
				})
				if err != nil {
					return err
				}
				return printPolicies(cmd, policies)
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only list enabled policies")

	return cmd
}

func newPolicyToggleCommand(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				p, err := rt.policies.SetUserPolicyEnabled(cmd.Context(), args[0], enabled)
				if err != nil {
					return err
				}
				return printPolicies(cmd, []*policy.UserPolicy{p})
			})
		},
	}
}

func newPolicyDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.policies.DeleteUserPolicy(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "policy %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func printPolicies(cmd *cobra.Command, policies []*policy.UserPolicy) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), policies)
	}
	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		provider := string(p.Provider)
		if provider == "" {
			provider = "*"
		}
		rows = append(rows, []string{p.ID, p.UserID, provider, strconv.FormatBool(p.Enabled), p.UpdatedAt.Format("2006-01-02 15:04:05")})
	}
	return printTable(cmd.OutOrStdout(), []string{"ID", "USER", "PROVIDER", "ENABLED", "UPDATED"}, rows)
}

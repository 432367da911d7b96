package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackpilot",
		Short: "StackPilot - cloud service deployment orchestrator",
		Long: `StackPilot deploys registered service templates to cloud providers through
remote Terraform and OpenTofu executors.

Features:
  - Service templates with validated, typed variables
  - Encrypted sensitive values
  - Rego policies evaluated against the plan before every deploy
  - Synchronous and callback-driven executors
  - Destroy, purge and manual cleanup of deployed services`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newTemplateCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServiceCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}

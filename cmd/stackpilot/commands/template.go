package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"templates"},
		Short:   "Manage service templates",
	}
	cmd.AddCommand(newTemplateRegisterCommand())
	cmd.AddCommand(newTemplateListCommand())
	cmd.AddCommand(newTemplateDeleteCommand())
	return cmd
}

func newTemplateRegisterCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register templates from a file or directory",
		Long: `Validate and store service templates. When --file names a directory every
.yaml and .yml file below it is registered. Registering a template with the
same name, version, provider, category and hosting type replaces it.`,
		Example: `  stackpilot template register -f templates/redis.yaml
  stackpilot template register -f templates/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := templateFiles(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				registered := make([]*engine.ServiceTemplate, 0, len(files))
				for _, f := range files {
					tmpl, err := rt.registerTemplate(cmd.Context(), f)
					if err != nil {
						return fmt.Errorf("%s: %w", f, err)
					}
					registered = append(registered, tmpl)
				}
				return printTemplates(cmd, registered)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "template file or directory")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newTemplateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				templates, err := rt.store.ListTemplates(cmd.Context())
				if err != nil {
					return err
				}
				return printTemplates(cmd, templates)
			})
		},
	}
}

func newTemplateDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a registered template",
		Long: `Remove a template by id. A template that services not yet destroyed were
deployed from is kept unless --force is given; those services carry their own
copy of the deployment definition and can still be destroyed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if !force {
					count, err := rt.store.CountTemplateServices(cmd.Context(), id)
					if err != nil {
						return err
					}
					if count > 0 {
						return engine.NewConflictError(fmt.Sprintf("template is used by %d service(s)", count), nil).
							WithCode(engine.ErrCodeTemplateInUse).
							WithResource(id).
							WithDetail("services", count)
					}
				}
				if err := rt.store.DeleteTemplate(cmd.Context(), id); err != nil {
					if errors.Is(err, engine.ErrRecordNotFound) {
						return engine.NewPermanentError("template not found", err).
							WithCode(engine.ErrCodeNotFound).
							WithResource(id)
					}
					return err
				}
				if err := rt.store.RecordAudit(cmd.Context(), "template.deleted", id, map[string]string{
					"force": fmt.Sprint(force),
				}); err != nil {
					rt.logger.Warn().Err(err).Str("template_id", id).Msg("failed to write audit entry")
				}
				rt.logger.Info().Str("template_id", id).Bool("force", force).Msg("template deleted")
				fmt.Fprintf(cmd.OutOrStdout(), "template %s deleted\n", id)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "delete even if services still use the template")

	return cmd
}

func printTemplates(cmd *cobra.Command, templates []*engine.ServiceTemplate) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), templates)
	}
	rows := make([][]string, 0, len(templates))
	for _, t := range templates {
		kind := "-"
		if t.Deployment != nil {
			kind = string(t.Deployment.Kind)
		}
		rows = append(rows, []string{t.ID, t.Name, t.Version, string(t.Provider), string(t.Category), string(t.HostingType), kind})
	}
	return printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "VERSION", "PROVIDER", "CATEGORY", "HOSTING", "DEPLOYER"}, rows)
}

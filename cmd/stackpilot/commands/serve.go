package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/server"
)

func newServeCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment API",
		Long: `Run the HTTP API that accepts deploy, destroy and purge requests and receives
executor callbacks.

On startup the command:
  - Applies pending database migrations
  - Registers the templates under templates.dirs
  - Loads the global policies under policy.dirs (and watches them if enabled)
  - Starts the dedicated metrics listener if one is configured`,
		Example: `  # Serve with a config file
  stackpilot serve --config /etc/stackpilot/config.yaml

  # Override the listen address
  stackpilot serve --address :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			rt, err := newRuntime(ctx, cfg, true)
			if err != nil {
				return err
			}
			log.Logger = rt.logger

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
				}
			}()

			if err := rt.registerTemplates(ctx); err != nil {
				return fmt.Errorf("failed to register templates: %w", err)
			}
			if err := rt.loadGlobalPolicies(ctx, true); err != nil {
				return fmt.Errorf("failed to load global policies: %w", err)
			}
			rt.telemetry.StartMetricsServer()

			var metrics http.Handler
			if cfg.Telemetry.Metrics.Enabled {
				metrics = rt.telemetry.Metrics.Handler()
			}

			srv := server.New(server.Options{
				Orchestrator: rt.orchestrator,
				Builder:      rt.builder,
				Dispatcher:   rt.dispatcher,
				Health:       rt.store,
				Observer:     rt.telemetry.Metrics,
				Metrics:      metrics,
				Logger:       rt.logger,
			})
			return srv.Run(ctx, cfg.Server)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")

	return cmd
}

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var (
		file         string
		user         string
		wait         bool
		timeout      time.Duration
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a service from a request file",
		Long: `Validate a deploy request against its registered template, evaluate the
policies that apply to the requester and run the deployment.

Callback-driven executors finish asynchronously; use --wait to poll the record
until the result has been reported to the API server.`,
		Example: `  # Deploy and print the resulting record
  stackpilot deploy -f request.yaml

  # Wait up to 30 minutes for an asynchronous executor
  stackpilot deploy -f request.yaml --wait --timeout 30m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readDeployRequest(file)
			if err != nil {
				return err
			}
			if user != "" {
				req.UserID = user
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return withRuntime(ctx, func(rt *runtime) error {
				task, err := rt.builder.Build(ctx, req)
				if err != nil {
					return err
				}
				future, err := rt.dispatcher.Submit(ctx, "deploy", task.ID, func(ctx context.Context) (*engine.ServiceRecord, error) {
					return rt.orchestrator.Deploy(ctx, task)
				})
				if err != nil {
					return err
				}
				record, err := future.Wait(ctx)
				if err != nil {
					return err
				}

				if wait && record.State == engine.StateDeploying {
					if record, err = waitForResult(ctx, rt.orchestrator, record.ID, pollInterval); err != nil {
						return err
					}
				}
				if err := printService(cmd, record); err != nil {
					return err
				}
				if record.State == engine.StateDeployFailed {
					return fmt.Errorf("deployment %s failed", record.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "deploy request (YAML or JSON)")
	cmd.Flags().StringVar(&user, "user", "", "requesting user id (overrides userId in the file)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for callback-driven executors to report")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "maximum time to wait")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "record polling interval")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readDeployRequest(path string) (*engine.DeployRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deploy request: %w", err)
	}
	var req engine.DeployRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse deploy request: %w", err)
	}
	return &req, nil
}

// waitForResult polls the record until it leaves DEPLOYING.
func waitForResult(ctx context.Context, o *engine.Orchestrator, id string, interval time.Duration) (*engine.ServiceRecord, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
		record, err := o.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.State != engine.StateDeploying {
			return record, nil
		}
	}
}

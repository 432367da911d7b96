package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// PolicyGate evaluates policies against a dry-run plan before deploy. Global
// policies apply to every request; user policies only when the request names
// a user.
type PolicyGate struct {
	backend  PolicyBackend
	recorder Recorder
	logger   zerolog.Logger
}

// NewPolicyGate creates a gate. A nil backend allows everything.
func NewPolicyGate(backend PolicyBackend, recorder Recorder, logger zerolog.Logger) *PolicyGate {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &PolicyGate{
		backend:  backend,
		recorder: recorder,
		logger:   logger.With().Str("component", "policy-gate").Logger(),
	}
}

// Check returns nil when the task may proceed. A policy violation is
// returned as an error matching ErrPoliciesEvaluationFailed.
func (g *PolicyGate) Check(ctx context.Context, task *DeployTask, deployment Deployment) error {
	if g.backend == nil || task.Request == nil || task.Request.Provider == "" {
		g.recorder.PolicyEvaluated("skipped")
		return nil
	}

	policies, err := g.backend.ListEnabledPolicies(ctx, task.Request.UserID, task.Request.Provider)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}
	docs := make([]string, 0, len(policies))
	for _, p := range policies {
		if strings.TrimSpace(p) != "" {
			docs = append(docs, p)
		}
	}
	if len(docs) == 0 {
		g.recorder.PolicyEvaluated("none")
		return nil
	}

	plan, err := deployment.PlanAsJSON(ctx, task)
	if err != nil {
		// A missing plan means the policies do not apply.
		g.logger.Warn().Err(err).Str("task_id", task.ID).Msg("plan unavailable, skipping policy evaluation")
		g.recorder.PolicyEvaluated("skipped")
		return nil
	}
	if strings.TrimSpace(plan) == "" {
		g.recorder.PolicyEvaluated("skipped")
		return nil
	}

	if err := g.backend.Evaluate(ctx, docs, plan); err != nil {
		g.recorder.PolicyEvaluated("denied")
		return err
	}
	g.recorder.PolicyEvaluated("allowed")
	g.logger.Debug().Str("task_id", task.ID).Int("policies", len(docs)).Msg("policies passed")
	return nil
}

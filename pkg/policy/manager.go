package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Manager serves the engine's policy gate. It combines the global policies
// loaded from disk with the enabled policies a user registered for a provider.
type Manager struct {
	store     PolicyStore
	evaluator *Evaluator
	validate  *validator.Validate
	logger    zerolog.Logger

	mu     sync.RWMutex
	global []Policy
}

var _ engine.PolicyBackend = (*Manager)(nil)

// NewManager creates a policy manager backed by store.
func NewManager(store PolicyStore, evaluator *Evaluator, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		evaluator: evaluator,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With().Str("component", "policy-manager").Logger(),
	}
}

// ListEnabledPolicies returns the global documents followed by the user's
// enabled documents for provider. Without a user only the global documents
// are returned.
func (m *Manager) ListEnabledPolicies(ctx context.Context, userID string, provider engine.Provider) ([]string, error) {
	m.mu.RLock()
	docs := make([]string, 0, len(m.global))
	for i := range m.global {
		docs = append(docs, m.global[i].Rego)
	}
	m.mu.RUnlock()

	if userID == "" {
		return docs, nil
	}

	userPolicies, err := m.store.ListUserPolicies(ctx, UserPolicyQuery{
		UserID:      userID,
		Provider:    provider,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list user policies: %w", err)
	}
	for _, p := range userPolicies {
		docs = append(docs, p.Policy)
	}

	return docs, nil
}

// Evaluate implements engine.PolicyBackend.
func (m *Manager) Evaluate(ctx context.Context, policies []string, planJSON string) error {
	return m.evaluator.Evaluate(ctx, policies, planJSON)
}

// SetGlobalPolicies replaces the global policy set. Documents that do not
// compile are dropped with a warning.
func (m *Manager) SetGlobalPolicies(ctx context.Context, policies []Policy) {
	valid := make([]Policy, 0, len(policies))
	for i := range policies {
		if err := m.evaluator.ValidatePolicy(ctx, policies[i].Rego); err != nil {
			m.logger.Warn().Err(err).Str("policy", policies[i].Name).Msg("Skipping invalid global policy")
			continue
		}
		valid = append(valid, policies[i])
	}

	m.mu.Lock()
	m.global = valid
	m.mu.Unlock()

	m.logger.Info().Int("count", len(valid)).Msg("Global policies updated")
}

// GlobalPolicies returns a copy of the current global set.
func (m *Manager) GlobalPolicies() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Policy, len(m.global))
	copy(out, m.global)
	return out
}

// LoadGlobal reads the global policies under paths. With watch set the set
// is reloaded whenever a document changes until ctx is done.
func (m *Manager) LoadGlobal(ctx context.Context, loader *Loader, paths []string, watch bool) error {
	if len(paths) == 0 {
		return nil
	}

	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	m.SetGlobalPolicies(ctx, policies)

	if !watch {
		return nil
	}
	return loader.Watch(ctx, paths, func(reloaded []Policy) error {
		m.SetGlobalPolicies(ctx, reloaded)
		return nil
	})
}

// AddUserPolicy validates and stores a new user policy.
func (m *Manager) AddUserPolicy(ctx context.Context, p *UserPolicy) (*UserPolicy, error) {
	if err := m.validate.Struct(p); err != nil {
		return nil, engine.NewValidationError("invalid user policy", []string{err.Error()})
	}
	if err := m.evaluator.ValidatePolicy(ctx, p.Policy); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stored := *p
	stored.ID = uuid.NewString()
	stored.Provider = engine.Provider(strings.ToLower(string(p.Provider)))
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := m.store.StoreUserPolicy(ctx, &stored); err != nil {
		return nil, fmt.Errorf("failed to store user policy: %w", err)
	}

	m.logger.Info().
		Str("policy_id", stored.ID).
		Str("user_id", stored.UserID).
		Str("provider", string(stored.Provider)).
		Msg("User policy added")

	return &stored, nil
}

// SetUserPolicyEnabled toggles whether a user policy takes part in evaluation.
func (m *Manager) SetUserPolicyEnabled(ctx context.Context, id string, enabled bool) (*UserPolicy, error) {
	p, err := m.store.FindUserPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Enabled = enabled
	p.UpdatedAt = time.Now().UTC()
	if err := m.store.StoreUserPolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store user policy: %w", err)
	}
	return p, nil
}

// ListUserPolicies returns the policies matching query.
func (m *Manager) ListUserPolicies(ctx context.Context, query UserPolicyQuery) ([]*UserPolicy, error) {
	return m.store.ListUserPolicies(ctx, query)
}

// DeleteUserPolicy removes a user policy.
func (m *Manager) DeleteUserPolicy(ctx context.Context, id string) error {
	if _, err := m.store.FindUserPolicy(ctx, id); err != nil {
		return err
	}
	return m.store.DeleteUserPolicy(ctx, id)
}

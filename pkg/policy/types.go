package policy

import (
	"context"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Policy is a named Rego document. Global policies are loaded from disk and
// apply to every deployment.
type Policy struct {
	// Name is derived from the file name.
	Name string `json:"name"`

	// Description is taken from the leading comment block of the document.
	Description string `json:"description,omitempty"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Source is the file the policy was read from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the document was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// UserPolicy is a Rego document owned by a user and scoped to a provider.
type UserPolicy struct {
	// ID is the unique identifier.
	ID string `json:"id" yaml:"id"`

	// UserID owns the policy.
	UserID string `json:"userId" yaml:"userId" validate:"required"`

	// Provider restricts the policy to one cloud provider. Empty applies to all.
	Provider engine.Provider `json:"csp,omitempty" yaml:"csp,omitempty" validate:"omitempty,oneof=huawei flexibleengine openstack"`

	// Policy contains the Rego source.
	Policy string `json:"policy" yaml:"policy" validate:"required"`

	// Enabled reports whether the policy takes part in evaluation.
	Enabled bool `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// UserPolicyQuery filters user policies.
type UserPolicyQuery struct {
	UserID      string
	Provider    engine.Provider
	EnabledOnly bool
}

// PolicyStore persists user policies.
type PolicyStore interface {
	// StoreUserPolicy inserts or replaces a policy.
	StoreUserPolicy(ctx context.Context, policy *UserPolicy) error

	// FindUserPolicy returns the policy with the given id.
	// It returns an error wrapping engine.ErrRecordNotFound when there is none.
	FindUserPolicy(ctx context.Context, id string) (*UserPolicy, error)

	// ListUserPolicies returns the policies matching a query. A query with a
	// provider also matches policies that have no provider.
	ListUserPolicies(ctx context.Context, query UserPolicyQuery) ([]*UserPolicy, error)

	// DeleteUserPolicy removes a policy.
	DeleteUserPolicy(ctx context.Context, id string) error
}

// Violation is a single deny result produced by a policy.
type Violation struct {
	// Policy identifies the document, by package path.
	Policy string `json:"policy"`

	// Message is the deny message.
	Message string `json:"message"`
}

// String renders the violation the way it is reported to callers.
func (v Violation) String() string {
	if v.Policy == "" {
		return v.Message
	}
	return v.Policy + ": " + v.Message
}

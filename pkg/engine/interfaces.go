package engine

import (
	"context"
)

// RecordStore persists deployed service records.
type RecordStore interface {
	// StoreService inserts or replaces a record, including its resources.
	StoreService(ctx context.Context, record *ServiceRecord) error

	// FindService returns the record with the given id.
	// It returns an error wrapping ErrRecordNotFound when there is none.
	FindService(ctx context.Context, id string) (*ServiceRecord, error)

	// ListServices returns the records matching a query.
	ListServices(ctx context.Context, query ServiceQuery) ([]*ServiceRecord, error)

	// DeleteService removes a record and its resources.
	DeleteService(ctx context.Context, record *ServiceRecord) error
}

// TemplateStore resolves registered service templates.
type TemplateStore interface {
	// FindTemplate returns the template registered under key.
	// It returns an error wrapping ErrRecordNotFound when there is none.
	FindTemplate(ctx context.Context, key TemplateKey) (*ServiceTemplate, error)
}

// Deployment executes IaC scripts for one deployer kind.
type Deployment interface {
	// Kind returns the deployer kind this collaborator serves.
	Kind() DeployerKind

	// Deploy provisions the task. It either returns a terminal result or a
	// StateInProgress result when completion will be reported by callback.
	Deploy(ctx context.Context, task *DeployTask) (*DeployResult, error)

	// Destroy releases the resources described by stateFile.
	// Same sync/async contract as Deploy.
	Destroy(ctx context.Context, task *DeployTask, stateFile string) (*DeployResult, error)

	// PlanAsJSON returns a dry-run plan. An empty string means no plan is available.
	PlanAsJSON(ctx context.Context, task *DeployTask) (string, error)

	// DeleteWorkspace releases executor-side resources held for a task.
	DeleteWorkspace(ctx context.Context, taskID string) error
}

// ResourceHandler normalizes a result for one provider. It reads the state
// file from the result's private properties and fills Resources and Properties.
type ResourceHandler interface {
	Provider() Provider
	Handle(result *DeployResult) error
}

// PolicyBackend lists and evaluates user policies.
type PolicyBackend interface {
	// ListEnabledPolicies returns the policy documents that apply to a user and provider.
	ListEnabledPolicies(ctx context.Context, userID string, provider Provider) ([]string, error)

	// Evaluate runs every policy against the plan. A violation is reported
	// as an error matching ErrPoliciesEvaluationFailed.
	Evaluate(ctx context.Context, policies []string, planJSON string) error
}

// SecretCodec protects sensitive request values.
type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Mask(value string) string
}

// PropertyValidator checks request properties against declared variables.
// The returned error lists every violation, see NewValidationError.
type PropertyValidator interface {
	Validate(variables []DeployVariable, properties map[string]any) error
}

// AuditLog records operator-visible lifecycle actions.
type AuditLog interface {
	RecordAudit(ctx context.Context, action, resource string, details map[string]string) error
}

// Recorder receives engine metrics.
type Recorder interface {
	DeploymentStarted(provider, kind string)
	StateTransition(from, to string)
	PolicyEvaluated(outcome string)
	CallbackReceived(operation, outcome string)
	StaleResultDropped(operation string)
	RollbackTriggered()
	ServicePurged()
	QueueDepth(queued, active int)
}

type nopRecorder struct{}

func (nopRecorder) DeploymentStarted(string, string) {}
func (nopRecorder) StateTransition(string, string)   {}
func (nopRecorder) PolicyEvaluated(string)           {}
func (nopRecorder) CallbackReceived(string, string)  {}
func (nopRecorder) StaleResultDropped(string)        {}
func (nopRecorder) RollbackTriggered()               {}
func (nopRecorder) ServicePurged()                   {}
func (nopRecorder) QueueDepth(int, int)              {}

type nopAudit struct{}

func (nopAudit) RecordAudit(context.Context, string, string, map[string]string) error { return nil }

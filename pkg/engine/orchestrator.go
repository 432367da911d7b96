package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operation names the lifecycle operation a result belongs to.
type Operation string

const (
	OperationDeploy  Operation = "deploy"
	OperationDestroy Operation = "destroy"
)

// Options configures an Orchestrator.
type Options struct {
	Store     RecordStore
	Builder   *Builder
	Deployers *DeployerRegistry
	Gate      *PolicyGate
	Codec     SecretCodec

	// Audit and Recorder are optional.
	Audit    AuditLog
	Recorder Recorder

	Logger zerolog.Logger
}

// Orchestrator advances service records through their lifecycle. It is safe
// for concurrent use; result application is serialized per service id.
type Orchestrator struct {
	store     RecordStore
	builder   *Builder
	deployers *DeployerRegistry
	gate      *PolicyGate
	codec     SecretCodec
	audit     AuditLog
	recorder  Recorder
	locks     *keyedMutex
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     opts.Store,
		builder:   opts.Builder,
		deployers: opts.Deployers,
		gate:      opts.Gate,
		codec:     opts.Codec,
		audit:     opts.Audit,
		recorder:  opts.Recorder,
		locks:     newKeyedMutex(),
		tracer:    otel.Tracer("github.com/stackpilot/stackpilot/pkg/engine"),
		logger:    opts.Logger.With().Str("component", "orchestrator").Logger(),
		now:       time.Now,
	}
	if o.audit == nil {
		o.audit = nopAudit{}
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.gate == nil {
		o.gate = NewPolicyGate(nil, o.recorder, opts.Logger)
	}
	return o
}

// Deploy records a new service in DEPLOYING and runs the deployment. Build
// and persistence failures are returned; execution failures, including
// policy violations, end in a DEPLOY_FAILED record and a nil error.
func (o *Orchestrator) Deploy(ctx context.Context, task *DeployTask) (*ServiceRecord, error) {
	ctx, span := o.startSpan(ctx, "engine.deploy", task.ID)
	defer span.End()

	if task.Template == nil || task.Template.Deployment == nil {
		return nil, errTemplateNotRegistered(task.Request.Key())
	}
	deployment, err := o.deployers.Get(task.Template.Deployment.Kind)
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	record := o.newRecord(task)
	if err := o.store.StoreService(ctx, record); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to persist new service record")
		err = errDBWrite(task.ID, err)
		spanError(span, err)
		return nil, err
	}
	o.recorder.DeploymentStarted(string(task.Request.Provider), string(deployment.Kind()))
	o.recorder.StateTransition("", string(StateDeploying))
	o.logger.Info().
		Str("task_id", task.ID).
		Str("service", task.Request.ServiceName).
		Str("kind", string(deployment.Kind())).
		Msg("deploy started")

	result := o.runDeploy(ctx, task, deployment)
	if result.State == StateInProgress {
		o.logger.Info().Str("task_id", task.ID).Msg("deploy dispatched, awaiting callback")
		return record, nil
	}
	o.normalize(task, result)
	return o.completeDeploy(ctx, task, result), nil
}

func (o *Orchestrator) runDeploy(ctx context.Context, task *DeployTask, deployment Deployment) *DeployResult {
	if err := o.gate.Check(ctx, task, deployment); err != nil {
		o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("policy gate rejected deployment")
		return failedResult(task.ID, StateDeployFailed, err)
	}
	result, err := deployment.Deploy(ctx, task)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("deploy failed")
		return failedResult(task.ID, StateDeployFailed, err)
	}
	if result == nil {
		return failedResult(task.ID, StateDeployFailed, errors.New("deployer returned no result"))
	}
	result.ID = task.ID
	return result
}

// completeDeploy applies a deploy result and rolls back a fresh failure that
// left resources behind.
func (o *Orchestrator) completeDeploy(ctx context.Context, task *DeployTask, result *DeployResult) *ServiceRecord {
	record, prev, applied, err := o.apply(ctx, task, result, OperationDeploy)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to apply deploy result")
		return record
	}
	if applied && prev == StateDeploying && record.State == StateDeployFailed && len(record.Resources) > 0 {
		o.rollback(ctx, task)
		if latest, err := o.store.FindService(ctx, task.ID); err == nil {
			return latest
		}
	}
	return record
}

// rollback destroys the partial resources of a failed deploy. Failures are logged only.
func (o *Orchestrator) rollback(ctx context.Context, task *DeployTask) {
	o.recorder.RollbackTriggered()
	o.logger.Warn().Str("task_id", task.ID).Msg("deploy failed with partial resources, rolling back")

	job, err := o.BeginDestroy(ctx, task.ID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("rollback could not start")
		return
	}
	job.Task = task
	record, err := o.ExecuteDestroy(ctx, job)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("rollback failed")
		return
	}
	o.logger.Info().Str("task_id", task.ID).Str("state", string(record.State)).Msg("rollback finished")
}

// DestroyJob is a destroy that passed its preconditions and is recorded as DESTROYING.
type DestroyJob struct {
	Task       *DeployTask
	Record     *ServiceRecord
	StateFile  string
	deployment Deployment
}

// Destroy tears down a deployed service and returns the resulting record.
func (o *Orchestrator) Destroy(ctx context.Context, id string) (*ServiceRecord, error) {
	job, err := o.BeginDestroy(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.ExecuteDestroy(ctx, job)
}

// BeginDestroy checks destroy preconditions and moves the record to
// DESTROYING. A rejected destroy leaves the record untouched.
func (o *Orchestrator) BeginDestroy(ctx context.Context, id string) (*DestroyJob, error) {
	return o.beginDestroy(ctx, id, false)
}

// beginDestroy also serves purge, which additionally requires a purgeable
// record and marks it so that the destroy outcome deletes it.
func (o *Orchestrator) beginDestroy(ctx context.Context, id string, purge bool) (*DestroyJob, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if purge && !record.State.IsPurgeable() {
		return nil, errInvalidServiceState(id, record.State, operationPurge)
	}
	if record.State.IsTransitional() || !CanTransition(record.State, StateDestroying) {
		return nil, errInvalidServiceState(id, record.State, string(OperationDestroy))
	}
	stateFile := record.StateFile()
	if stateFile == "" {
		return nil, errServiceNotDeployed(id)
	}
	task, err := o.builder.FromRecord(ctx, record)
	if err != nil {
		return nil, err
	}
	deployment, err := o.deployers.Get(task.Template.Deployment.Kind)
	if err != nil {
		return nil, err
	}

	prev := record.State
	record.State = StateDestroying
	record.PurgePending = purge
	record.UpdatedAt = o.now()
	if err := o.store.StoreService(ctx, record); err != nil {
		return nil, errDBWrite(id, err)
	}
	o.recorder.StateTransition(string(prev), string(StateDestroying))
	o.logger.Info().Str("task_id", id).Str("from", string(prev)).Msg("destroy started")

	return &DestroyJob{Task: task, Record: record, StateFile: stateFile, deployment: deployment}, nil
}

// ExecuteDestroy runs a destroy that BeginDestroy accepted.
func (o *Orchestrator) ExecuteDestroy(ctx context.Context, job *DestroyJob) (*ServiceRecord, error) {
	ctx, span := o.startSpan(ctx, "engine.destroy", job.Task.ID)
	defer span.End()

	result, err := job.deployment.Destroy(ctx, job.Task, job.StateFile)
	switch {
	case err != nil:
		o.logger.Error().Err(err).Str("task_id", job.Task.ID).Msg("destroy failed")
		spanError(span, err)
		result = failedResult(job.Task.ID, StateDestroyFailed, err)
	case result == nil:
		result = failedResult(job.Task.ID, StateDestroyFailed, errors.New("deployer returned no result"))
	default:
		result.ID = job.Task.ID
	}
	if result.State == StateInProgress {
		o.logger.Info().Str("task_id", job.Task.ID).Msg("destroy dispatched, awaiting callback")
		return job.Record, nil
	}
	o.normalize(job.Task, result)
	return o.completeDestroy(ctx, job.Task, job.deployment, result)
}

func (o *Orchestrator) completeDestroy(ctx context.Context, task *DeployTask, deployment Deployment, result *DeployResult) (*ServiceRecord, error) {
	record, _, applied, err := o.apply(ctx, task, result, OperationDestroy)
	if err != nil {
		return record, err
	}
	if applied && record.State == StateDestroySuccess {
		if err := deployment.DeleteWorkspace(ctx, task.ID); err != nil {
			o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to delete workspace")
		}
	}
	return record, nil
}

// ReconcileDeploy applies an asynchronously reported deploy result. It is
// safe to call more than once for the same task.
func (o *Orchestrator) ReconcileDeploy(ctx context.Context, id string, raw ExecutorResult) (*ServiceRecord, error) {
	ctx, span := o.startSpan(ctx, "engine.reconcile_deploy", id)
	defer span.End()

	task, _, err := o.callbackTask(ctx, id, OperationDeploy, raw)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	result := ResultFromExecutor(id, OperationDeploy, raw)
	o.normalize(task, result)
	return o.completeDeploy(ctx, task, result), nil
}

// ReconcileDestroy applies an asynchronously reported destroy result. A
// destroy started by a purge deletes the record once it has finished.
func (o *Orchestrator) ReconcileDestroy(ctx context.Context, id string, raw ExecutorResult) (*ServiceRecord, error) {
	ctx, span := o.startSpan(ctx, "engine.reconcile_destroy", id)
	defer span.End()

	task, deployment, err := o.callbackTask(ctx, id, OperationDestroy, raw)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	result := ResultFromExecutor(id, OperationDestroy, raw)
	o.normalize(task, result)
	record, err := o.completeDestroy(ctx, task, deployment, result)
	if err != nil || !record.PurgePending || record.State.IsTransitional() {
		return record, err
	}
	if err := o.finishPurge(ctx, id); err != nil {
		spanError(span, err)
		return record, err
	}
	return record, nil
}

func (o *Orchestrator) callbackTask(ctx context.Context, id string, op Operation, raw ExecutorResult) (*DeployTask, Deployment, error) {
	outcome := "failure"
	if raw.Success {
		outcome = "success"
	}
	o.recorder.CallbackReceived(string(op), outcome)

	record, err := o.find(ctx, id)
	if err != nil {
		o.logger.Warn().Err(err).Str("task_id", id).Str("operation", string(op)).Msg("callback for unknown service")
		return nil, nil, err
	}
	task, err := o.builder.FromRecord(ctx, record)
	if err != nil {
		return nil, nil, err
	}
	deployment, err := o.deployers.Get(task.Template.Deployment.Kind)
	if err != nil {
		return nil, nil, err
	}
	return task, deployment, nil
}

const operationPurge = "purge"

// PurgeJob is a purge that passed its preconditions.
type PurgeJob struct {
	Record *ServiceRecord
}

// Purge destroys any remaining resources and deletes the record.
func (o *Orchestrator) Purge(ctx context.Context, id string) error {
	job, err := o.PreparePurge(ctx, id)
	if err != nil {
		return err
	}
	return o.ExecutePurge(ctx, job)
}

// PreparePurge checks that the record may be purged. ExecutePurge checks
// again under the record lock.
func (o *Orchestrator) PreparePurge(ctx context.Context, id string) (*PurgeJob, error) {
	record, err := o.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !record.State.IsPurgeable() {
		return nil, errInvalidServiceState(id, record.State, operationPurge)
	}
	return &PurgeJob{Record: record}, nil
}

// ExecutePurge runs a purge that PreparePurge accepted. Remaining resources
// are destroyed first; a failing destroy does not stop the record from being
// deleted. When the destroy runs asynchronously the record is deleted by
// ReconcileDestroy instead. A record that left the purgeable states since
// PreparePurge is rejected.
func (o *Orchestrator) ExecutePurge(ctx context.Context, job *PurgeJob) error {
	id := job.Record.ID
	ctx, span := o.startSpan(ctx, "engine.purge", id)
	defer span.End()

	if len(job.Record.Resources) > 0 {
		destroy, err := o.beginDestroy(ctx, id, true)
		switch {
		case err == nil:
			record, err := o.ExecuteDestroy(ctx, destroy)
			if err != nil {
				o.logger.Warn().Err(err).Str("task_id", id).Msg("destroy before purge failed, purging anyway")
			} else if record.State.IsTransitional() {
				o.logger.Info().Str("task_id", id).Msg("purge waits for destroy callback")
				return nil
			}
		case CodeOf(err) == ErrCodeInvalidServiceState, CodeOf(err) == ErrCodeServiceNotFound:
			spanError(span, err)
			return err
		default:
			o.logger.Warn().Err(err).Str("task_id", id).Msg("destroy before purge failed, purging anyway")
		}
	}

	if err := o.finishPurge(ctx, id); err != nil {
		spanError(span, err)
		return err
	}
	return nil
}

// finishPurge deletes the record under its lock. Besides the purgeable
// states, a record whose purge-initiated destroy has ended is accepted.
func (o *Orchestrator) finishPurge(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.store.FindService(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load service %s: %w", id, err)
	}
	if !record.State.IsPurgeable() && !(record.PurgePending && !record.State.IsTransitional()) {
		return errInvalidServiceState(id, record.State, operationPurge)
	}
	if err := o.store.DeleteService(ctx, record); err != nil {
		return errDBWrite(id, err)
	}
	o.recorder.ServicePurged()
	o.recordAudit(ctx, "service.purged", id, map[string]string{
		"state":    string(record.State),
		"provider": string(record.Provider),
		"name":     record.Name,
	})
	o.logger.Info().Str("task_id", id).Str("state", string(record.State)).Msg("service purged")
	return nil
}

// MarkManualCleanupRequired hands a failed destroy over to an operator.
func (o *Orchestrator) MarkManualCleanupRequired(ctx context.Context, id string) (*ServiceRecord, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.State != StateDestroyFailed {
		return nil, errInvalidServiceState(id, record.State, "manual-cleanup")
	}
	record.State = StateManualCleanupRequired
	record.UpdatedAt = o.now()
	if err := o.store.StoreService(ctx, record); err != nil {
		return nil, errDBWrite(id, err)
	}
	o.recorder.StateTransition(string(StateDestroyFailed), string(StateManualCleanupRequired))
	o.recordAudit(ctx, "service.manual_cleanup", id, map[string]string{
		"resources": fmt.Sprint(len(record.Resources)),
	})
	return record, nil
}

// Get returns a service record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*ServiceRecord, error) {
	return o.find(ctx, id)
}

// List returns service records matching query.
func (o *Orchestrator) List(ctx context.Context, query ServiceQuery) ([]*ServiceRecord, error) {
	return o.store.ListServices(ctx, query)
}

// apply stores result on the record under the per-id lock. A result whose
// state the lattice does not allow from the stored state is dropped. The
// returned bool reports whether the stored state actually changed.
func (o *Orchestrator) apply(ctx context.Context, task *DeployTask, result *DeployResult, op Operation) (*ServiceRecord, ServiceState, bool, error) {
	unlock := o.locks.Lock(result.ID)
	defer unlock()

	record, err := o.find(ctx, result.ID)
	if err != nil {
		return nil, "", false, err
	}
	prev := record.State
	if !CanTransition(prev, result.State) {
		o.recorder.StaleResultDropped(string(op))
		o.logger.Warn().
			Str("task_id", result.ID).
			Str("stored", string(prev)).
			Str("result", string(result.State)).
			Msg("ignoring out-of-order result")
		return record, prev, false, nil
	}

	before := outcomeOf(record)
	record.State = result.State
	record.ResultMessage = result.Message
	record.Resources = make([]Resource, 0, len(result.Resources))
	for _, r := range result.Resources {
		r.ServiceID = record.ID
		record.Resources = append(record.Resources, r)
	}
	record.Properties = copyMap(result.Properties)
	record.PrivateProperties = copyMap(result.PrivateProperties)
	if task.Template != nil && task.Template.Deployment != nil {
		maskSensitive(record.Request, task.Template.Deployment.Variables, o.codec)
	}
	if !reflect.DeepEqual(before, outcomeOf(record)) {
		record.UpdatedAt = o.now()
	}

	if err := o.store.StoreService(ctx, record); err != nil {
		return record, prev, false, errDBWrite(record.ID, err)
	}
	changed := prev != record.State
	if changed {
		o.recorder.StateTransition(string(prev), string(record.State))
	}
	o.logger.Info().
		Str("task_id", record.ID).
		Str("from", string(prev)).
		Str("to", string(record.State)).
		Int("resources", len(record.Resources)).
		Msg("result applied")
	return record, prev, changed, nil
}

// normalize runs the provider handler when the result carries a state file.
func (o *Orchestrator) normalize(task *DeployTask, result *DeployResult) {
	if task.Handler == nil || result.StateFile() == "" {
		return
	}
	if err := task.Handler.Handle(result); err != nil {
		o.logger.Error().Err(err).
			Str("task_id", result.ID).
			Str("provider", string(task.Handler.Provider())).
			Msg("failed to normalize state file")
	}
}

func (o *Orchestrator) find(ctx context.Context, id string) (*ServiceRecord, error) {
	record, err := o.store.FindService(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, errServiceNotFound(id)
		}
		return nil, fmt.Errorf("failed to load service %s: %w", id, err)
	}
	return record, nil
}

func (o *Orchestrator) newRecord(task *DeployTask) *ServiceRecord {
	now := o.now()
	req := task.Request
	return &ServiceRecord{
		ID:                  task.ID,
		UserID:              req.UserID,
		Namespace:           task.Namespace,
		Provider:            req.Provider,
		Category:            req.Category,
		Name:                req.ServiceName,
		Version:             req.Version,
		Flavor:              req.Flavor,
		CustomerServiceName: req.CustomerServiceName,
		Request:             cloneRequest(req),
		Deployment:          task.Template.Deployment,
		State:               StateDeploying,
		Properties:          map[string]string{},
		PrivateProperties:   map[string]string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, action, resource string, details map[string]string) {
	if err := o.audit.RecordAudit(ctx, action, resource, details); err != nil {
		o.logger.Warn().Err(err).Str("action", action).Str("task_id", resource).Msg("failed to write audit entry")
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("service.id", id)))
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ResultFromExecutor converts a raw executor payload into a result.
func ResultFromExecutor(id string, op Operation, raw ExecutorResult) *DeployResult {
	state := StateDeploySuccess
	switch {
	case op == OperationDeploy && !raw.Success:
		state = StateDeployFailed
	case op == OperationDestroy && raw.Success:
		state = StateDestroySuccess
	case op == OperationDestroy:
		state = StateDestroyFailed
	}
	result := &DeployResult{
		ID:                id,
		State:             state,
		Properties:        map[string]string{},
		PrivateProperties: map[string]string{},
	}
	if !raw.Success {
		result.Message = raw.StdErr
	}
	if raw.StateFileContent != "" {
		result.PrivateProperties[StateFileKey] = raw.StateFileContent
	}
	for name, content := range raw.GeneratedFiles {
		result.PrivateProperties[name] = content
	}
	return result
}

func failedResult(id string, state ServiceState, err error) *DeployResult {
	return &DeployResult{
		ID:                id,
		State:             state,
		Message:           err.Error(),
		Properties:        map[string]string{},
		PrivateProperties: map[string]string{},
	}
}

// outcome is the part of a record a result replaces.
type outcome struct {
	State             ServiceState
	Message           string
	Resources         []Resource
	Properties        map[string]string
	PrivateProperties map[string]string
	Request           *DeployRequest
}

func outcomeOf(r *ServiceRecord) outcome {
	return outcome{
		State:             r.State,
		Message:           r.ResultMessage,
		Resources:         append([]Resource{}, r.Resources...),
		Properties:        copyMap(r.Properties),
		PrivateProperties: copyMap(r.PrivateProperties),
		Request:           cloneRequest(r.Request),
	}
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

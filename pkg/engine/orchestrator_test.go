package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func seedRecord(f *fixture, id string, state ServiceState, stateFile string, resources int) *ServiceRecord {
	now := time.Now()
	rec := &ServiceRecord{
		ID:                id,
		UserID:            "user-1",
		Namespace:         "team-a",
		Provider:          ProviderHuawei,
		Category:          "middleware",
		Name:              "Kafka",
		Version:           "V3.3.2",
		Flavor:            "basic",
		Request:           testRequest(),
		State:             state,
		Properties:        map[string]string{},
		PrivateProperties: map[string]string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if stateFile != "" {
		rec.PrivateProperties[StateFileKey] = stateFile
	}
	for i := 0; i < resources; i++ {
		rec.Resources = append(rec.Resources, Resource{GroupType: "vm", GroupName: "main", Kind: "vm", ServiceID: id})
	}
	f.store.put(rec)
	return rec
}

func assertStates(t *testing.T, got []ServiceState, want ...ServiceState) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("state history = %v, want %v", got, want)
	}
}

func TestDeploySynchronousSuccess(t *testing.T) {
	f := newFixture()
	task := f.task(t)

	rec, err := f.orch.Deploy(context.Background(), task)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if rec.State != StateDeploySuccess {
		t.Fatalf("state = %s, want %s", rec.State, StateDeploySuccess)
	}

	stored := f.store.get(task.ID)
	if len(stored.Resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(stored.Resources))
	}
	for _, r := range stored.Resources {
		if r.ServiceID != task.ID {
			t.Errorf("resource service id = %q, want %q", r.ServiceID, task.ID)
		}
	}
	if stored.StateFile() != testStateFile {
		t.Errorf("private %s = %q, want %q", StateFileKey, stored.StateFile(), testStateFile)
	}
	if stored.Properties["endpoint"] != "10.0.0.1" {
		t.Errorf("endpoint output = %q", stored.Properties["endpoint"])
	}
	if got := stored.Request.Properties["admin_password"]; got != MaskedValue {
		t.Errorf("sensitive property = %v, want masked", got)
	}
	if got := stored.Request.Properties["vpc_name"]; got != "vpc-1" {
		t.Errorf("plain property = %v, want vpc-1", got)
	}
	if stored.CustomerServiceName == "" {
		t.Error("customer service name not set")
	}
	assertStates(t, f.store.states(task.ID), StateDeploying, StateDeploySuccess)
}

func TestDeployUnregisteredTemplate(t *testing.T) {
	f := newFixture()
	req := testRequest()
	req.ServiceName = "redis"

	_, err := f.builder.Build(context.Background(), req)
	if !errors.Is(err, ErrTemplateNotRegistered) {
		t.Fatalf("Build() error = %v, want ErrTemplateNotRegistered", err)
	}
	if list, _ := f.store.ListServices(context.Background(), ServiceQuery{}); len(list) != 0 {
		t.Errorf("records = %d, want 0", len(list))
	}
}

func TestDeployDeployerNotFound(t *testing.T) {
	f := newFixture()
	task := f.task(t)
	task.Template.Deployment = &DeploymentDefinition{Kind: DeployerKindOpenTofu}

	_, err := f.orch.Deploy(context.Background(), task)
	if !errors.Is(err, ErrDeployerNotFound) {
		t.Fatalf("Deploy() error = %v, want ErrDeployerNotFound", err)
	}
	if f.store.get(task.ID) != nil {
		t.Error("record created despite build-time failure")
	}
}

func TestDeployPolicyViolationSkipsDeployer(t *testing.T) {
	f := newFixture()
	f.policies.policies = []string{"package deny_all", "   "}
	f.policies.violations = []string{"public IPs are not allowed", "flavor too large"}
	task := f.task(t)

	rec, err := f.orch.Deploy(context.Background(), task)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if rec.State != StateDeployFailed {
		t.Fatalf("state = %s, want %s", rec.State, StateDeployFailed)
	}
	if deploys, destroys, _ := f.deployment.counts(); deploys != 0 || destroys != 0 {
		t.Errorf("deploy calls = %d, destroy calls = %d, want 0 and 0", deploys, destroys)
	}
	for _, v := range f.policies.violations {
		if !strings.Contains(rec.ResultMessage, v) {
			t.Errorf("result message %q missing violation %q", rec.ResultMessage, v)
		}
	}
	if len(f.policies.evaluated) != 1 || len(f.policies.evaluated[0]) != 1 {
		t.Errorf("evaluated batches = %v, want one batch with the non-blank policy", f.policies.evaluated)
	}
}

func TestDeployPersistFailure(t *testing.T) {
	f := newFixture()
	f.store.failNext = errors.New("disk full")
	task := f.task(t)

	_, err := f.orch.Deploy(context.Background(), task)
	if !errors.Is(err, ErrDBWrite) {
		t.Fatalf("Deploy() error = %v, want ErrDBWrite", err)
	}
	if deploys, _, _ := f.deployment.counts(); deploys != 0 {
		t.Errorf("deploy calls = %d, want 0", deploys)
	}
}

func TestDeployExecutorErrorRecordsFailure(t *testing.T) {
	f := newFixture()
	f.deployment.deployResult = func(task *DeployTask) (*DeployResult, error) {
		return nil, errExecutorDown
	}
	task := f.task(t)

	rec, err := f.orch.Deploy(context.Background(), task)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if rec.State != StateDeployFailed || rec.ResultMessage != errExecutorDown.Error() {
		t.Errorf("record = %s %q, want DEPLOY_FAILED with executor error", rec.State, rec.ResultMessage)
	}
	if _, destroys, _ := f.deployment.counts(); destroys != 0 {
		t.Errorf("destroy calls = %d, want 0 without resources", destroys)
	}
}

func TestDeployFailureWithResourcesRollsBackOnce(t *testing.T) {
	f := newFixture()
	f.deployment.deployResult = func(task *DeployTask) (*DeployResult, error) {
		return ResultFromExecutor(task.ID, OperationDeploy, ExecutorResult{
			Success:          false,
			StdErr:           "quota exceeded",
			StateFileContent: testStateFile,
		}), nil
	}
	task := f.task(t)

	rec, err := f.orch.Deploy(context.Background(), task)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if rec.State != StateDestroySuccess {
		t.Errorf("final state = %s, want %s", rec.State, StateDestroySuccess)
	}
	_, destroys, workspaces := f.deployment.counts()
	if destroys != 1 {
		t.Errorf("destroy calls = %d, want 1", destroys)
	}
	if workspaces != 1 {
		t.Errorf("workspaces freed = %d, want 1", workspaces)
	}
	if f.deployment.destroyCalls[0] != task.ID {
		t.Errorf("rollback destroyed %s, want %s", f.deployment.destroyCalls[0], task.ID)
	}
	if f.deployment.destroyStates[0] != testStateFile {
		t.Errorf("rollback state file = %q, want the failed deploy's", f.deployment.destroyStates[0])
	}
	if f.recorder.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", f.recorder.rollbacks)
	}
	assertStates(t, f.store.states(task.ID),
		StateDeploying, StateDeployFailed, StateDestroying, StateDestroySuccess)
}

func TestDeployRollbackDestroyFailure(t *testing.T) {
	f := newFixture()
	f.deployment.deployResult = func(task *DeployTask) (*DeployResult, error) {
		return ResultFromExecutor(task.ID, OperationDeploy, ExecutorResult{StateFileContent: testStateFile}), nil
	}
	f.deployment.destroyResult = func(task *DeployTask, stateFile string) (*DeployResult, error) {
		return nil, errExecutorDown
	}
	task := f.task(t)

	rec, err := f.orch.Deploy(context.Background(), task)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if rec.State != StateDestroyFailed {
		t.Errorf("final state = %s, want %s", rec.State, StateDestroyFailed)
	}
	if _, _, workspaces := f.deployment.counts(); workspaces != 0 {
		t.Errorf("workspaces freed = %d, want 0 after failed destroy", workspaces)
	}
}

func TestDeployAsyncThenCallbackIsIdempotent(t *testing.T) {
	f := newFixture()
	f.deployment.deployResult = func(task *DeployTask) (*DeployResult, error) {
		return &DeployResult{ID: task.ID, State: StateInProgress}, nil
	}
	task := f.task(t)
	ctx := context.Background()

	rec, err := f.orch.Deploy(ctx, task)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if rec.State != StateDeploying {
		t.Fatalf("state = %s, want %s", rec.State, StateDeploying)
	}

	callback := ExecutorResult{
		RequestID:        task.ID,
		Success:          true,
		StateFileContent: testStateFile,
		GeneratedFiles:   map[string]string{"provider.tf": "provider {}"},
	}
	if _, err := f.orch.ReconcileDeploy(ctx, task.ID, callback); err != nil {
		t.Fatalf("ReconcileDeploy() error = %v", err)
	}
	first := f.store.get(task.ID)
	if first.State != StateDeploySuccess {
		t.Fatalf("state = %s, want %s", first.State, StateDeploySuccess)
	}
	if first.PrivateProperties["provider.tf"] != "provider {}" {
		t.Errorf("generated file not stored in private properties")
	}

	if _, err := f.orch.ReconcileDeploy(ctx, task.ID, callback); err != nil {
		t.Fatalf("second ReconcileDeploy() error = %v", err)
	}
	second := f.store.get(task.ID)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("duplicate callback changed the record:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestReconcileDeployFailureRollsBackOnce(t *testing.T) {
	f := newFixture()
	f.deployment.deployResult = func(task *DeployTask) (*DeployResult, error) {
		return &DeployResult{ID: task.ID, State: StateInProgress}, nil
	}
	task := f.task(t)
	ctx := context.Background()
	if _, err := f.orch.Deploy(ctx, task); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	failure := ExecutorResult{Success: false, StdErr: "apply failed", StateFileContent: testStateFile}
	rec, err := f.orch.ReconcileDeploy(ctx, task.ID, failure)
	if err != nil {
		t.Fatalf("ReconcileDeploy() error = %v", err)
	}
	if rec.State != StateDestroySuccess && rec.State != StateDestroyFailed {
		t.Errorf("final state = %s, want a destroy outcome", rec.State)
	}

	// A redelivered failure must not roll back again.
	if _, err := f.orch.ReconcileDeploy(ctx, task.ID, failure); err != nil {
		t.Fatalf("redelivered ReconcileDeploy() error = %v", err)
	}
	if _, destroys, _ := f.deployment.counts(); destroys != 1 {
		t.Errorf("destroy calls = %d, want 1", destroys)
	}
	if f.recorder.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", f.recorder.rollbacks)
	}
}

func TestReconcileUnknownService(t *testing.T) {
	f := newFixture()

	_, err := f.orch.ReconcileDeploy(context.Background(), "missing", ExecutorResult{Success: true})
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("ReconcileDeploy() error = %v, want ErrServiceNotFound", err)
	}
	_, err = f.orch.ReconcileDestroy(context.Background(), "missing", ExecutorResult{Success: true})
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("ReconcileDestroy() error = %v, want ErrServiceNotFound", err)
	}
}

func TestReconcileStaleResultIsDropped(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateDeploySuccess, testStateFile, 2)

	rec, err := f.orch.ReconcileDeploy(context.Background(), "svc-1", ExecutorResult{Success: false, StdErr: "late"})
	if err != nil {
		t.Fatalf("ReconcileDeploy() error = %v", err)
	}
	if rec.State != StateDeploySuccess {
		t.Errorf("state = %s, want unchanged %s", rec.State, StateDeploySuccess)
	}
	if got := f.store.get("svc-1"); len(got.Resources) != 2 || got.ResultMessage != "" {
		t.Errorf("stale result modified the record: %+v", got)
	}
	if f.recorder.stale != 1 {
		t.Errorf("stale results = %d, want 1", f.recorder.stale)
	}
}

func TestConcurrentCallbacksSerializePerID(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateDeploying, "", 0)
	callback := ExecutorResult{Success: true, StateFileContent: testStateFile}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.ReconcileDeploy(context.Background(), "svc-1", callback); err != nil {
				t.Errorf("ReconcileDeploy() error = %v", err)
			}
		}()
	}
	wg.Wait()

	for _, s := range f.store.states("svc-1") {
		if s != StateDeploySuccess {
			t.Fatalf("unexpected stored state %s", s)
		}
	}
	if got := f.store.get("svc-1"); got.State != StateDeploySuccess || len(got.Resources) != 2 {
		t.Errorf("record = %s with %d resources", got.State, len(got.Resources))
	}
	if n := f.orch.locks.size(); n != 0 {
		t.Errorf("lock table size = %d, want 0", n)
	}
}

func TestDestroyPreconditions(t *testing.T) {
	states := []struct {
		state   ServiceState
		wantErr error
	}{
		{StateDeploying, ErrInvalidServiceState},
		{StateDestroying, ErrInvalidServiceState},
		{StateDeploySuccess, nil},
		{StateDeployFailed, nil},
		{StateDestroySuccess, nil},
		{StateDestroyFailed, nil},
		{StateManualCleanupRequired, nil},
	}

	for _, tt := range states {
		t.Run(string(tt.state), func(t *testing.T) {
			f := newFixture()
			seedRecord(f, "svc-1", tt.state, testStateFile, 2)

			rec, err := f.orch.Destroy(context.Background(), "svc-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Destroy() error = %v, want %v", err, tt.wantErr)
				}
				if got := f.store.get("svc-1").State; got != tt.state {
					t.Errorf("state = %s, want unchanged %s", got, tt.state)
				}
				if _, destroys, _ := f.deployment.counts(); destroys != 0 {
					t.Errorf("destroy calls = %d, want 0", destroys)
				}
				return
			}
			if err != nil {
				t.Fatalf("Destroy() error = %v", err)
			}
			if rec.State != StateDestroySuccess {
				t.Errorf("state = %s, want %s", rec.State, StateDestroySuccess)
			}
			if len(rec.Resources) != 0 {
				t.Errorf("resources = %d, want 0 after destroy", len(rec.Resources))
			}
			assertStates(t, f.store.states("svc-1"), StateDestroying, StateDestroySuccess)
		})
	}
}

func TestDestroyWithoutStateFile(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateDeployFailed, "", 0)

	_, err := f.orch.Destroy(context.Background(), "svc-1")
	if !errors.Is(err, ErrServiceNotDeployed) {
		t.Fatalf("Destroy() error = %v, want ErrServiceNotDeployed", err)
	}
	if got := f.store.get("svc-1").State; got != StateDeployFailed {
		t.Errorf("state = %s, want unchanged", got)
	}
}

func TestDestroyUnknownService(t *testing.T) {
	f := newFixture()
	if _, err := f.orch.Destroy(context.Background(), "missing"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("Destroy() error = %v, want ErrServiceNotFound", err)
	}
}

func TestDestroyFailureKeepsWorkspace(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateDeploySuccess, testStateFile, 2)
	f.deployment.destroyResult = func(task *DeployTask, stateFile string) (*DeployResult, error) {
		return ResultFromExecutor(task.ID, OperationDestroy, ExecutorResult{
			Success:          false,
			StdErr:           "dependency violation",
			StateFileContent: testStateFile,
		}), nil
	}

	rec, err := f.orch.Destroy(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if rec.State != StateDestroyFailed || rec.ResultMessage != "dependency violation" {
		t.Errorf("record = %s %q", rec.State, rec.ResultMessage)
	}
	if len(rec.Resources) != 2 {
		t.Errorf("resources = %d, want 2 left behind", len(rec.Resources))
	}
	if _, _, workspaces := f.deployment.counts(); workspaces != 0 {
		t.Errorf("workspaces freed = %d, want 0", workspaces)
	}
}

func TestReconcileDestroy(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateDeploySuccess, testStateFile, 2)
	f.deployment.destroyResult = func(task *DeployTask, stateFile string) (*DeployResult, error) {
		return &DeployResult{ID: task.ID, State: StateInProgress}, nil
	}
	ctx := context.Background()

	rec, err := f.orch.Destroy(ctx, "svc-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if rec.State != StateDestroying {
		t.Fatalf("state = %s, want %s", rec.State, StateDestroying)
	}

	rec, err = f.orch.ReconcileDestroy(ctx, "svc-1", ExecutorResult{Success: true, StateFileContent: emptyStateFile})
	if err != nil {
		t.Fatalf("ReconcileDestroy() error = %v", err)
	}
	if rec.State != StateDestroySuccess {
		t.Errorf("state = %s, want %s", rec.State, StateDestroySuccess)
	}
	if _, _, workspaces := f.deployment.counts(); workspaces != 1 {
		t.Errorf("workspaces freed = %d, want 1", workspaces)
	}

	// Redelivery overwrites with identical data and frees nothing more.
	if _, err := f.orch.ReconcileDestroy(ctx, "svc-1", ExecutorResult{Success: true, StateFileContent: emptyStateFile}); err != nil {
		t.Fatalf("redelivered ReconcileDestroy() error = %v", err)
	}
	if _, _, workspaces := f.deployment.counts(); workspaces != 1 {
		t.Errorf("workspaces freed = %d after redelivery, want 1", workspaces)
	}
}

func TestPurgeEligibility(t *testing.T) {
	tests := []struct {
		state   ServiceState
		allowed bool
	}{
		{StateDeploying, false},
		{StateDeploySuccess, false},
		{StateDeployFailed, true},
		{StateDestroying, false},
		{StateDestroySuccess, true},
		{StateDestroyFailed, false},
		{StateManualCleanupRequired, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			f := newFixture()
			seedRecord(f, "svc-1", tt.state, "", 0)

			err := f.orch.Purge(context.Background(), "svc-1")
			if !tt.allowed {
				if !errors.Is(err, ErrInvalidServiceState) {
					t.Fatalf("Purge() error = %v, want ErrInvalidServiceState", err)
				}
				if f.store.get("svc-1") == nil {
					t.Error("record deleted despite rejection")
				}
				return
			}
			if err != nil {
				t.Fatalf("Purge() error = %v", err)
			}
			if f.store.get("svc-1") != nil {
				t.Error("record not deleted")
			}
			if _, destroys, _ := f.deployment.counts(); destroys != 0 {
				t.Errorf("destroy calls = %d, want 0 for empty resource list", destroys)
			}
			if len(f.audit.actions) != 1 || f.audit.actions[0] != "service.purged:svc-1" {
				t.Errorf("audit = %v", f.audit.actions)
			}
		})
	}
}

func TestPurgeDestroysRemainingResources(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateManualCleanupRequired, testStateFile, 2)

	if err := f.orch.Purge(context.Background(), "svc-1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, destroys, _ := f.deployment.counts(); destroys != 1 {
		t.Errorf("destroy calls = %d, want 1", destroys)
	}
	if f.store.get("svc-1") != nil {
		t.Error("record not deleted")
	}
	if f.recorder.purged != 1 {
		t.Errorf("purged = %d, want 1", f.recorder.purged)
	}
}

func TestPurgeProceedsWhenDestroyFails(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateDeployFailed, testStateFile, 2)
	f.deployment.destroyResult = func(task *DeployTask, stateFile string) (*DeployResult, error) {
		return nil, errExecutorDown
	}

	if err := f.orch.Purge(context.Background(), "svc-1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if f.store.get("svc-1") != nil {
		t.Error("record not deleted after failed destroy")
	}
}

func TestExecutePurgeRejectsConcurrentDestroy(t *testing.T) {
	tests := []struct {
		name      string
		state     ServiceState
		resources int
	}{
		{"no resources", StateDestroySuccess, 0},
		{"with resources", StateDeployFailed, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			seedRecord(f, "svc-1", tt.state, testStateFile, tt.resources)
			f.deployment.destroyResult = func(task *DeployTask, stateFile string) (*DeployResult, error) {
				return &DeployResult{ID: task.ID, State: StateInProgress}, nil
			}
			ctx := context.Background()

			job, err := f.orch.PreparePurge(ctx, "svc-1")
			if err != nil {
				t.Fatalf("PreparePurge() error = %v", err)
			}
			if _, err := f.orch.Destroy(ctx, "svc-1"); err != nil {
				t.Fatalf("Destroy() error = %v", err)
			}

			if err := f.orch.ExecutePurge(ctx, job); !errors.Is(err, ErrInvalidServiceState) {
				t.Fatalf("ExecutePurge() error = %v, want ErrInvalidServiceState", err)
			}
			rec := f.store.get("svc-1")
			if rec == nil {
				t.Fatal("record deleted while destroy was in flight")
			}
			if rec.State != StateDestroying || rec.PurgePending {
				t.Errorf("record = %s pending=%v, want DESTROYING without purge", rec.State, rec.PurgePending)
			}
			if _, destroys, _ := f.deployment.counts(); destroys != 1 {
				t.Errorf("destroy calls = %d, want 1", destroys)
			}

			rec, err = f.orch.ReconcileDestroy(ctx, "svc-1", ExecutorResult{Success: true, StateFileContent: emptyStateFile})
			if err != nil {
				t.Fatalf("ReconcileDestroy() error = %v", err)
			}
			if rec.State != StateDestroySuccess {
				t.Errorf("state = %s, want %s", rec.State, StateDestroySuccess)
			}
			if f.store.get("svc-1") == nil {
				t.Error("plain destroy callback deleted the record")
			}
			if f.recorder.purged != 0 {
				t.Errorf("purged = %d, want 0", f.recorder.purged)
			}
		})
	}
}

func TestPurgeWaitsForAsyncDestroy(t *testing.T) {
	tests := []struct {
		name     string
		callback ExecutorResult
	}{
		{"destroy succeeds", ExecutorResult{Success: true, StateFileContent: emptyStateFile}},
		{"destroy fails", ExecutorResult{Success: false, StdErr: "timeout", StateFileContent: testStateFile}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			seedRecord(f, "svc-1", StateManualCleanupRequired, testStateFile, 2)
			f.deployment.destroyResult = func(task *DeployTask, stateFile string) (*DeployResult, error) {
				return &DeployResult{ID: task.ID, State: StateInProgress}, nil
			}
			ctx := context.Background()

			if err := f.orch.Purge(ctx, "svc-1"); err != nil {
				t.Fatalf("Purge() error = %v", err)
			}
			rec := f.store.get("svc-1")
			if rec == nil {
				t.Fatal("record deleted before the destroy callback")
			}
			if rec.State != StateDestroying || !rec.PurgePending {
				t.Errorf("record = %s pending=%v, want DESTROYING pending purge", rec.State, rec.PurgePending)
			}

			if _, err := f.orch.ReconcileDestroy(ctx, "svc-1", tt.callback); err != nil {
				t.Fatalf("ReconcileDestroy() error = %v", err)
			}
			if f.store.get("svc-1") != nil {
				t.Error("record not deleted after the destroy callback")
			}
			if f.recorder.purged != 1 {
				t.Errorf("purged = %d, want 1", f.recorder.purged)
			}
			if len(f.audit.actions) != 1 || f.audit.actions[0] != "service.purged:svc-1" {
				t.Errorf("audit = %v", f.audit.actions)
			}
		})
	}
}

func TestDestroyClearsPendingPurge(t *testing.T) {
	f := newFixture()
	rec := seedRecord(f, "svc-1", StateDestroyFailed, testStateFile, 1)
	rec.PurgePending = true
	f.store.put(rec)

	got, err := f.orch.Destroy(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if got.PurgePending {
		t.Error("plain destroy kept the purge marker")
	}
	if f.store.get("svc-1") == nil {
		t.Error("plain destroy deleted the record")
	}
}

func TestDestroyAfterTemplateRemoved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec, err := f.orch.Deploy(ctx, f.task(t))
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if rec.Deployment == nil || rec.Deployment.Kind != DeployerKindTerraform {
		t.Fatalf("deployment snapshot = %+v", rec.Deployment)
	}
	f.templates.remove(testTemplate().Key())

	rec, err = f.orch.Destroy(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if rec.State != StateDestroySuccess {
		t.Errorf("state = %s, want %s", rec.State, StateDestroySuccess)
	}
}

func TestReconcileDeployAfterTemplateRemoved(t *testing.T) {
	f := newFixture()
	f.deployment.deployResult = func(task *DeployTask) (*DeployResult, error) {
		return &DeployResult{ID: task.ID, State: StateInProgress}, nil
	}
	ctx := context.Background()
	task := f.task(t)
	if _, err := f.orch.Deploy(ctx, task); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	f.templates.remove(testTemplate().Key())

	rec, err := f.orch.ReconcileDeploy(ctx, task.ID, ExecutorResult{Success: true, StateFileContent: testStateFile})
	if err != nil {
		t.Fatalf("ReconcileDeploy() error = %v", err)
	}
	if rec.State != StateDeploySuccess {
		t.Errorf("state = %s, want %s", rec.State, StateDeploySuccess)
	}
	if rec.Request.Properties["admin_password"] != MaskedValue {
		t.Errorf("admin_password = %v, want masked", rec.Request.Properties["admin_password"])
	}
}

func TestMarkManualCleanupRequired(t *testing.T) {
	f := newFixture()
	seedRecord(f, "svc-1", StateDestroyFailed, testStateFile, 1)
	seedRecord(f, "svc-2", StateDeploySuccess, testStateFile, 1)
	ctx := context.Background()

	rec, err := f.orch.MarkManualCleanupRequired(ctx, "svc-1")
	if err != nil {
		t.Fatalf("MarkManualCleanupRequired() error = %v", err)
	}
	if rec.State != StateManualCleanupRequired {
		t.Errorf("state = %s", rec.State)
	}
	if _, err := f.orch.MarkManualCleanupRequired(ctx, "svc-2"); !errors.Is(err, ErrInvalidServiceState) {
		t.Errorf("error = %v, want ErrInvalidServiceState", err)
	}
}

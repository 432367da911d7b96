package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// Mock record store for testing. Records are copied on the way in and out.
type mockRecordStore struct {
	mu       sync.Mutex
	records  map[string]*ServiceRecord
	history  map[string][]ServiceState
	failNext error
	deleted  []string
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{
		records: make(map[string]*ServiceRecord),
		history: make(map[string][]ServiceState),
	}
}

func (m *mockRecordStore) StoreService(ctx context.Context, record *ServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.records[record.ID] = cloneRecord(record)
	m.history[record.ID] = append(m.history[record.ID], record.State)
	return nil
}

func (m *mockRecordStore) FindService(ctx context.Context, id string) (*ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, ErrRecordNotFound)
	}
	return cloneRecord(r), nil
}

func (m *mockRecordStore) ListServices(ctx context.Context, query ServiceQuery) ([]*ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ServiceRecord, 0, len(m.records))
	for _, r := range m.records {
		if query.State != "" && r.State != query.State {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRecordStore) DeleteService(ctx context.Context, record *ServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, record.ID)
	m.deleted = append(m.deleted, record.ID)
	return nil
}

func (m *mockRecordStore) get(id string) *ServiceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil
	}
	return cloneRecord(r)
}

func (m *mockRecordStore) put(record *ServiceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = cloneRecord(record)
}

func (m *mockRecordStore) states(id string) []ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceState{}, m.history[id]...)
}

func cloneRecord(r *ServiceRecord) *ServiceRecord {
	out := *r
	out.Request = cloneRequest(r.Request)
	out.Resources = append([]Resource(nil), r.Resources...)
	out.Properties = copyMap(r.Properties)
	out.PrivateProperties = copyMap(r.PrivateProperties)
	return &out
}

// Mock template store for testing
type mockTemplateStore struct {
	mu        sync.Mutex
	templates map[TemplateKey]*ServiceTemplate
}

func newMockTemplateStore(templates ...*ServiceTemplate) *mockTemplateStore {
	m := &mockTemplateStore{templates: make(map[TemplateKey]*ServiceTemplate)}
	for _, t := range templates {
		m.templates[t.Key()] = t
	}
	return m
}

func (m *mockTemplateStore) FindTemplate(ctx context.Context, key TemplateKey) (*ServiceTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[key]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", key.Name, ErrRecordNotFound)
	}
	return t, nil
}

func (m *mockTemplateStore) remove(key TemplateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates, key)
}

// Mock deployment for testing
type mockDeployment struct {
	mu sync.Mutex

	kind          DeployerKind
	deployResult  func(task *DeployTask) (*DeployResult, error)
	destroyResult func(task *DeployTask, stateFile string) (*DeployResult, error)
	plan          string
	planErr       error

	deployCalls     []string
	destroyCalls    []string
	destroyStates   []string
	workspacesFreed []string
}

func newMockDeployment() *mockDeployment {
	return &mockDeployment{
		kind: DeployerKindTerraform,
		deployResult: func(task *DeployTask) (*DeployResult, error) {
			return ResultFromExecutor(task.ID, OperationDeploy, ExecutorResult{
				Success:          true,
				StateFileContent: testStateFile,
			}), nil
		},
		destroyResult: func(task *DeployTask, stateFile string) (*DeployResult, error) {
			return ResultFromExecutor(task.ID, OperationDestroy, ExecutorResult{
				Success:          true,
				StateFileContent: emptyStateFile,
			}), nil
		},
		plan: `{"resource_changes":[]}`,
	}
}

func (m *mockDeployment) Kind() DeployerKind { return m.kind }

func (m *mockDeployment) Deploy(ctx context.Context, task *DeployTask) (*DeployResult, error) {
	m.mu.Lock()
	m.deployCalls = append(m.deployCalls, task.ID)
	fn := m.deployResult
	m.mu.Unlock()
	return fn(task)
}

func (m *mockDeployment) Destroy(ctx context.Context, task *DeployTask, stateFile string) (*DeployResult, error) {
	m.mu.Lock()
	m.destroyCalls = append(m.destroyCalls, task.ID)
	m.destroyStates = append(m.destroyStates, stateFile)
	fn := m.destroyResult
	m.mu.Unlock()
	return fn(task, stateFile)
}

func (m *mockDeployment) PlanAsJSON(ctx context.Context, task *DeployTask) (string, error) {
	return m.plan, m.planErr
}

func (m *mockDeployment) DeleteWorkspace(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspacesFreed = append(m.workspacesFreed, taskID)
	return nil
}

func (m *mockDeployment) counts() (deploys, destroys, workspaces int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deployCalls), len(m.destroyCalls), len(m.workspacesFreed)
}

const (
	testStateFile  = `{"resources":["vm","eip"]}`
	emptyStateFile = `{"resources":[]}`
)

// Mock resource handler. It turns a non-empty test state file into two
// resources and one output.
type mockHandler struct {
	provider Provider
	err      error
}

func (h *mockHandler) Provider() Provider { return h.provider }

func (h *mockHandler) Handle(result *DeployResult) error {
	if h.err != nil {
		return h.err
	}
	result.Resources = nil
	if result.StateFile() == testStateFile {
		result.Resources = []Resource{
			{GroupType: "vm", GroupName: "main", Kind: "vm", Properties: map[string]string{"ip": "10.0.0.1"}},
			{GroupType: "eip", GroupName: "main", Kind: "publicIP"},
		}
		if result.Properties == nil {
			result.Properties = map[string]string{}
		}
		result.Properties["endpoint"] = "10.0.0.1"
	}
	return nil
}

// Mock policy backend for testing
type mockPolicyBackend struct {
	mu          sync.Mutex
	policies    []string
	listErr     error
	violations  []string
	evaluated   [][]string
	evaluations int
}

func (m *mockPolicyBackend) ListEnabledPolicies(ctx context.Context, userID string, provider Provider) ([]string, error) {
	return m.policies, m.listErr
}

func (m *mockPolicyBackend) Evaluate(ctx context.Context, policies []string, planJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations++
	m.evaluated = append(m.evaluated, policies)
	if len(m.violations) > 0 {
		return NewPolicyViolationError(m.violations)
	}
	return nil
}

// Mock codec for testing
type mockCodec struct{}

func (mockCodec) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }
func (mockCodec) Mask(string) string                       { return MaskedValue }

// Mock property validator for testing
type mockValidator struct {
	violations []string
}

func (m *mockValidator) Validate(variables []DeployVariable, properties map[string]any) error {
	if len(m.violations) > 0 {
		return NewValidationError("invalid properties", m.violations)
	}
	return nil
}

// Mock recorder for testing
type mockRecorder struct {
	nopRecorder
	mu        sync.Mutex
	rollbacks int
	stale     int
	purged    int
}

func (m *mockRecorder) RollbackTriggered() {
	m.mu.Lock()
	m.rollbacks++
	m.mu.Unlock()
}

func (m *mockRecorder) StaleResultDropped(string) {
	m.mu.Lock()
	m.stale++
	m.mu.Unlock()
}

func (m *mockRecorder) ServicePurged() {
	m.mu.Lock()
	m.purged++
	m.mu.Unlock()
}

// Mock audit log for testing
type mockAudit struct {
	mu      sync.Mutex
	actions []string
}

func (m *mockAudit) RecordAudit(ctx context.Context, action, resource string, details map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action+":"+resource)
	return nil
}

var errExecutorDown = errors.New("executor unavailable")

func testTemplate() *ServiceTemplate {
	return &ServiceTemplate{
		ID:          "tmpl-1",
		Name:        "kafka",
		Version:     "v3.3.2",
		Provider:    ProviderHuawei,
		Category:    "middleware",
		HostingType: HostingTypeSelf,
		Namespace:   "team-a",
		Deployment: &DeploymentDefinition{
			Kind:    DeployerKindTerraform,
			Scripts: map[string]string{"main.tf": `resource "null_resource" "x" {}`},
			Variables: []DeployVariable{
				{Name: "admin_password", Kind: VariableKindVariable, DataType: DataTypeString, Sensitive: SensitiveScopeOnce},
				{Name: "vpc_name", Kind: VariableKindVariable, DataType: DataTypeString, Sensitive: SensitiveScopeNone},
			},
		},
	}
}

func testRequest() *DeployRequest {
	return &DeployRequest{
		UserID:      "user-1",
		ServiceName: "Kafka",
		Version:     "V3.3.2",
		Provider:    ProviderHuawei,
		Category:    "middleware",
		Flavor:      "basic",
		Region:      "cn-north-4",
		Properties: map[string]any{
			"admin_password": "s3cret",
			"vpc_name":       "vpc-1",
		},
	}
}

// fixture wires an orchestrator over mocks.
type fixture struct {
	store      *mockRecordStore
	deployment *mockDeployment
	policies   *mockPolicyBackend
	recorder   *mockRecorder
	audit      *mockAudit
	handler    *mockHandler
	templates  *mockTemplateStore
	builder    *Builder
	orch       *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		store:      newMockRecordStore(),
		deployment: newMockDeployment(),
		policies:   &mockPolicyBackend{},
		recorder:   &mockRecorder{},
		audit:      &mockAudit{},
		handler:    &mockHandler{provider: ProviderHuawei},
		templates:  newMockTemplateStore(testTemplate()),
	}
	f.builder = NewBuilder(
		f.templates,
		NewHandlerRegistry(f.handler),
		&mockValidator{},
		mockCodec{},
		testLogger(),
	)
	f.orch = NewOrchestrator(Options{
		Store:     f.store,
		Builder:   f.builder,
		Deployers: NewDeployerRegistry(f.deployment),
		Gate:      NewPolicyGate(f.policies, f.recorder, testLogger()),
		Codec:     mockCodec{},
		Audit:     f.audit,
		Recorder:  f.recorder,
		Logger:    testLogger(),
	})
	return f
}

func (f *fixture) task(t *testing.T) *DeployTask {
	t.Helper()
	task, err := f.builder.Build(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return task
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

type prefixDecrypter struct{}

func (prefixDecrypter) DecryptIfEncrypted(value string) (string, error) {
	if strings.HasPrefix(value, "sealed:") {
		return strings.TrimPrefix(value, "sealed:"), nil
	}
	return value, nil
}

type callRecord struct {
	kind, operation string
	err             error
}

type mockObserver struct {
	mu    sync.Mutex
	calls []callRecord
}

func (m *mockObserver) ExecutorCall(kind, operation string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, callRecord{kind: kind, operation: operation, err: err})
}

func testTask() *engine.DeployTask {
	return &engine.DeployTask{
		ID: "task-1",
		Request: &engine.DeployRequest{
			ServiceName: "postgres",
			Provider:    engine.ProviderOpenstack,
			Properties: map[string]any{
				"admin_password": "sealed:hunter22",
				"instance_count": float64(2),
				"flavor":         "m1.small",
			},
		},
		Template: &engine.ServiceTemplate{
			Name: "postgres",
			Deployment: &engine.DeploymentDefinition{
				Kind:    engine.DeployerKindTerraform,
				Scripts: map[string]string{"main.tf": "resource {}"},
				Variables: []engine.DeployVariable{
					{Name: "admin_password", Kind: engine.VariableKindVariable, DataType: engine.DataTypeString, Sensitive: engine.SensitiveScopeOnce},
					{Name: "instance_count", Kind: engine.VariableKindVariable, DataType: engine.DataTypeNumber},
					{Name: "flavor", Kind: engine.VariableKindEnv, DataType: engine.DataTypeString},
					{Name: "region", Kind: engine.VariableKindFixEnv, DataType: engine.DataTypeString, Value: "RegionOne"},
					{Name: "image", Kind: engine.VariableKindVariable, DataType: engine.DataTypeString, Value: "ubuntu-22.04"},
					{Name: "unset", Kind: engine.VariableKindVariable, DataType: engine.DataTypeString},
				},
			},
		},
	}
}

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
		cfg.MaxRetryDelay = 2 * time.Millisecond
	}
	return NewClient(cfg, prefixDecrypter{}, zerolog.New(nil).Level(zerolog.Disabled), opts...)
}

func TestDeploySync(t *testing.T) {
	var got scriptRequest
	client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform, Version: "1.6.0"}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/terraform/deploy" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(engine.ExecutorResult{
			RequestID:        "task-1",
			Success:          true,
			StateFileContent: `{"version":4}`,
		})
	})

	result, err := client.Deploy(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.State != engine.StateDeploySuccess {
		t.Errorf("State = %s, want DEPLOY_SUCCESS", result.State)
	}
	if result.StateFile() != `{"version":4}` {
		t.Errorf("StateFile() = %q", result.StateFile())
	}

	if got.RequestID != "task-1" || got.TerraformVersion != "1.6.0" || got.OpenTofuVersion != "" {
		t.Errorf("request header fields = %+v", got)
	}
	if got.Variables["admin_password"] != "hunter22" {
		t.Errorf("sensitive variable not decrypted: %v", got.Variables["admin_password"])
	}
	if got.Variables["instance_count"] != float64(2) {
		t.Errorf("instance_count = %v", got.Variables["instance_count"])
	}
	if got.Variables["image"] != "ubuntu-22.04" {
		t.Errorf("template default not applied: %v", got.Variables["image"])
	}
	if _, ok := got.Variables["unset"]; ok {
		t.Error("variable without value should be omitted")
	}
	if got.EnvVariables["flavor"] != "m1.small" || got.EnvVariables["region"] != "RegionOne" {
		t.Errorf("EnvVariables = %v", got.EnvVariables)
	}
	if got.ScriptFiles["main.tf"] != "resource {}" {
		t.Errorf("ScriptFiles = %v", got.ScriptFiles)
	}
	if got.WebhookConfig != nil {
		t.Error("sync request should not carry a webhook")
	}
}

func TestDeploySyncFailure(t *testing.T) {
	client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform}, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(engine.ExecutorResult{Success: false, StdErr: "quota exceeded"})
	})

	result, err := client.Deploy(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.State != engine.StateDeployFailed || result.Message != "quota exceeded" {
		t.Errorf("result = %+v", result)
	}
}

func TestDeployAsync(t *testing.T) {
	var got scriptRequest
	client := newTestClient(t, Config{
		Kind:        engine.DeployerKindOpenTofu,
		Version:     "1.8.0",
		Async:       true,
		CallbackURL: "https://stackpilot.example.com/",
	}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/opentofu/deploy/async" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	})

	result, err := client.Deploy(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.State != engine.StateInProgress || result.ID != "task-1" {
		t.Errorf("result = %+v", result)
	}
	if got.WebhookConfig == nil || got.WebhookConfig.URL != "https://stackpilot.example.com/v1/callbacks/deploy/task-1" {
		t.Errorf("WebhookConfig = %+v", got.WebhookConfig)
	}
	if got.OpenTofuVersion != "1.8.0" || got.TerraformVersion != "" {
		t.Errorf("versions = %q / %q", got.OpenTofuVersion, got.TerraformVersion)
	}
}

func TestDestroySendsState(t *testing.T) {
	var got scriptRequest
	client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/terraform/destroy" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(engine.ExecutorResult{Success: true})
	})

	result, err := client.Destroy(context.Background(), testTask(), `{"resources":[]}`)
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if result.State != engine.StateDestroySuccess {
		t.Errorf("State = %s", result.State)
	}
	if got.TFState != `{"resources":[]}` {
		t.Errorf("TFState = %q", got.TFState)
	}
}

func TestDestroySkipsMaskedValues(t *testing.T) {
	var got scriptRequest
	client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform}, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(engine.ExecutorResult{Success: true})
	})

	task := testTask()
	task.Request.Properties["admin_password"] = engine.MaskedValue
	if _, err := client.Destroy(context.Background(), task, "{}"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, ok := got.Variables["admin_password"]; ok {
		t.Errorf("masked value sent to executor: %v", got.Variables["admin_password"])
	}
}

func TestRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int32
		failStatus   int
		maxRetries   int
		wantAttempts int32
		wantStatus   int
	}{
		{name: "recovers after transient errors", failures: 2, failStatus: http.StatusServiceUnavailable, maxRetries: 3, wantAttempts: 3},
		{name: "rate limited then ok", failures: 1, failStatus: http.StatusTooManyRequests, maxRetries: 1, wantAttempts: 2},
		{name: "retries exhausted", failures: 10, failStatus: http.StatusBadGateway, maxRetries: 2, wantAttempts: 3, wantStatus: http.StatusBadGateway},
		{name: "client error not retried", failures: 10, failStatus: http.StatusBadRequest, maxRetries: 3, wantAttempts: 1, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform, MaxRetries: tt.maxRetries}, func(w http.ResponseWriter, r *http.Request) {
				if attempts.Add(1) <= tt.failures {
					http.Error(w, "try later", tt.failStatus)
					return
				}
				_ = json.NewEncoder(w).Encode(engine.ExecutorResult{Success: true})
			})

			_, err := client.Deploy(context.Background(), testTask())
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("Deploy() error = %v", err)
				}
				return
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want APIError", err)
			}
			if apiErr.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestPlanAsJSON(t *testing.T) {
	client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/terraform/plan" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(planResponse{Plan: `{"planned_values":{}}`})
	})

	plan, err := client.PlanAsJSON(context.Background(), testTask())
	if err != nil {
		t.Fatalf("PlanAsJSON() error = %v", err)
	}
	if plan != `{"planned_values":{}}` {
		t.Errorf("plan = %q", plan)
	}
}

func TestDeleteWorkspace(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "deleted", status: http.StatusOK},
		{name: "already gone", status: http.StatusNotFound},
		{name: "no content", status: http.StatusNoContent},
		{name: "forbidden", status: http.StatusForbidden, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform}, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete || r.URL.Path != "/v1/terraform/workspace/task-1" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
			})
			err := client.DeleteWorkspace(context.Background(), "task-1")
			if (err != nil) != tt.wantErr {
				t.Errorf("DeleteWorkspace() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestObserverReceivesCalls(t *testing.T) {
	observer := &mockObserver{}
	client := newTestClient(t, Config{Kind: engine.DeployerKindTerraform}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad scripts", http.StatusUnprocessableEntity)
	}, WithObserver(observer))

	_, err := client.Deploy(context.Background(), testTask())
	if err == nil || !strings.Contains(err.Error(), "bad scripts") {
		t.Fatalf("error = %v, want body in message", err)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(observer.calls))
	}
	if c := observer.calls[0]; c.kind != "terraform" || c.operation != "deploy" || c.err == nil {
		t.Errorf("call = %+v", c)
	}
}

func TestMissingDeploymentDefinition(t *testing.T) {
	client := NewClient(DefaultConfig(engine.DeployerKindTerraform, "http://127.0.0.1:1"), nil, zerolog.New(nil).Level(zerolog.Disabled))
	task := testTask()
	task.Template.Deployment = nil
	if _, err := client.Deploy(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}
}

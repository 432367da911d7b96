package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

const maxResponseBytes = 32 << 20

// Config configures one executor client.
type Config struct {
	// Kind is the deployer kind the executor runs.
	Kind engine.DeployerKind `yaml:"kind" validate:"required,oneof=terraform opentofu"`

	// BaseURL is the executor service root, e.g. http://terraboot:9090.
	BaseURL string `yaml:"baseURL" validate:"required,url"`

	// Version pins the IaC binary version the executor should use.
	Version string `yaml:"version"`

	// Async dispatches work and waits for a callback instead of blocking.
	Async bool `yaml:"async"`

	// CallbackURL is the externally reachable root of this service.
	CallbackURL string `yaml:"callbackURL" validate:"required_if=Async true,omitempty,url"`

	// Timeout bounds one HTTP attempt. Sync deploys can take minutes.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"maxRetries" validate:"min=0"`

	// RetryDelay is the initial backoff between attempts.
	RetryDelay time.Duration `yaml:"retryDelay"`

	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration `yaml:"maxRetryDelay"`
}

// DefaultConfig returns a synchronous client configuration for kind.
func DefaultConfig(kind engine.DeployerKind, baseURL string) Config {
	return Config{
		Kind:          kind,
		BaseURL:       baseURL,
		Timeout:       30 * time.Minute,
		MaxRetries:    3,
		RetryDelay:    200 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
	}
}

// Decrypter opens sensitive values encrypted at request time.
type Decrypter interface {
	DecryptIfEncrypted(value string) (string, error)
}

// Observer receives one call per executor request.
type Observer interface {
	ExecutorCall(kind, operation string, duration time.Duration, err error)
}

// Client runs IaC scripts on a remote Terraform or OpenTofu executor.
type Client struct {
	config       Config
	http         *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	decrypter    Decrypter
	observer     Observer
	tracer       trace.Tracer
	logger       zerolog.Logger
}

var _ engine.Deployment = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithObserver reports every call to o.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient creates a client. The decrypter opens sensitive variable values
// before they are sent to the executor.
func NewClient(cfg Config, decrypter Decrypter, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		config:       cfg,
		http:         &http.Client{Timeout: cfg.Timeout},
		httpExecutor: failsafe.With(newRetryPolicy(cfg)),
		decrypter:    decrypter,
		tracer:       otel.Tracer("github.com/stackpilot/stackpilot/pkg/deployers/executor"),
		logger:       logger.With().Str("component", "executor").Str("kind", string(cfg.Kind)).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// shouldRetry retries network errors, server errors and rate limits.
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

//nolint:bodyclose // *http.Response is a type parameter here
func newRetryPolicy(cfg Config) retrypolicy.RetryPolicy[*http.Response] {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := cfg.MaxRetryDelay
	if maxDelay < delay {
		maxDelay = delay
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(delay, maxDelay).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		Build()
}

// Kind implements engine.Deployment.
func (c *Client) Kind() engine.DeployerKind {
	return c.config.Kind
}

// Deploy implements engine.Deployment.
func (c *Client) Deploy(ctx context.Context, task *engine.DeployTask) (*engine.DeployResult, error) {
	body, err := c.scriptRequest(task, "")
	if err != nil {
		return nil, err
	}
	return c.run(ctx, task.ID, engine.OperationDeploy, body)
}

// Destroy implements engine.Deployment.
func (c *Client) Destroy(ctx context.Context, task *engine.DeployTask, stateFile string) (*engine.DeployResult, error) {
	body, err := c.scriptRequest(task, stateFile)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, task.ID, engine.OperationDestroy, body)
}

// PlanAsJSON implements engine.Deployment.
func (c *Client) PlanAsJSON(ctx context.Context, task *engine.DeployTask) (string, error) {
	body, err := c.scriptRequest(task, "")
	if err != nil {
		return "", err
	}

	var plan planResponse
	if err := c.call(ctx, "plan", http.MethodPost, c.endpoint("plan"), body, http.StatusOK, &plan); err != nil {
		return "", err
	}
	return plan.Plan, nil
}

// DeleteWorkspace implements engine.Deployment. A workspace that is
// already gone is not an error.
func (c *Client) DeleteWorkspace(ctx context.Context, taskID string) error {
	err := c.call(ctx, "delete_workspace", http.MethodDelete, c.endpoint("workspace", url.PathEscape(taskID)), nil, http.StatusOK, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusNoContent) {
		return nil
	}
	return err
}

func (c *Client) run(ctx context.Context, taskID string, op engine.Operation, body *scriptRequest) (*engine.DeployResult, error) {
	if c.config.Async {
		body.WebhookConfig = &webhookConfig{
			URL:      c.callbackURL(op, taskID),
			AuthType: "NONE",
		}
		if err := c.call(ctx, string(op), http.MethodPost, c.endpoint(string(op), "async"), body, http.StatusAccepted, nil); err != nil {
			return nil, err
		}
		c.logger.Debug().Str("task_id", taskID).Str("operation", string(op)).Msg("executor accepted task")
		return &engine.DeployResult{ID: taskID, State: engine.StateInProgress}, nil
	}

	var raw engine.ExecutorResult
	if err := c.call(ctx, string(op), http.MethodPost, c.endpoint(string(op)), body, http.StatusOK, &raw); err != nil {
		return nil, err
	}
	return engine.ResultFromExecutor(taskID, op, raw), nil
}

func (c *Client) endpoint(parts ...string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + "/v1/" + string(c.config.Kind) + "/" + strings.Join(parts, "/")
}

func (c *Client) callbackURL(op engine.Operation, taskID string) string {
	return strings.TrimRight(c.config.CallbackURL, "/") + "/v1/callbacks/" + string(op) + "/" + url.PathEscape(taskID)
}

// call sends one request through the retry executor and decodes the
// response into out when out is not nil.
func (c *Client) call(ctx context.Context, operation, method, target string, in any, wantStatus int, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "executor."+operation, trace.WithAttributes(
		attribute.String("deployer.kind", string(c.config.Kind)),
		attribute.String("http.method", method),
	))
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ExecutorCall(string(c.config.Kind), operation, time.Since(start), err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var payload []byte
	if in != nil {
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
	}

	var lastStatus int
	resp, err := c.httpExecutor.WithContext(ctx).Get(func() (*http.Response, error) {
		lastStatus = 0
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.http.Do(req)
		if resp != nil {
			lastStatus = resp.StatusCode
		}
		if shouldRetry(resp, err) && resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return resp, err
	})
	if err != nil {
		// Retries exhausted on a retryable status.
		if lastStatus != 0 {
			return &APIError{Operation: operation, StatusCode: lastStatus}
		}
		return fmt.Errorf("executor %s request failed: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode executor %s response: %w", operation, err)
	}
	return nil
}

// APIError is a non-success executor response.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("executor %s returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("executor %s returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

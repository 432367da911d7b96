package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Service names longer than customerNameMaxLen are cut to
	// customerNamePrefixLen characters before the random suffix.
	customerNameMaxLen    = 5
	customerNamePrefixLen = 4
	customerNameSuffixLen = 5
	alphanumerics         = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Builder turns deploy requests into deploy tasks.
type Builder struct {
	templates  TemplateStore
	handlers   *HandlerRegistry
	properties PropertyValidator
	codec      SecretCodec
	validate   *validator.Validate
	logger     zerolog.Logger
	newID      func() string
}

// NewBuilder creates a task builder. A nil PropertyValidator disables
// property validation.
func NewBuilder(
	templates TemplateStore,
	handlers *HandlerRegistry,
	properties PropertyValidator,
	codec SecretCodec,
	logger zerolog.Logger,
) *Builder {
	return &Builder{
		templates:  templates,
		handlers:   handlers,
		properties: properties,
		codec:      codec,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With().Str("component", "task-builder").Logger(),
		newID:      func() string { return uuid.New().String() },
	}
}

// Build validates a request and produces a task ready for deployment.
// Sensitive properties of req are encrypted in place.
func (b *Builder) Build(ctx context.Context, req *DeployRequest) (*DeployTask, error) {
	if req == nil {
		return nil, NewValidationError("deploy request is required", nil)
	}
	req.Provider = Provider(strings.ToLower(strings.TrimSpace(string(req.Provider))))
	req.Category = Category(strings.ToLower(strings.TrimSpace(string(req.Category))))
	if err := b.validate.Struct(req); err != nil {
		return nil, NewValidationError("invalid deploy request", fieldViolations(err))
	}

	tmpl, err := b.resolveTemplate(ctx, req.Key())
	if err != nil {
		return nil, err
	}

	if len(req.Properties) > 0 && b.properties != nil {
		if err := b.properties.Validate(tmpl.Deployment.Variables, req.Properties); err != nil {
			return nil, err
		}
	}

	if err := b.encryptSensitive(tmpl.Deployment.Variables, req.Properties); err != nil {
		return nil, err
	}

	handler, err := b.handlers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	task := &DeployTask{
		ID:        b.newID(),
		Request:   req,
		Template:  tmpl,
		Namespace: tmpl.Namespace,
		Handler:   handler,
	}
	if strings.TrimSpace(req.CustomerServiceName) == "" {
		req.CustomerServiceName = customerServiceName(req.ServiceName)
	}

	b.logger.Debug().
		Str("task_id", task.ID).
		Str("service", req.ServiceName).
		Str("provider", string(req.Provider)).
		Msg("deploy task built")
	return task, nil
}

// FromRecord rebuilds the task of an existing record for destroy and
// callbacks. The record's deployment snapshot is preferred over the
// registered template, which may have been changed or removed since.
func (b *Builder) FromRecord(ctx context.Context, record *ServiceRecord) (*DeployTask, error) {
	if record.Request == nil {
		return nil, NewPermanentError("service record has no request", nil).
			WithCode(ErrCodeInternal).
			WithResource(record.ID)
	}
	tmpl, err := b.recordTemplate(ctx, record)
	if err != nil {
		return nil, err
	}
	handler, err := b.handlers.Get(record.Provider)
	if err != nil {
		return nil, err
	}
	return &DeployTask{
		ID:        record.ID,
		Request:   record.Request,
		Template:  tmpl,
		Namespace: record.Namespace,
		Handler:   handler,
	}, nil
}

func (b *Builder) recordTemplate(ctx context.Context, record *ServiceRecord) (*ServiceTemplate, error) {
	if record.Deployment == nil {
		return b.resolveTemplate(ctx, record.Request.Key())
	}
	key := record.Request.Key()
	return &ServiceTemplate{
		Name:        record.Name,
		Version:     record.Version,
		Provider:    record.Provider,
		Category:    record.Category,
		HostingType: key.HostingType,
		Namespace:   record.Namespace,
		Deployment:  record.Deployment,
	}, nil
}

func (b *Builder) resolveTemplate(ctx context.Context, key TemplateKey) (*ServiceTemplate, error) {
	tmpl, err := b.templates.FindTemplate(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, errTemplateNotRegistered(key)
		}
		return nil, fmt.Errorf("failed to look up service template: %w", err)
	}
	if tmpl == nil || tmpl.Deployment == nil {
		return nil, errTemplateNotRegistered(key)
	}
	return tmpl, nil
}

func (b *Builder) encryptSensitive(variables []DeployVariable, properties map[string]any) error {
	if len(properties) == 0 {
		return nil
	}
	for _, v := range variables {
		if !v.IsSensitive() {
			continue
		}
		raw, ok := properties[v.Name]
		if !ok || raw == nil {
			continue
		}
		cipher, err := b.codec.Encrypt(fmt.Sprint(raw))
		if err != nil {
			return fmt.Errorf("failed to encrypt variable %s: %w", v.Name, err)
		}
		properties[v.Name] = cipher
	}
	return nil
}

// customerServiceName derives a readable, non-colliding name from the service name.
func customerServiceName(serviceName string) string {
	prefix := serviceName
	if len(prefix) > customerNameMaxLen {
		prefix = prefix[:customerNamePrefixLen]
	}
	suffix := make([]byte, customerNameSuffixLen)
	for i := range suffix {
		suffix[i] = alphanumerics[rand.IntN(len(alphanumerics))]
	}
	return prefix + "-" + string(suffix)
}

func fieldViolations(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		out = append(out, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return out
}

package stores

import (
	"context"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/policy"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "service.purged", "service.manual_cleanup"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // service id
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// SystemActor is recorded when an audit entry carries no user.
const SystemActor = "system"

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Service records, templates, and user policies
	engine.RecordStore
	engine.TemplateStore
	policy.PolicyStore
	StoreTemplate(ctx context.Context, tmpl *engine.ServiceTemplate) error
	ListTemplates(ctx context.Context) ([]*engine.ServiceTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
	CountTemplateServices(ctx context.Context, id string) (int, error)

	// Audit operations
	engine.AuditLog
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

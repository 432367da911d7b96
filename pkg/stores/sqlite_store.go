package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/policy"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"maxOpenConns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"maxIdleConns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and applies connection PRAGMAs.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// StoreService inserts or replaces a service record. Its resources are
// replaced in the same transaction.
func (s *SQLiteStore) StoreService(ctx context.Context, record *engine.ServiceRecord) error {
	request, err := marshalJSON(record.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	properties, err := marshalJSON(record.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	privateProperties, err := marshalJSON(record.PrivateProperties)
	if err != nil {
		return fmt.Errorf("failed to encode private properties: %w", err)
	}
	deployment, err := marshalJSON(record.Deployment)
	if err != nil {
		return fmt.Errorf("failed to encode deployment: %w", err)
	}

	query := `
		INSERT INTO deployed_services (id, user_id, namespace, provider, category, name, version, flavor,
			customer_service_name, request, state, properties, private_properties, result_message,
			deployment, purge_pending, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			namespace = excluded.namespace,
			provider = excluded.provider,
			category = excluded.category,
			name = excluded.name,
			version = excluded.version,
			flavor = excluded.flavor,
			customer_service_name = excluded.customer_service_name,
			request = excluded.request,
			state = excluded.state,
			properties = excluded.properties,
			private_properties = excluded.private_properties,
			result_message = excluded.result_message,
			deployment = excluded.deployment,
			purge_pending = excluded.purge_pending,
			updated_at = excluded.updated_at
	`

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			record.ID,
			record.UserID,
			record.Namespace,
			record.Provider,
			record.Category,
			record.Name,
			record.Version,
			record.Flavor,
			record.CustomerServiceName,
			request,
			record.State,
			properties,
			privateProperties,
			record.ResultMessage,
			deployment,
			record.PurgePending,
			record.CreatedAt.UTC(),
			record.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to store service: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM service_resources WHERE service_id = ?`, record.ID); err != nil {
			return fmt.Errorf("failed to clear service resources: %w", err)
		}

		for i := range record.Resources {
			r := &record.Resources[i]
			props, err := marshalJSON(r.Properties)
			if err != nil {
				return fmt.Errorf("failed to encode resource properties: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO service_resources (service_id, group_type, group_name, kind, properties)
				VALUES (?, ?, ?, ?, ?)
			`, record.ID, r.GroupType, r.GroupName, r.Kind, props)
			if err != nil {
				return fmt.Errorf("failed to store service resource: %w", err)
			}
		}
		return nil
	})
}

const serviceColumns = `id, user_id, namespace, provider, category, name, version, flavor,
	customer_service_name, request, state, properties, private_properties, result_message,
	deployment, purge_pending, created_at, updated_at`

// FindService retrieves a service record by ID
func (s *SQLiteStore) FindService(ctx context.Context, id string) (*engine.ServiceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM deployed_services WHERE id = ?`, id)

	record, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", id, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}

	if record.Resources, err = s.loadResources(ctx, s.db, id); err != nil {
		return nil, err
	}
	return record, nil
}

// ListServices lists service records matching a query, newest first.
func (s *SQLiteStore) ListServices(ctx context.Context, q engine.ServiceQuery) ([]*engine.ServiceRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + serviceColumns + `
		FROM deployed_services
		WHERE (? = '' OR user_id = ?)
		  AND (? = '' OR namespace = ?)
		  AND (? = '' OR provider = ?)
		  AND (? = '' OR category = ?)
		  AND (? = '' OR state = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.UserID, q.UserID,
		q.Namespace, q.Namespace,
		q.Provider, q.Provider,
		q.Category, q.Category,
		q.State, q.State,
		limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	records := []*engine.ServiceRecord{}
	for rows.Next() {
		record, err := scanService(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating services: %w", err)
	}
	_ = rows.Close()

	for _, record := range records {
		if record.Resources, err = s.loadResources(ctx, s.db, record.ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// DeleteService deletes a service record; its resources follow by cascade.
func (s *SQLiteStore) DeleteService(ctx context.Context, record *engine.ServiceRecord) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployed_services WHERE id = ?`, record.ID)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("service %s: %w", record.ID, engine.ErrRecordNotFound)
	}

	return nil
}

func (s *SQLiteStore) loadResources(ctx context.Context, q querier, serviceID string) ([]engine.Resource, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT group_type, group_name, kind, properties
		FROM service_resources
		WHERE service_id = ?
		ORDER BY id
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list service resources: %w", err)
	}
	defer rows.Close()

	var resources []engine.Resource
	for rows.Next() {
		var (
			r     engine.Resource
			props string
		)
		if err := rows.Scan(&r.GroupType, &r.GroupName, &r.Kind, &props); err != nil {
			return nil, fmt.Errorf("failed to scan service resource: %w", err)
		}
		if err := unmarshalJSON(props, &r.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode resource properties: %w", err)
		}
		r.ServiceID = serviceID
		resources = append(resources, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service resources: %w", err)
	}
	return resources, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*engine.ServiceRecord, error) {
	var (
		record                                              engine.ServiceRecord
		request, properties, privateProperties, deployment string
	)
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.Namespace,
		&record.Provider,
		&record.Category,
		&record.Name,
		&record.Version,
		&record.Flavor,
		&record.CustomerServiceName,
		&request,
		&record.State,
		&properties,
		&privateProperties,
		&record.ResultMessage,
		&deployment,
		&record.PurgePending,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if request != "" {
		record.Request = &engine.DeployRequest{}
		if err := json.Unmarshal([]byte(request), record.Request); err != nil {
			return nil, fmt.Errorf("failed to decode request: %w", err)
		}
	}
	if err := unmarshalJSON(properties, &record.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode properties: %w", err)
	}
	if err := unmarshalJSON(privateProperties, &record.PrivateProperties); err != nil {
		return nil, fmt.Errorf("failed to decode private properties: %w", err)
	}
	if deployment != "" && deployment != "null" {
		record.Deployment = &engine.DeploymentDefinition{}
		if err := json.Unmarshal([]byte(deployment), record.Deployment); err != nil {
			return nil, fmt.Errorf("failed to decode deployment: %w", err)
		}
	}
	return &record, nil
}

// StoreTemplate registers a template, replacing the one with the same key.
// The template id is set to the stored row's id.
func (s *SQLiteStore) StoreTemplate(ctx context.Context, tmpl *engine.ServiceTemplate) error {
	deployment, err := marshalJSON(tmpl.Deployment)
	if err != nil {
		return fmt.Errorf("failed to encode deployment: %w", err)
	}

	now := time.Now().UTC()
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now

	key := tmpl.Key()
	query := `
		INSERT INTO service_templates (id, name, version, provider, category, hosting_type, namespace,
			description, deployment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, version, provider, category, hosting_type) DO UPDATE SET
			namespace = excluded.namespace,
			description = excluded.description,
			deployment = excluded.deployment,
			updated_at = excluded.updated_at
		RETURNING id
	`

	err = s.db.QueryRowContext(ctx, query,
		tmpl.ID,
		key.Name,
		key.Version,
		key.Provider,
		key.Category,
		key.HostingType,
		tmpl.Namespace,
		tmpl.Description,
		deployment,
		tmpl.CreatedAt.UTC(),
		tmpl.UpdatedAt,
	).Scan(&tmpl.ID)
	if err != nil {
		return fmt.Errorf("failed to store template: %w", err)
	}

	return nil
}

const templateColumns = `id, name, version, provider, category, hosting_type, namespace, description,
	deployment, created_at, updated_at`

// FindTemplate retrieves the template registered under key.
func (s *SQLiteStore) FindTemplate(ctx context.Context, key engine.TemplateKey) (*engine.ServiceTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+`
		FROM service_templates
		WHERE name = ? AND version = ? AND provider = ? AND category = ? AND hosting_type = ?
	`, strings.ToLower(key.Name), strings.ToLower(key.Version), key.Provider, key.Category, key.HostingType)

	tmpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s/%s: %w", key.Name, key.Version, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return tmpl, nil
}

// ListTemplates lists every registered template ordered by name and version.
func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*engine.ServiceTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+`
		FROM service_templates
		ORDER BY name, version, provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	templates := []*engine.ServiceTemplate{}
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tmpl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}

// CountTemplateServices counts the records deployed from the template with
// the given id that still hold or may hold cloud resources.
func (s *SQLiteStore) CountTemplateServices(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM deployed_services d
		JOIN service_templates t
		  ON lower(d.name) = t.name
		 AND lower(d.version) = t.version
		 AND lower(d.provider) = t.provider
		 AND lower(d.category) = t.category
		WHERE t.id = ? AND d.state != ?
	`, id, engine.StateDestroySuccess).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count template services: %w", err)
	}
	return count, nil
}

// DeleteTemplate deletes a template by ID
func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM service_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("template %s: %w", id, engine.ErrRecordNotFound)
	}
	return nil
}

func scanTemplate(row rowScanner) (*engine.ServiceTemplate, error) {
	var (
		tmpl       engine.ServiceTemplate
		deployment string
	)
	err := row.Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.Version,
		&tmpl.Provider,
		&tmpl.Category,
		&tmpl.HostingType,
		&tmpl.Namespace,
		&tmpl.Description,
		&deployment,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if deployment != "" && deployment != "null" {
		tmpl.Deployment = &engine.DeploymentDefinition{}
		if err := json.Unmarshal([]byte(deployment), tmpl.Deployment); err != nil {
			return nil, fmt.Errorf("failed to decode deployment: %w", err)
		}
	}
	return &tmpl, nil
}

// StoreUserPolicy inserts or replaces a user policy.
func (s *SQLiteStore) StoreUserPolicy(ctx context.Context, p *policy.UserPolicy) error {
	query := `
		INSERT INTO user_policies (id, user_id, provider, policy, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			provider = excluded.provider,
			policy = excluded.policy,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.UserID,
		p.Provider,
		p.Policy,
		p.Enabled,
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store user policy: %w", err)
	}
	return nil
}

const userPolicyColumns = `id, user_id, provider, policy, enabled, created_at, updated_at`

// FindUserPolicy retrieves a user policy by ID
func (s *SQLiteStore) FindUserPolicy(ctx context.Context, id string) (*policy.UserPolicy, error) {
	p := &policy.UserPolicy{}
	err := s.db.QueryRowContext(ctx, `SELECT `+userPolicyColumns+` FROM user_policies WHERE id = ?`, id).Scan(
		&p.ID,
		&p.UserID,
		&p.Provider,
		&p.Policy,
		&p.Enabled,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user policy %s: %w", id, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user policy: %w", err)
	}
	return p, nil
}

// ListUserPolicies lists user policies in creation order. A provider filter
// also matches policies that apply to every provider.
func (s *SQLiteStore) ListUserPolicies(ctx context.Context, q policy.UserPolicyQuery) ([]*policy.UserPolicy, error) {
	query := `SELECT ` + userPolicyColumns + `
		FROM user_policies
		WHERE (? = '' OR user_id = ?)
		  AND (? = '' OR provider = '' OR provider = ?)
		  AND (? = 0 OR enabled = 1)
		ORDER BY created_at, rowid
	`

	rows, err := s.db.QueryContext(ctx, query, q.UserID, q.UserID, q.Provider, q.Provider, q.EnabledOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list user policies: %w", err)
	}
	defer rows.Close()

	policies := []*policy.UserPolicy{}
	for rows.Next() {
		p := &policy.UserPolicy{}
		err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.Provider,
			&p.Policy,
			&p.Enabled,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user policy: %w", err)
		}
		policies = append(policies, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user policies: %w", err)
	}
	return policies, nil
}

// DeleteUserPolicy deletes a user policy by ID
func (s *SQLiteStore) DeleteUserPolicy(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_policies WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user policy: %w", err)
	}
	return nil
}

// RecordAudit implements engine.AuditLog. The actor is taken from the
// "user_id" detail when present.
func (s *SQLiteStore) RecordAudit(ctx context.Context, action, resource string, details map[string]string) error {
	actor := details["user_id"]
	if actor == "" {
		actor = SystemActor
	}

	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	if resource != "" {
		entry.TargetID = &resource
	}
	if len(details) > 0 {
		encoded, err := marshalJSON(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		entry.Details = &encoded
	}

	return s.createAuditEntry(ctx, entry)
}

func (s *SQLiteStore) createAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// marshalJSON encodes v for a TEXT column. Nil maps are stored as "{}".
func marshalJSON(v any) (string, error) {
	switch m := v.(type) {
	case map[string]string:
		if m == nil {
			return "{}", nil
		}
	case *engine.DeployRequest:
		if m == nil {
			return "", nil
		}
	case *engine.DeploymentDefinition:
		if m == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(data string, out *map[string]string) error {
	if data == "" {
		*out = map[string]string{}
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return err
	}
	if *out == nil {
		*out = map[string]string{}
	}
	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/deployers/executor"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STACKPILOT_"

// Config is the complete service configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Database configures the SQLite record store.
	Database stores.Config `yaml:"database"`

	// Executors lists the remote IaC executors, at most one per kind.
	Executors []executor.Config `yaml:"executors" validate:"dive"`

	// Workers bounds concurrent deploy and destroy jobs.
	Workers WorkersConfig `yaml:"workers"`

	// Secrets configures encryption of sensitive request values.
	Secrets SecretsConfig `yaml:"secrets"`

	// Policy configures the global policy set.
	Policy PolicyConfig `yaml:"policy"`

	// Templates lists directories registered at startup.
	Templates TemplatesConfig `yaml:"templates"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// WorkersConfig configures the dispatcher.
type WorkersConfig struct {
	MaxParallel int `yaml:"maxParallel" validate:"min=1"`
}

// SecretsConfig holds the master key, inline (base64) or in a file.
type SecretsConfig struct {
	Key     string `yaml:"key" validate:"excluded_with=KeyFile"`
	KeyFile string `yaml:"keyFile"`
}

// PolicyConfig configures global policies.
type PolicyConfig struct {
	// Dirs are files or directories of .rego documents applied to every user.
	Dirs []string `yaml:"dirs"`

	// Watch reloads the global set when a file changes.
	Watch bool `yaml:"watch"`
}

// TemplatesConfig configures template registration at startup.
type TemplatesConfig struct {
	Dirs []string `yaml:"dirs"`
}

// Default returns the development configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: stores.Config{
			Path: "stackpilot.db",
		},
		Executors: []executor.Config{
			executor.DefaultConfig(engine.DeployerKindTerraform, "http://localhost:9090"),
		},
		Workers: WorkersConfig{
			MaxParallel: 8,
		},
		Telemetry: *tel,
	}
}

// Load reads the configuration at path on top of the defaults, applies
// environment overrides and validates the result. An empty path loads the
// defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults and validates it.
// Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if err := CheckSchema(data); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// A YAML sequence replaces the default executor list, so per-entry
	// defaults are filled in here.
	for i := range c.Executors {
		def := executor.DefaultConfig(c.Executors[i].Kind, c.Executors[i].BaseURL)
		if c.Executors[i].Timeout == 0 {
			c.Executors[i].Timeout = def.Timeout
		}
		if c.Executors[i].RetryDelay == 0 {
			c.Executors[i].RetryDelay = def.RetryDelay
		}
		if c.Executors[i].MaxRetryDelay == 0 {
			c.Executors[i].MaxRetryDelay = def.MaxRetryDelay
		}
	}
	return nil
}

// applyEnv overrides single settings from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("SERVER_ADDRESS"); ok {
		c.Server.Address = v
	}
	if v, ok := get("DATABASE_PATH"); ok {
		c.Database.Path = v
	}
	if v, ok := get("SECRETS_KEY"); ok {
		c.Secrets.Key = v
		c.Secrets.KeyFile = ""
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Telemetry.Logging.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Telemetry.Logging.Format = v
	}
	if v, ok := get("WORKERS_MAX_PARALLEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKERS_MAX_PARALLEL: %w", EnvPrefix, err)
		}
		c.Workers.MaxParallel = n
	}
	if v, ok := get("CALLBACK_URL"); ok {
		for i := range c.Executors {
			c.Executors[i].CallbackURL = v
		}
	}
	for _, kind := range []engine.DeployerKind{engine.DeployerKindTerraform, engine.DeployerKindOpenTofu} {
		v, ok := get(strings.ToUpper(string(kind)) + "_URL")
		if !ok {
			continue
		}
		if e := c.Executor(kind); e != nil {
			e.BaseURL = v
			continue
		}
		c.Executors = append(c.Executors, executor.DefaultConfig(kind, v))
	}
	return nil
}

// Executor returns the executor configured for kind, or nil.
func (c *Config) Executor(kind engine.DeployerKind) *executor.Config {
	for i := range c.Executors {
		if c.Executors[i].Kind == kind {
			return &c.Executors[i]
		}
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[engine.DeployerKind]bool, len(c.Executors))
	for _, e := range c.Executors {
		if seen[e.Kind] {
			return fmt.Errorf("invalid configuration: executor %s configured twice", e.Kind)
		}
		seen[e.Kind] = true
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// SecretKey returns the configured base64 master key, reading KeyFile when
// set. An empty result means no key is configured.
func (c *Config) SecretKey() (string, error) {
	if c.Secrets.KeyFile == "" {
		return c.Secrets.Key, nil
	}
	data, err := os.ReadFile(c.Secrets.KeyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read secrets key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

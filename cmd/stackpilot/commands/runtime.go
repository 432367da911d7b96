package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/deployers/executor"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/policy"
	"github.com/stackpilot/stackpilot/pkg/providers"
	"github.com/stackpilot/stackpilot/pkg/secrets"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
	"github.com/stackpilot/stackpilot/pkg/template"
)

// runtime holds the wired components of one process.
type runtime struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry

	store        *stores.SQLiteStore
	codec        *secrets.Codec
	templates    *template.Loader
	policies     *policy.Manager
	policyLoader *policy.Loader
	builder      *engine.Builder
	orchestrator *engine.Orchestrator
	dispatcher   *engine.Dispatcher
}

// loadConfig reads the file named by --config, or the defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens and migrates the record store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newCodec builds the secret codec. Without a configured key an ephemeral
// one is generated; values encrypted with it cannot be read by another
// process.
func newCodec(cfg *config.Config, logger zerolog.Logger) (*secrets.Codec, error) {
	key, err := cfg.SecretKey()
	if err != nil {
		return nil, err
	}
	if key == "" {
		logger.Warn().Msg("no secrets key configured, using an ephemeral key")
		if key, err = secrets.GenerateKey(); err != nil {
			return nil, err
		}
	}
	return secrets.NewCodecFromBase64(key)
}

// newRuntime wires every component. Server processes log through the
// configured telemetry logger; other commands keep the CLI logger so that
// command output stays clean.
func newRuntime(ctx context.Context, cfg *config.Config, serverLogging bool) (*runtime, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger := log.Logger
	if serverLogging {
		logger = tel.Logger.Zerolog()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		store:     store,
	}

	if rt.codec, err = newCodec(cfg, logger); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	variables := template.NewVariableValidator()
	rt.templates = template.NewLoader(variables)

	deployers := make([]engine.Deployment, 0, len(cfg.Executors))
	for _, ec := range cfg.Executors {
		deployers = append(deployers, executor.NewClient(ec, rt.codec, logger, executor.WithObserver(tel.Metrics)))
	}

	evaluator := policy.NewEvaluator(logger)
	rt.policies = policy.NewManager(store, evaluator, logger)
	rt.policyLoader = policy.NewLoader(logger)

	registry := engine.NewDeployerRegistry(deployers...)
	logger.Debug().Interface("deployers", registry.Kinds()).Msg("executors configured")

	handlers := engine.NewHandlerRegistry(providers.All(logger)...)
	rt.builder = engine.NewBuilder(store, handlers, variables, rt.codec, logger)
	rt.orchestrator = engine.NewOrchestrator(engine.Options{
		Store:     store,
		Builder:   rt.builder,
		Deployers: registry,
		Gate:      engine.NewPolicyGate(rt.policies, tel.Metrics, logger),
		Codec:     rt.codec,
		Audit:     store,
		Recorder:  tel.Metrics,
		Logger:    logger,
	})
	rt.dispatcher = engine.NewDispatcher(cfg.Workers.MaxParallel, tel.Metrics, logger)

	return rt, nil
}

// loadGlobalPolicies installs the configured global policy set.
func (rt *runtime) loadGlobalPolicies(ctx context.Context, watch bool) error {
	return rt.policies.LoadGlobal(ctx, rt.policyLoader, rt.cfg.Policy.Dirs, watch && rt.cfg.Policy.Watch)
}

// registerTemplates registers every template file under the configured
// directories.
func (rt *runtime) registerTemplates(ctx context.Context) error {
	for _, dir := range rt.cfg.Templates.Dirs {
		files, err := templateFiles(dir)
		if err != nil {
			return err
		}
		for _, file := range files {
			if _, err := rt.registerTemplate(ctx, file); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
		}
	}
	return nil
}

func (rt *runtime) registerTemplate(ctx context.Context, path string) (*engine.ServiceTemplate, error) {
	tmpl, err := rt.templates.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := rt.store.StoreTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	rt.logger.Info().
		Str("template", tmpl.Name).
		Str("version", tmpl.Version).
		Str("provider", string(tmpl.Provider)).
		Msg("template registered")
	return tmpl, nil
}

// Close drains the dispatcher and releases every resource.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.dispatcher != nil {
		if err := rt.dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	if rt.policyLoader != nil {
		if err := rt.policyLoader.StopWatching(); err != nil {
			errs = append(errs, fmt.Errorf("policy watcher: %w", err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if rt.telemetry != nil {
		if err := rt.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withRuntime runs fn with a fully wired runtime and closes it afterwards.
func withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}()
	return fn(rt)
}

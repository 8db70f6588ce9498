package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/regionctl/pkg/api"
	"github.com/openfroyo/regionctl/pkg/config"
	"github.com/openfroyo/regionctl/pkg/engine"
	"github.com/openfroyo/regionctl/pkg/executor/client"
	"github.com/openfroyo/regionctl/pkg/policy"
	"github.com/openfroyo/regionctl/pkg/stores"
	"github.com/openfroyo/regionctl/pkg/telemetry"
)

// app holds the wired orchestrator for one command invocation.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     *stores.SQLiteStore
	telemetry *telemetry.Telemetry
	policy    *policy.Engine
	values    *config.DirValuesSource
	secrets   *config.EnvSecretSource

	registry    *engine.WorkspaceRegistry
	resolver    *engine.ParameterResolver
	planner     *engine.Planner
	gate        *engine.ApprovalGate
	coordinator *engine.Coordinator

	policyLoader *policy.Loader
}

// appOptions adjust wiring per command.
type appOptions struct {
	// AutoApprove overrides approval.auto_approve when set.
	AutoApprove bool
}

// loadConfig reads the configuration selected by --config or the environment.
func loadConfig(ctx context.Context) (*config.Config, string, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// openStore opens and migrates the SQLite store named by the configuration.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (*stores.SQLiteStore, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// telemetryConfig maps the file's telemetry section onto the telemetry defaults.
func telemetryConfig(cfg config.TelemetryConfig) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if cfg.LogLevel == "debug" || cfg.LogLevel == "trace" {
		tc = telemetry.DevelopmentConfig()
	}
	tc.ServiceVersion = buildVersion
	tc.Logging.Level = cfg.LogLevel
	tc.Logging.Format = cfg.LogFormat
	tc.Metrics.Enabled = cfg.MetricsEnabled
	tc.Metrics.ListenAddress = cfg.MetricsListen
	tc.Tracing.Exporter = cfg.TracingExporter
	tc.Tracing.Enabled = cfg.TracingExporter != "none"
	tc.Tracing.Endpoint = cfg.TracingEndpoint
	return tc
}

// lockHolder names this process in lease records.
func lockHolder(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "regionctl"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// newPolicyEngine builds the change set policy engine with policy_dir loaded
// and disabled_policies applied. With watch set, policy_dir is reloaded on
// change until ctx is done and the returned loader is non-nil.
func newPolicyEngine(ctx context.Context, cfg config.ApprovalConfig, logger zerolog.Logger, watch bool) (*policy.Engine, *policy.Loader, error) {
	pol, err := policy.NewEngine(logger,
		policy.WithLimits(policy.Limits{
			MaxDeletes:         cfg.MaxDeletes,
			ProtectedResources: cfg.ProtectedResources,
		}),
		policy.WithApprovers(cfg.Approvers),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	var loader *policy.Loader
	switch {
	case cfg.PolicyDir != "" && watch:
		loader, err = pol.WatchPolicies(ctx, []string{cfg.PolicyDir})
	case cfg.PolicyDir != "":
		err = pol.LoadPolicies(ctx, []string{cfg.PolicyDir})
	}
	if err != nil {
		return nil, nil, err
	}

	for _, name := range cfg.DisabledPolicies {
		if err := pol.DisablePolicy(name); err != nil {
			if loader != nil {
				_ = loader.StopWatching()
			}
			return nil, nil, fmt.Errorf("approval.disabled_policies: %w", err)
		}
	}
	return pol, loader, nil
}

// newApp wires configuration, storage, policy, telemetry and the engine.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, path, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	if path != "" {
		logger.Debug().Str("config", path).Msg("Configuration loaded")
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	a.store = store

	backend, err := stores.OpenStateBackend(ctx, stores.BackendConfig{
		Type: cfg.Backend.Type,
		S3: stores.S3Config{
			Bucket:       cfg.Backend.Bucket,
			Prefix:       cfg.Backend.Prefix,
			Endpoint:     cfg.Backend.Endpoint,
			Region:       cfg.Backend.Region,
			UsePathStyle: cfg.Backend.UsePathStyle,
		},
	}, store)
	if err != nil {
		return err
	}

	pol, loader, err := newPolicyEngine(ctx, cfg.Approval, a.logger, true)
	if err != nil {
		return err
	}
	a.policy = pol
	a.policyLoader = loader

	iac, err := client.NewProcessExecutor(&client.ProcessLauncher{
		Command: cfg.Executor.Command,
		Args:    cfg.Executor.Args,
		WorkDir: cfg.Executor.WorkDir,
	}, client.Config{Timeout: cfg.Executor.Timeout.D()}, a.logger)
	if err != nil {
		return err
	}

	observer := a.telemetry.Observer
	a.values = config.NewDirValuesSource(cfg.Parameters.ValuesDir)
	a.secrets = config.NewEnvSecretSource(cfg.Parameters.SecretPrefix)

	a.registry = engine.NewWorkspaceRegistry(store, cfg.Backend.PartitionPrefix, a.logger)
	a.resolver = engine.NewParameterResolver(engine.ResolverConfig{
		Defaults:       cfg.Parameters.Defaults,
		Required:       cfg.Parameters.Required,
		NonOverridable: cfg.Parameters.NonOverridable,
	}, a.values, a.logger)
	a.planner = engine.NewPlanner(backend, iac, pol, a.logger)
	a.gate = engine.NewApprovalGate(cfg.Approval.Timeout.D(), a.logger,
		engine.WithApprovalStore(store),
		engine.WithAuthorizer(pol),
		engine.WithGateObserver(observer),
	)

	executor := engine.NewExecutor(backend, a.registry, a.gate, iac, engine.ExecutorConfig{
		Holder:   lockHolder(cfg.Lock.Holder),
		LockTTL:  cfg.Lock.TTL.D(),
		Notifier: observer,
		Audit:    store,
		Observer: observer,
	}, a.logger)

	a.coordinator = engine.NewCoordinator(a.registry, a.resolver, a.planner, a.gate, executor, engine.CoordinatorConfig{
		ApprovalTimeout: cfg.Approval.Timeout.D(),
		AutoApprove:     cfg.Approval.AutoApprove || opts.AutoApprove,
		Secrets:         a.secrets,
		Observer:        observer,
	}, a.logger)

	return nil
}

// apiServer builds the HTTP API over this app's gate and registry.
func (a *app) apiServer(listen string) *api.Server {
	if listen == "" {
		listen = a.cfg.Server.Listen
	}
	apiCfg := api.Config{Listen: listen}
	for _, t := range a.cfg.Server.Tokens {
		apiCfg.Tokens = append(apiCfg.Tokens, api.TokenConfig{Actor: t.Actor, Token: t.Token, Scopes: t.Scopes})
	}
	if len(apiCfg.Tokens) == 0 {
		a.logger.Warn().Msg("No server.tokens configured, the API only serves /healthz and /metrics")
	}
	if a.cfg.Telemetry.MetricsEnabled {
		apiCfg.Metrics = a.telemetry.Metrics.Handler()
	}
	return api.New(apiCfg, a.gate, a.registry, a.logger)
}

// targetRegions returns the named regions, or every region with a values
// document when none are named.
func (a *app) targetRegions(names []string) ([]engine.Region, error) {
	if len(names) == 0 {
		regions, err := a.values.Regions()
		if err != nil {
			return nil, err
		}
		if len(regions) == 0 {
			return nil, fmt.Errorf("no regions given and no values documents in %s", a.cfg.Parameters.ValuesDir)
		}
		return regions, nil
	}

	regions := make([]engine.Region, 0, len(names))
	seen := make(map[engine.Region]bool, len(names))
	for _, name := range names {
		r := engine.Region(name)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if !seen[r] {
			seen[r] = true
			regions = append(regions, r)
		}
	}
	return regions, nil
}

// Close releases the store, stops the policy watcher and flushes telemetry.
func (a *app) Close() {
	if a.policyLoader != nil {
		if err := a.policyLoader.StopWatching(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop policy watcher")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

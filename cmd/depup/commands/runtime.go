package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/deployupdate/pkg/config"
	"github.com/openfroyo/deployupdate/pkg/deployupdate"
	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/policy"
	"github.com/openfroyo/deployupdate/pkg/stores"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
	"github.com/openfroyo/deployupdate/pkg/topology"
	"github.com/openfroyo/deployupdate/pkg/workflows"
)

// runtime is the wired service behind a command invocation.
type runtime struct {
	cfg      *config.ServiceConfig
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	store    *stores.SQLiteStore
	policies *policy.Engine
	manager  *deployupdate.Manager

	queue      engine.ExecutionQueue
	memQueue   *workflows.MemoryQueue
	redisQueue *workflows.RedisQueue
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(opts *globalOptions) (*config.ServiceConfig, error) {
	cfg, err := config.LoadServiceConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.Telemetry.LogLevel = strings.ToLower(opts.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openRuntime builds telemetry, the migrated store, the execution channel,
// the policy engine and the update manager.
func openRuntime(ctx context.Context, opts *globalOptions) (rt *runtime, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt = &runtime{cfg: cfg, tel: tel, logger: tel.Logger.WithComponent("cli")}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	rt.store = store
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	switch cfg.Queue.Backend {
	case config.QueueRedis:
		q, err := workflows.NewRedisQueue(ctx, cfg.RedisQueueConfig(), tel.Logger)
		if err != nil {
			return nil, err
		}
		rt.redisQueue, rt.queue = q, q
	default:
		q := workflows.NewMemoryQueue(cfg.Queue.Size)
		rt.memQueue, rt.queue = q, q
	}

	mopts := []deployupdate.Option{deployupdate.WithTelemetry(tel)}
	if cfg.Policies.Enabled {
		var popts []policy.EngineOption
		if !cfg.Policies.Builtins {
			popts = append(popts, policy.WithoutBuiltins())
		}
		pe, err := policy.NewEngine(tel.Logger.Zerolog(), popts...)
		if err != nil {
			return nil, err
		}
		if len(cfg.Policies.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
				return nil, err
			}
		}
		rt.policies = pe
		mopts = append(mopts, deployupdate.WithPolicy(pe))
	}

	rt.manager = deployupdate.NewManager(store, topology.NewDiffer(), rt.queue, mopts...)
	return rt, nil
}

// completionHandler finalizes updates through the runtime's manager.
func (rt *runtime) completionHandler() *workflows.CompletionHandler {
	return workflows.NewCompletionHandler(rt.store, rt.manager, rt.tel)
}

// drain runs the requests an in-process queue holds to completion. With the
// memory backend nothing outlives the command, so dispatched workflows are
// executed before it returns. It is a no-op for the Redis backend.
func (rt *runtime) drain(ctx context.Context) error {
	if rt.memQueue == nil {
		return nil
	}
	rt.memQueue.Close()
	if rt.memQueue.Len() == 0 {
		return nil
	}
	runner := workflows.NewLocalRunner(rt.memQueue, rt.completionHandler(), rt.tel,
		workflows.WithWorkers(rt.cfg.Queue.Workers))
	return runner.Run(ctx)
}

// Close releases the store, the queue and telemetry.
func (rt *runtime) Close() {
	if rt.memQueue != nil {
		rt.memQueue.Close()
	}
	if rt.redisQueue != nil {
		if err := rt.redisQueue.Close(); err != nil {
			rt.logger.WithError(err).Warn("failed to close redis queue")
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).Warn("failed to close store")
		}
	}
	if err := rt.tel.Shutdown(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}

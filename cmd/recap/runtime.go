package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alekspetrov/recap/internal/adapters"
	"github.com/alekspetrov/recap/internal/adapters/backlog"
	"github.com/alekspetrov/recap/internal/adapters/jira"
	"github.com/alekspetrov/recap/internal/adapters/slack"
	"github.com/alekspetrov/recap/internal/archive"
	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/config"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
	"github.com/alekspetrov/recap/internal/metrics"
	"github.com/alekspetrov/recap/internal/store/memory"
	"github.com/alekspetrov/recap/internal/store/redisstore"
	"github.com/alekspetrov/recap/internal/store/sqlite"
	"github.com/alekspetrov/recap/internal/summarizer"
)

// closableStore is a durable store that owns a connection.
type closableStore interface {
	durable.Store
	Close() error
}

// runtime is the wired engine shared by serve and the operator commands.
type runtime struct {
	cfg      *config.Config
	store    closableStore
	registry *durable.Registry
	executor *durable.Executor
	trackers *adapters.Registry
	resolver *completion.Resolver
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// openStore opens the configured backend and the matching instance locker.
func openStore(ctx context.Context, cfg *config.StoreConfig) (closableStore, durable.Locker, error) {
	switch cfg.Type {
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, durable.NewLocalLocker(), nil
	case config.StoreRedis:
		s, err := redisstore.Open(ctx, *cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, redisstore.NewLocker(s.Client(), cfg.Redis.KeyPrefix, cfg.LockTTL), nil
	case config.StoreMemory:
		return memory.New(), durable.NewLocalLocker(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// newTrackers registers every enabled tracker.
func newTrackers(cfg *config.Config) *adapters.Registry {
	reg := adapters.NewRegistry()
	if cfg.Backlog != nil && cfg.Backlog.Enabled {
		reg.Register(backlog.NewAdapter(cfg.Backlog))
	}
	if cfg.Jira != nil && cfg.Jira.Enabled {
		reg.Register(jira.NewAdapter(cfg.Jira))
	}
	return reg
}

// newRuntime wires store, callbacks, executor and the approval workflow.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, locker, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	summ, err := newSummarizer(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := durable.NewRegistry(store)
	executor := durable.NewExecutor(store, registry, durable.Options{
		Workers:   cfg.Workflow.Workers,
		QueueSize: cfg.Workflow.QueueSize,
		Retry:     cfg.Workflow.Retry,
		Locker:    locker,
	})

	trackers := newTrackers(cfg)
	executor.Register(completion.NewWorkflow(trackers, slack.NewNotifier(cfg.Slack), summ, cfg.Workflow.ApprovalTimeout))

	m := metrics.New(executor.QueueDepth)
	executor.AddObserver(m)

	return &runtime{
		cfg:      cfg,
		store:    store,
		registry: registry,
		executor: executor,
		trackers: trackers,
		resolver: completion.NewResolver(registry),
		metrics:  m,
		log:      logging.WithComponent("recap"),
	}, nil
}

// newSummarizer is a variable so tests can avoid cloud credentials.
var newSummarizer = func(ctx context.Context, cfg *config.Config) (completion.Summarizer, error) {
	s, err := summarizer.New(ctx, cfg.Summarizer)
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	return s, nil
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(ctx context.Context, cfg *archive.Config) (durable.Archiver, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	a, err := archive.NewS3Archiver(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return a, nil
}

// settle runs the instance in this process until it suspends or finishes,
// so an operator action takes effect without a running server. Retries wait
// out their backoff here rather than on a timer that dies with the command.
// An instance held by another process is left to that process.
func (rt *runtime) settle(ctx context.Context, id string) (*durable.Instance, error) {
	inst, err := rt.executor.Settle(ctx, id)
	if errors.Is(err, durable.ErrLocked) {
		rt.log.Info("Instance is running elsewhere", slog.String("instance_id", id))
		return rt.store.GetInstance(ctx, id)
	}
	return inst, err
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

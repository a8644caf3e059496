package durable

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/recap/internal/logging"
)

// Resumer re-enqueues running instances whose retry was never picked up.
type Resumer interface {
	ResumeStale(ctx context.Context, grace time.Duration) (int, error)
}

// Archiver stores a snapshot of a terminal instance before it is purged.
type Archiver interface {
	Archive(ctx context.Context, snap *Snapshot) error
}

// SweeperConfig holds the background maintenance schedules.
type SweeperConfig struct {
	// TimeoutSchedule is the cron spec for settling expired callbacks.
	TimeoutSchedule string `yaml:"timeout_schedule"`
	// PurgeSchedule is the cron spec for removing old terminal instances.
	PurgeSchedule string `yaml:"purge_schedule"`
	// Retention is how long terminal instances are kept. Zero disables purging.
	Retention time.Duration `yaml:"retention"`
	// StaleSchedule is the cron spec for resuming running instances whose
	// retry is overdue by more than StaleAfter.
	StaleSchedule string        `yaml:"stale_schedule"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

// DefaultSweeperConfig returns a one-minute timeout sweep, a daily purge of
// instances older than 30 days, and a stale check every minute.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		TimeoutSchedule: "@every 1m",
		PurgeSchedule:   "@daily",
		Retention:       30 * 24 * time.Hour,
		StaleSchedule:   "@every 1m",
		StaleAfter:      2 * time.Minute,
	}
}

// Sweeper runs callback timeouts and retention purges on a cron schedule.
type Sweeper struct {
	registry *Registry
	store    Store
	archiver Archiver
	resumer  Resumer
	config   SweeperConfig
	cron     *cron.Cron
	log      *slog.Logger

	mu      sync.Mutex
	running bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithResumer enables the stale instance job.
func WithResumer(r Resumer) SweeperOption {
	return func(s *Sweeper) { s.resumer = r }
}

// NewSweeper creates a sweeper. archiver may be nil.
func NewSweeper(registry *Registry, store Store, archiver Archiver, cfg SweeperConfig, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		registry: registry,
		store:    store,
		archiver: archiver,
		config:   cfg,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		log:      logging.WithComponent("durable.sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the jobs and blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.config.TimeoutSchedule != "" {
		if _, err := s.cron.AddFunc(s.config.TimeoutSchedule, func() {
			if _, err := s.SweepTimeouts(ctx); err != nil {
				s.log.Error("Timeout sweep failed", slog.Any("error", err))
			}
		}); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid timeout schedule %q: %w", s.config.TimeoutSchedule, err)
		}
	}
	if s.config.PurgeSchedule != "" && s.config.Retention > 0 {
		if _, err := s.cron.AddFunc(s.config.PurgeSchedule, func() {
			if _, err := s.Purge(ctx); err != nil {
				s.log.Error("Purge failed", slog.Any("error", err))
			}
		}); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid purge schedule %q: %w", s.config.PurgeSchedule, err)
		}
	}
	if s.config.StaleSchedule != "" && s.resumer != nil {
		if _, err := s.cron.AddFunc(s.config.StaleSchedule, func() {
			if _, err := s.ResumeStale(ctx); err != nil {
				s.log.Error("Stale instance check failed", slog.Any("error", err))
			}
		}); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid stale schedule %q: %w", s.config.StaleSchedule, err)
		}
	}
	s.cron.Start()
	s.running = true
	s.mu.Unlock()

	s.log.Info("Sweeper started",
		slog.String("timeout_schedule", s.config.TimeoutSchedule),
		slog.String("purge_schedule", s.config.PurgeSchedule),
		slog.Duration("retention", s.config.Retention))

	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info("Sweeper stopped")
	return nil
}

// SweepTimeouts settles expired callbacks; resolutions wake their instances.
func (s *Sweeper) SweepTimeouts(ctx context.Context) (int, error) {
	return s.registry.Sweep(ctx)
}

// ResumeStale re-enqueues running instances whose retry is overdue.
func (s *Sweeper) ResumeStale(ctx context.Context) (int, error) {
	if s.resumer == nil {
		return 0, nil
	}
	return s.resumer.ResumeStale(ctx, s.config.StaleAfter)
}

// Purge archives and deletes terminal instances last updated before the
// retention window.
func (s *Sweeper) Purge(ctx context.Context) (int, error) {
	if s.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.Retention)
	insts, err := s.store.ListInstances(ctx, InstanceFilter{
		Statuses:      []Status{StatusCompleted, StatusRejected, StatusFailed},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired instances: %w", err)
	}

	purged := 0
	for _, inst := range insts {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		if s.archiver != nil {
			snap, err := snapshot(ctx, s.store, inst)
			if err != nil {
				return purged, err
			}
			if err := s.archiver.Archive(ctx, snap); err != nil {
				s.log.Warn("Archive failed, keeping instance",
					slog.String("instance_id", inst.ID),
					slog.Any("error", err))
				continue
			}
		}
		if err := s.store.DeleteInstance(ctx, inst.ID); err != nil {
			return purged, fmt.Errorf("delete instance %s: %w", inst.ID, err)
		}
		purged++
	}
	if purged > 0 {
		s.log.Info("Purged instances", slog.Int("count", purged), slog.Time("cutoff", cutoff))
	}
	return purged, nil
}

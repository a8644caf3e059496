package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alekspetrov/recap/internal/adapters/slack"
	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/gateway"
	"github.com/alekspetrov/recap/internal/logging"
	"github.com/alekspetrov/recap/internal/metrics"
	"github.com/alekspetrov/recap/internal/webhooks"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway and workflow executor",
		Long: `Start the gateway, the executor worker pool and the callback sweeper.

Instances left running or suspended by a previous process are recovered on
startup. SIGINT or SIGTERM stops intake and lets in-flight passes finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Gateway.Port = port
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			return serve(ctx, rt)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override gateway.port")
	return cmd
}

// serve runs the gateway, executor, sweeper and webhook delivery until ctx
// is cancelled or one of them fails.
func serve(ctx context.Context, rt *runtime) error {
	archiver, err := newArchiver(ctx, rt.cfg.Archive)
	if err != nil {
		return err
	}
	sweeper := durable.NewSweeper(rt.registry, rt.store, archiver, rt.cfg.Workflow.Sweeper, durable.WithResumer(rt.executor))
	hooks := webhooks.NewManager(rt.cfg.Webhooks)

	server := gateway.NewServer(rt.cfg.Gateway, gateway.Deps{
		Trackers:     rt.trackers,
		Trigger:      completion.NewTrigger(rt.executor),
		Interactions: slack.NewInteractionHandler(rt.cfg.Slack.SigningSecret, meteredResolver{next: rt.resolver, metrics: rt.metrics}),
		Instances:    rt.executor,
		Metrics:      rt.metrics.Handler(),
		Recorder:     rt.metrics,
	}, gateway.WithAuthConfig(rt.cfg.Auth))

	rt.executor.AddObserver(server.Events())
	rt.executor.AddObserver(hooks)

	recovered, err := rt.executor.Recover(ctx)
	if err != nil {
		return err
	}
	rt.log.Info("Recap starting",
		slog.String("version", version),
		slog.Any("trackers", rt.trackers.Names()),
		slog.String("store", rt.cfg.Store.Type),
		slog.Int("recovered", recovered))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.executor.Serve(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error {
		hooks.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Start(gctx) })
	return g.Wait()
}

// meteredResolver counts approval clicks.
type meteredResolver struct {
	next    slack.Resolver
	metrics *metrics.Metrics
}

func (r meteredResolver) Resolve(ctx context.Context, in completion.Interaction) completion.Ack {
	ack := r.next.Resolve(ctx, in)
	r.metrics.Interaction(in.Approved, ack.ReplaceOriginal)
	return ack
}

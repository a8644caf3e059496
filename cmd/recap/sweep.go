package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/recap/internal/durable"
)

func newSweepCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Time out expired approvals once, optionally purging old instances",
		Long: `Run the callback sweeper once. Expired approvals are resolved as timed out
and their instances run to completion in this process. With --purge, terminal
instances older than workflow.sweeper.retention are archived (when archive is
enabled) and deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				archiver, err := newArchiver(ctx, rt.cfg.Archive)
				if err != nil {
					return err
				}
				sweeper := durable.NewSweeper(rt.registry, rt.store, archiver, rt.cfg.Workflow.Sweeper)

				suspended, err := rt.executor.List(ctx, durable.InstanceFilter{Statuses: []durable.Status{durable.StatusSuspended}})
				if err != nil {
					return err
				}
				expired, err := sweeper.SweepTimeouts(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d approval(s)\n", expired)
				if expired > 0 {
					for _, inst := range suspended {
						if _, err := rt.settle(ctx, inst.ID); err != nil {
							return err
						}
					}
				}

				if purge {
					n, err := sweeper.Purge(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Purged %d instance(s)\n", n)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also purge terminal instances past retention")
	return cmd
}

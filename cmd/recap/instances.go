package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/recap/internal/durable"
)

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"instance", "i"},
		Short:   "Inspect and replay workflow instances",
		Long: `List, inspect and replay approval workflow instances in the configured store.

Examples:
  recap instances list --status suspended
  recap instances show 0f8c...
  recap instances replay 0f8c...`,
	}

	cmd.AddCommand(
		newInstancesListCmd(),
		newInstancesShowCmd(),
		newInstancesReplayCmd(),
	)
	return cmd
}

func newInstancesListCmd() *cobra.Command {
	var (
		statuses   []string
		itemKey    string
		limit      int
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := durable.InstanceFilter{ItemKey: itemKey, Limit: limit}
			for _, s := range statuses {
				st := durable.Status(s)
				if !st.Valid() {
					return durable.NewValidationError("status", "unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				insts, err := rt.executor.List(ctx, filter)
				if err != nil {
					return err
				}
				if outputJSON {
					return writeJSON(cmd, insts)
				}
				renderInstances(cmd.OutOrStdout(), insts)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&itemKey, "item", "", "filter by item key")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum instances to show")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

func newInstancesShowCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an instance and its recorded steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				snap, err := rt.executor.Inspect(ctx, args[0])
				if err != nil {
					return err
				}
				if outputJSON {
					return writeJSON(cmd, snap)
				}
				renderSnapshot(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

func newInstancesReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-run a failed instance from its first unrecorded step",
		Long: `Replay a failed instance. Steps that already recorded a result are not
repeated, so comments and messages that were sent are not sent twice.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.executor.Replay(ctx, args[0]); err != nil {
					return err
				}
				inst, err := rt.settle(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n",
					successStyle.Render("✓"), inst.ID, statusStyle(inst.Status).Render(string(inst.Status)))
				return nil
			})
		},
	}
}

// withRuntime loads config, builds the runtime and closes it after fn.
func withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return fn(ctx, rt)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

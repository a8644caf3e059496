package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/recap/internal/completion"
)

func newCallbacksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callbacks",
		Short: "Resolve pending approval callbacks",
	}
	cmd.AddCommand(newCallbacksResolveCmd())
	return cmd
}

func newCallbacksResolveCmd() *cobra.Command {
	var (
		approve bool
		reject  bool
		actor   string
	)

	cmd := &cobra.Command{
		Use:   "resolve <callback-id>",
		Short: "Approve or reject a pending approval without Slack",
		Long: `Resolve an approval callback as if the reviewer had clicked in Slack.
Only the first resolution of a callback is applied; resolving a settled or
expired callback changes nothing.

Examples:
  recap callbacks resolve 7d1e... --approve --actor alice
  recap callbacks resolve 7d1e... --reject`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}

			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				cb, err := rt.registry.Check(ctx, args[0])
				if err != nil {
					return err
				}
				ack := rt.resolver.Resolve(ctx, completion.Interaction{
					CallbackID: cb.ID,
					Approved:   approve,
					ActorName:  actor,
				})
				if !ack.ReplaceOriginal {
					return fmt.Errorf("%s: %w", ack.Text, errNotApplied)
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(ack.Text))

				inst, err := rt.settle(ctx, cb.InstanceID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Instance %s is now %s\n",
					inst.ID, statusStyle(inst.Status).Render(string(inst.Status)))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "approve the summary")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the summary")
	cmd.Flags().StringVar(&actor, "actor", "cli", "name recorded as the reviewer")
	return cmd
}

var errNotApplied = errors.New("callback not resolved")

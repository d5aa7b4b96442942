package cli

import (
	"context"
	"fmt"

	"github.com/nidhogg/warmth-engine/internal/app"
	"github.com/spf13/cobra"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Refresh every cached score and band once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rep, err := a.Recomputer.Run(ctx)
			if perr := printJSON(cmd, rep); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("recompute: %w", err)
			}
			if rep.Errors > 0 {
				return fmt.Errorf("recompute: %d of %d rows failed", rep.Errors, rep.Checked)
			}
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Append one history row per contact",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rep, err := a.Snapshots.Run(ctx)
			if perr := printJSON(cmd, rep); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			if rep.Errors > 0 {
				return fmt.Errorf("snapshot: %d of %d rows failed", rep.Errors, rep.Total)
			}
			return nil
		})
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print contact counts by band",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sum, err := a.Service.Summary(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, sum)
		})
	},
}

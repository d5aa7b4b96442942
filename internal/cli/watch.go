package cli

import (
	"context"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/app"
	"github.com/spf13/cobra"
)

var (
	watchStatus    string
	watchThreshold float64
)

var watchCmd = &cobra.Command{
	Use:   "watch <contact>",
	Short: "Opt a contact into cooling alerts",
	Long: "watch stores a watch for the contact. Alerts fire only while its score is below the threshold; " +
		"a threshold of 0 uses the default of 30.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := alert.ParseWatchStatus(watchStatus)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			w, err := a.Service.Watch(ctx, args[0], status, watchThreshold)
			if err != nil {
				return err
			}
			return printJSON(cmd, w)
		})
	},
}

var unwatchCmd = &cobra.Command{
	Use:   "unwatch <contact>",
	Short: "Stop cooling alerts for a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Service.Unwatch(ctx, args[0])
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchStatus, "status", string(alert.WatchNormal), "watch, important or vip")
	watchCmd.Flags().Float64Var(&watchThreshold, "threshold", 0, "alert when the score falls below this value")
}

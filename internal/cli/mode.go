package cli

import (
	"context"

	"github.com/nidhogg/warmth-engine/internal/app"
	"github.com/nidhogg/warmth-engine/internal/warmth"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <contact>",
	Short: "Create the warmth state for a new contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			st, err := a.Service.CreateState(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		})
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode <contact>",
	Short: "Show a contact's decay mode, score and band as of now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			view, err := a.Service.GetWarmthMode(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		})
	},
}

var switchCmd = &cobra.Command{
	Use:       "switch <contact> <mode>",
	Short:     "Change a contact's decay mode without changing its score",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"slow", "medium", "fast", "test"},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := warmth.ParseMode(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Service.SwitchMode(ctx, args[0], mode)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

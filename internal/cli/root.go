package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nidhogg/warmth-engine/internal/app"
	"github.com/nidhogg/warmth-engine/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "warmthctl",
	Short: "Operate the warmth engine",
	Long: "warmthctl runs the warmth batch passes once and inspects or changes a contact's decay mode. " +
		"Point a scheduler such as cron at `warmthctl recompute` and `warmthctl snapshot`.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/warmth.json"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override server.log_level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(unwatchCmd)
}

// withApp loads configuration, builds the engine and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.Server.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger, err := app.NewLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{}, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

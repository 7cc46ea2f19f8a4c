package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"careplan-service/internal/config"
	"careplan-service/internal/platform/database"
	"careplan-service/internal/platform/logging"
)

var (
	configPath string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "careplan",
	Short: "Patient intake and care-plan service",
	Long: `careplan accepts patient intakes, produces a triage care plan from a remote
model or the built-in heuristic, records every plan in an append-only audit
log, keeps the cached patient roster consistent and emits domain events.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Development); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(cmd.Context(), cfg.Database.URL, database.RetryPolicy{
			Attempts: cfg.Database.ConnectAttempts,
			Wait:     cfg.Database.ConnectWait,
		}, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		return database.Migrate(db, logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

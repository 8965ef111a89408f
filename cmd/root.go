package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// DB is the lazily connected database shared by subcommands. Nil when no URL is configured.
	DB *store.Lazy
	// Cfg is the loaded configuration
	Cfg *config.Config

	dbURL      string
	configPath string
	verbose    bool
)

// Version is the application version.
const Version = "0.1.0"

// dbRetryInterval bounds how often a down database is retried.
const dbRetryInterval = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Multi-camera face recognition attendance engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// The flag wins over the file and the environment
		if dbURL != "" {
			cfg.Database.URL = dbURL
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
		}
		Cfg = cfg

		if cfg.Database.URL != "" {
			dbCfg := cfg.Database
			DB = store.NewLazy(func(ctx context.Context) (store.Backend, error) {
				return store.Open(ctx, dbCfg)
			}, dbRetryInterval, newLogger())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			if err := DB.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to close database: %v\n", err)
			}
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		// A missing .env is fine; the environment may already be set
		_ = godotenv.Load()
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (cameras are hot-reloaded from it)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database URL, postgres://... or mysql://... (default: DATABASE_URL or POSTGRES_* env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// newLogger returns the structured logger used by the long-running components.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// requireDB returns the database or exits when none is configured.
func requireDB() *store.Lazy {
	if DB == nil {
		utils.Die("No database configured", fmt.Errorf("set --db, DATABASE_URL or POSTGRES_HOST"), nil)
	}
	return DB
}

// workerConfig maps the configuration onto the model sidecar settings.
func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Python:             cfg.Worker.Python,
		Script:             cfg.Worker.Script,
		DetectionThreshold: cfg.Recognition.DetectionThreshold,
		ReadTimeout:        cfg.Worker.ReadTimeout,
		Debug:              verbose,
	}
}

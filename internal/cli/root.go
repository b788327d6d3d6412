package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/jobpool/internal/config"
	"github.com/me/jobpool/internal/logging"
	"github.com/me/jobpool/internal/store"
)

var (
	flagConfig    string
	flagDB        string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// defaultConfig returns the config path from JOBPOOL_CONFIG, if set.
func defaultConfig() string {
	return os.Getenv("JOBPOOL_CONFIG")
}

// NewRootCmd creates the root cobra command for the pool CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pool",
		Short: "jobpool: batch pipeline job scheduler",
		Long: "jobpool groups downloaded raw data into jobs, submits them to a batch queue,\n" +
			"retries failures and hands finished results to the uploader.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagDB != "" {
				loaded.Store.Path = flagDB
			}
			if cmd.Flags().Changed("log-level") {
				loaded.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				loaded.LogFormat = flagLogFormat
			}
			if flagDebug {
				loaded.LogLevel = "debug"
			}
			cfg = loaded
			logger = logging.NewWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfig(), "Path to YAML config file (or JOBPOOL_CONFIG env)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "Database path (overrides store.path)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newJobsCmd(),
		newShowCmd(),
		newKillCmd(),
		newStopCmd(),
		newAddFilesCmd(),
		newFilesCmd(),
		newRequestsCmd(),
		newSummaryCmd(),
	)

	return root
}

// openStore opens and migrates the configured database. Lock contention is
// retried per store.retry_backoff and store.retry_ceiling.
func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	policy := store.RetryPolicy{
		Backoff:     cfg.Store.RetryBackoff,
		MaxAttempts: cfg.Store.RetryCeiling,
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path, logger, store.WithRetryPolicy(policy))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Store.Path, err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database %s: %w", cfg.Store.Path, err)
	}
	return st, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Database ready: %s\n", cfg.Store.Path)
			return nil
		},
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/jobpool/internal/metrics"
	"github.com/me/jobpool/internal/notify"
	"github.com/me/jobpool/internal/queue"
	"github.com/me/jobpool/internal/scheduler"
	"github.com/me/jobpool/internal/server"
	"github.com/me/jobpool/internal/upload"
)

func newRunCmd() *cobra.Command {
	var (
		once bool
		addr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop",
		Long: "Run the scheduler loop until interrupted. With --addr, the status API\n" +
			"and Prometheus metrics are served alongside it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("database ready", "path", cfg.Store.Path)

			q, err := queue.New(cfg.Queue, logger)
			if err != nil {
				return err
			}

			notifier, err := notify.New(cfg.Notify, logger)
			if err != nil {
				return err
			}
			collector := metrics.NewCollector()
			opts := []scheduler.Option{
				scheduler.WithNotifier(notify.NewDispatcher(notifier, cfg.Notify.Timeout, logger), cfg.Notify.TerminalFailures),
				scheduler.WithMetrics(collector),
			}
			if cfg.Upload.Enabled {
				up, err := upload.NewS3Uploader(ctx, cfg.Upload, logger)
				if err != nil {
					return err
				}
				opts = append(opts, scheduler.WithUploader(up))
				logger.Info("uploader ready", "bucket", cfg.Upload.Bucket, "prefix", cfg.Upload.Prefix)
			}

			loop := scheduler.NewLoop(st, q, cfg.Pool, logger, opts...)
			if once {
				if err := loop.Tick(ctx); err != nil {
					return fmt.Errorf("pass failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Pass complete.")
				return nil
			}

			if addr == "" {
				addr = cfg.Metrics.Addr
			}
			if addr != "" {
				srv := server.New(st, logger, server.WithQueue(q), server.WithMetrics(collector))
				go func() {
					if err := srv.ListenAndServe(ctx, addr); err != nil {
						logger.Error("status server failed", "error", err)
						stop()
					}
				}()
			}

			err = loop.Start(ctx)
			if errors.Is(err, context.Canceled) {
				logger.Info("scheduler stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	cmd.Flags().StringVar(&addr, "addr", "", "Status API listen address (overrides metrics.addr)")
	return cmd
}

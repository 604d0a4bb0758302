package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/config"
)

func newServeCmd() *cobra.Command {
	var addr, dbPath string
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the scheduling loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appConfig
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Server.DBPath = dbPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, clock.Real{}, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if flagConfig != "" {
				if err := config.Watch(ctx, flagConfig, app.Config, logger, nil); err != nil {
					logger.Warn("config hot reload disabled", "error", err)
				}
			}

			httpServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           app.Server,
				ReadHeaderTimeout: 10 * time.Second,
			}

			if !noScheduler {
				app.Server.StartScheduler(ctx)
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", cfg.Server.Addr,
					"instance", cfg.Scheduler.InstanceIndex, "instances", cfg.Scheduler.InstanceCount)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}
			logger.Info("shutting down")

			// Stop the loops before the HTTP server so in-flight ticks finish.
			if err := app.Server.StopScheduler(); err != nil {
				logger.Error("scheduler stop error", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (default ~/.dispatch/dispatch.db)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API only; another instance runs the loops")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appConfig.Server
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date.")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (default ~/.dispatch/dispatch.db)")
	return cmd
}

func newTickCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one pass of every scheduling loop and exit",
		Long: "tick runs broadcast, expiry, liveness and fail-fast once over every " +
			"account this instance owns. Useful from cron or for debugging.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appConfig
			if dbPath != "" {
				cfg.Server.DBPath = dbPath
			}
			app, err := NewApp(cmd.Context(), cfg, clock.Real{}, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Driver.Tick(cmd.Context()); err != nil {
				return fmt.Errorf("tick: %w", err)
			}
			s := app.Metrics.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "Tick done: %d broadcasts, %d expired, %d disconnected\n",
				s.Broadcasts, s.Expired, s.Disconnected)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (default ~/.dispatch/dispatch.db)")
	return cmd
}

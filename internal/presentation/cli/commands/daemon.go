package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jbctechsolutions/taxsync/internal/application"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/config"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
)

// serverShutdownTimeout bounds how long the metrics server gets to drain.
const serverShutdownTimeout = 5 * time.Second

// NewDaemonCmd creates the daemon command.
func NewDaemonCmd() *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync loop",
		Long: `Run the sync engine in the foreground until interrupted.

The daemon drains the queue whenever connectivity returns, on every poll
interval and when a scheduled retry comes due. With metrics enabled it
serves Prometheus metrics on the configured address. On SIGINT or SIGTERM
it stops the loop and makes one last best-effort flush of queued changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := GetAppContext()
			if app == nil || app.Container == nil {
				return errNotInitialized
			}
			return runDaemon(cmd.Context(), app, watchConfig)
		},
	}

	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "apply log level changes from the config file without restarting")

	return cmd
}

func runDaemon(ctx context.Context, app *AppContext, watchConfig bool) error {
	container := app.Container
	logger := container.Logger()
	cfg := container.Config()

	if err := container.StartBackground(ctx); err != nil {
		return fmt.Errorf("failed to start sync loop: %w", err)
	}
	logger.Info("daemon started",
		"database", container.DatabasePath(),
		"connectivity", cfg.Connectivity.Mode,
		"poll_interval", cfg.Sync.PollInterval.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Observability.Metrics.Enabled {
		server := newMetricsServer(cfg.Observability.Metrics.Address, container)
		g.Go(func() error {
			logger.Info("serving metrics", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if watchConfig {
		g.Go(func() error {
			return watchLogLevel(gctx, app.ConfigPath, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	// The command context is already cancelled; the flush gets its own budget.
	result, err := container.Shutdown(context.Background())
	if err != nil {
		logger.Error("shutdown flush failed", "error", err)
	}
	logger.Info("daemon stopped",
		"flushed", result.Succeeded,
		"attempted", result.Attempted,
		"skipped", result.SkipReason,
	)

	return runErr
}

func newMetricsServer(addr string, container *application.Container) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", container.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// watchLogLevel follows the config file and applies logging level changes.
// Other settings need a restart.
func watchLogLevel(ctx context.Context, configPath string, logger *logging.Logger) error {
	loader, err := config.NewLoader("")
	if err != nil {
		return err
	}
	err = loader.WatchFile(ctx, configPath, func(cfg *config.Config) {
		logger.SetLevel(logging.Level(cfg.Logging.Level))
		logger.Info("log level reloaded", "level", cfg.Logging.Level)
	}, func(err error) {
		logger.Warn("config reload failed", "error", err)
	})
	if err != nil {
		// A missing config directory is not fatal for the daemon.
		logger.Warn("config watch disabled", "error", err)
	}
	return nil
}

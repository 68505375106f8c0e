// Package commands implements the CLI commands for taxsync.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/taxsync/internal/application"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/config"
	"github.com/jbctechsolutions/taxsync/internal/presentation/cli/output"
)

// Version information - set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalFlags holds the global CLI flags.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	Verbose    bool
	Offline    bool
}

// AppContext holds the application runtime context.
type AppContext struct {
	Config     *config.Config
	ConfigPath string
	Formatter  *output.Formatter
	Flags      *GlobalFlags
	Container  *application.Container
}

var (
	globalFlags GlobalFlags
	appCtx      *AppContext
	appCtxMu    sync.RWMutex // Protects appCtx for thread-safe access
)

// errNotInitialized is returned by commands run without an app context.
var errNotInitialized = errors.New("application not initialized")

// NewRootCmd creates the root command for the taxsync CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taxsync",
		Short: "Taxsync - offline-first tax return sync",
		Long: `Taxsync keeps tax-return edits in a durable local queue and syncs
them to the filing service whenever it is reachable.

Key features:
  • Durable mutation queue that survives restarts
  • Batched sync with progressive retry and a shared circuit breaker
  • Version-based conflict resolution
  • Two-tier cache for deterministic computations`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip initialization for help, version, init, and completion commands
			switch cmd.Name() {
			case "help", "version", "completion", "init":
				return nil
			}
			return initializeApp(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeApp()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file path (default: ~/.taxsync/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Output, "output", "o", "text", "output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Offline, "offline", false, "start offline (manual connectivity mode)")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewSyncCmd())
	rootCmd.AddCommand(NewCacheCmd())
	rootCmd.AddCommand(NewBreakerCmd())
	rootCmd.AddCommand(NewDaemonCmd())

	return rootCmd
}

// newFormatter builds a formatter for cmd honoring the --output flag.
func newFormatter(cmd *cobra.Command) *output.Formatter {
	format, err := output.ParseFormat(globalFlags.Output)
	if err != nil {
		format = output.FormatText
	}
	return output.NewFormatter(
		output.WithWriter(cmd.OutOrStdout()),
		output.WithFormat(format),
		output.WithColor(format != output.FormatJSON && output.ColorSupported()),
	)
}

// initializeApp initializes the application context.
func initializeApp(cmd *cobra.Command) error {
	formatter := newFormatter(cmd)

	// Load or create default config
	cfg, err := loadConfig(globalFlags.ConfigFile)
	if err != nil {
		return err
	}

	// Initialize the application container with all dependencies
	container, err := application.NewContainer(cfg, application.Options{
		Verbose: globalFlags.Verbose,
		Offline: globalFlags.Offline,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	appCtxMu.Lock()
	prev := appCtx
	appCtx = &AppContext{
		Config:     cfg,
		ConfigPath: globalFlags.ConfigFile,
		Formatter:  formatter,
		Flags:      &globalFlags,
		Container:  container,
	}
	appCtxMu.Unlock()

	if prev != nil && prev.Container != nil {
		_ = prev.Container.Close()
	}
	return nil
}

// closeApp releases the container created by initializeApp.
func closeApp() error {
	appCtxMu.Lock()
	defer appCtxMu.Unlock()

	if appCtx == nil || appCtx.Container == nil {
		return nil
	}
	err := appCtx.Container.Close()
	appCtx.Container = nil
	return err
}

// loadConfig loads configuration from the specified file or default location.
func loadConfig(configPath string) (*config.Config, error) {
	loader, err := config.NewLoader("")
	if err != nil {
		return nil, fmt.Errorf("failed to create config loader: %w", err)
	}

	if configPath != "" {
		return loader.LoadFromFile(configPath)
	}
	return loader.Load("")
}

// GetAppContext returns the current application context.
// Returns nil if the app hasn't been initialized.
func GetAppContext() *AppContext {
	appCtxMu.RLock()
	defer appCtxMu.RUnlock()
	return appCtx
}

// GetFormatter returns the output formatter.
// Creates a default formatter if app context is not initialized.
func GetFormatter() *output.Formatter {
	appCtxMu.RLock()
	ctx := appCtx
	appCtxMu.RUnlock()

	if ctx != nil {
		return ctx.Formatter
	}
	return output.NewFormatter()
}

// GetContainer returns the application container.
// Returns nil if the app hasn't been initialized.
func GetContainer() *application.Container {
	appCtxMu.RLock()
	ctx := appCtx
	appCtxMu.RUnlock()

	if ctx != nil {
		return ctx.Container
	}
	return nil
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so long-running commands can shut down cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		GetFormatter().Error("%s", err.Error())
		_ = closeApp()
		stop()
		os.Exit(1)
	}
}

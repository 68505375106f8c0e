package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/taxsync/internal/infrastructure/config"
)

// InitResult holds the result of the init command for JSON output.
type InitResult struct {
	ConfigDir   string `json:"config_dir"`
	ConfigFile  string `json:"config_file"`
	Database    string `json:"database"`
	Initialized bool   `json:"initialized"`
}

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	var (
		force   bool
		baseURL string
		mode    string
		natsURL string
		encrypt bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a taxsync configuration file",
		Long: `Create ~/.taxsync/ and write config.yaml with default settings.

Flags override individual defaults. An existing file is kept unless
--force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			loader, err := config.NewLoader("")
			if err != nil {
				return fmt.Errorf("failed to create config loader: %w", err)
			}

			path := globalFlags.ConfigFile
			if path == "" {
				path = loader.DefaultConfigPath()
			}

			result := InitResult{
				ConfigDir:  loader.ConfigDir(),
				ConfigFile: path,
				Database:   loader.DefaultDatabasePath(),
			}

			if _, err := os.Stat(path); err == nil && !force {
				if formatter.IsJSON() {
					return formatter.JSON(result)
				}
				formatter.Warning("Configuration already exists at %s", path)
				formatter.Info("Use --force to overwrite it")
				return nil
			}

			cfg := config.NewDefaultConfig()
			cfg.Remote.BaseURL = baseURL
			cfg.Security.EncryptPayloads = encrypt
			if mode != "" {
				cfg.Connectivity.Mode = mode
			}
			if natsURL != "" {
				cfg.Connectivity.NATSURL = natsURL
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := loader.Save(cfg, path); err != nil {
				return err
			}
			result.Initialized = true

			if formatter.IsJSON() {
				return formatter.JSON(result)
			}
			formatter.Success("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "filing service base URL")
	cmd.Flags().StringVar(&mode, "connectivity", "", "connectivity mode: manual, nats, file")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL for nats connectivity")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt queued payloads at rest")

	return cmd
}

package main

import (
	"accessd/internal/config"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by all commands. Flags that are set
// override the environment and the config file.
type RootOptions struct {
	ConfigFile string
	DataDir    string
	LogLevel   string
}

// NewRootCommand creates the root command. Running it without a
// subcommand starts the service.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	serve := NewServeCommand(opts)

	cmd := &cobra.Command{
		Use:           "accessd",
		Short:         "Resource store and analysis job runner",
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().AddFlagSet(serve.Flags())

	bindRootFlags(cmd, opts)

	cmd.AddCommand(serve)
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// bindRootFlags registers the global flags on cmd.
func bindRootFlags(cmd *cobra.Command, opts *RootOptions) {
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file (overrides CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "directory for the manifest and stored files")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
}

// loadConfig reads the service configuration and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.ServiceConfig, error) {
	if opts.ConfigFile != "" {
		if err := os.Setenv("CONFIG_FILE", opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = opts.DataDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	return cfg, nil
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/logiwatch/incident-orchestrator/internal/client"
	"github.com/logiwatch/incident-orchestrator/internal/config"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Server     string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "incidentctl",
		Short:   "Incident discovery and live resolution orchestrator",
		Version: fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Server == "" {
				opts.Server = os.Getenv("IO_SERVER")
			}
			if opts.Server == "" {
				opts.Server = "http://localhost:9810"
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "orchestrator base URL for client commands (default $IO_SERVER or http://localhost:9810)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newDeclareCommand(opts))
	cmd.AddCommand(newDiscoverCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newResetCommand(opts))

	return cmd
}

func (o *rootOptions) client() *client.Client {
	return client.New(o.Server)
}

// resolveConfigPath applies --config > IO_CONFIG > config.json in the cwd.
// An empty result means built-in defaults.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("IO_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}

func loadConfig(flagPath string) (*config.Config, error) {
	path := resolveConfigPath(flagPath)
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func parseLevel(s string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging installs the default slog handler for the process.
func setupLogging(cfg *config.Config, verbose bool) {
	hopts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel, verbose)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

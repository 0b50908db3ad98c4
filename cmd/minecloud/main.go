// ABOUTME: Entry point for the minecloud server and its admin commands
// ABOUTME: Cobra root command with serve, token, status and init subcommands

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// version is overridden with -ldflags at build time.
var version = "dev"

const banner = `
           _                 _                 _
 _ __ ___ (_)_ __   ___  ___| | ___  _   _  __| |
| '_ ' _ \| | '_ \ / _ \/ __| |/ _ \| | | |/ _' |
| | | | | | | | | |  __/ (__| | (_) | |_| | (_| |
|_| |_| |_|_|_| |_|\___|\___|_|\___/ \__,_|\__,_|
`

// configFlag holds --config; empty means getConfigPath decides.
var configFlag string

// getConfigPath returns the path to the config file.
// Priority: --config > MINECLOUD_CONFIG > XDG_CONFIG_HOME/minecloud/config.yaml > ~/.config/minecloud/config.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("MINECLOUD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "minecloud", "config.yaml")
}

// getDataPath returns the minecloud data directory.
// Priority: XDG_DATA_HOME/minecloud > ~/.local/share/minecloud
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "minecloud")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "minecloud",
		Short:        "On-demand game server launcher",
		Long:         "minecloud launches a single cloud instance on request, tracks it through its lifecycle, and streams state changes to browsers.",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default $MINECLOUD_CONFIG or ~/.config/minecloud/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newInitCmd())
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

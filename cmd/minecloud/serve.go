// ABOUTME: serve subcommand that loads config and runs the gateway until interrupted
// ABOUTME: Prints the startup banner before handing off to structured logging

package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/minecloud/internal/config"
	"github.com/2389/minecloud/internal/gateway"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and lifecycle workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			printStartup(cmd.OutOrStdout(), configPath, cfg)
			logger := setupLogger(cfg.Logging)

			logger.Info("starting minecloud",
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"provider", cfg.Provider.Type,
				"bus", cfg.Bus.Backend,
			)

			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(w io.Writer, configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	if cfg.Tailscale.Enabled {
		line("Tailscale", cfg.Tailscale.Hostname)
	} else {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	line("Database", cfg.Database.Path)
	line("Provider", cfg.Provider.Type)

	bus := cfg.Bus.Backend + "/" + cfg.Bus.Cache
	if cfg.Bus.Backend == config.BusBackendNotify {
		bus = cfg.Bus.Backend + "/" + cfg.Bus.Broker
	}
	line("Bus", bus)

	if cfg.Auth.JWTSecret == "" {
		yellow.Fprintln(w, "    ! auth disabled: every request runs as anonymous")
	}
	fmt.Fprintln(w)
}

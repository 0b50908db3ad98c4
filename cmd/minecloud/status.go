// ABOUTME: status subcommand that asks a running server for the live instance
// ABOUTME: Authenticates with a token minted from the local config secret

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/minecloud/internal/auth"
	"github.com/2389/minecloud/internal/config"
	"github.com/2389/minecloud/internal/gateway"
)

func newStatusCmd() *cobra.Command {
	var (
		serverURL string
		user      string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the live instance and who is on it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if serverURL == "" {
				serverURL = baseURL(cfg)
			}

			status, err := fetchStatus(cmd.Context(), serverURL, cfg.Auth.JWTSecret, user)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "", "server base URL (default derived from config)")
	cmd.Flags().StringVar(&user, "user", "minecloud-cli", "user to authenticate as")
	return cmd
}

// baseURL derives where the configured server listens.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func fetchStatus(ctx context.Context, serverURL, secret, user string) (*gateway.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/instance", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if secret != "" {
		token, err := auth.NewJWTVerifier([]byte(secret)).Generate(user, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("signing token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var status gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &status, nil
}

func printStatus(w io.Writer, status *gateway.StatusResponse) {
	if status.Error != "" {
		color.New(color.FgRed, color.Bold).Fprintf(w, "error: %s\n", status.Error)
		return
	}

	inst := status.Instance
	if inst == nil {
		color.New(color.FgHiBlack).Fprintln(w, "no instance is running")
		return
	}

	stateColor := color.New(color.FgYellow)
	switch inst.State {
	case "running":
		stateColor = color.New(color.FgGreen)
	case "shutting_down":
		stateColor = color.New(color.FgRed)
	}

	fmt.Fprintf(w, "instance:  %s\n", inst.ID)
	fmt.Fprint(w, "state:     ")
	stateColor.Fprintln(w, inst.State)
	if inst.ProviderInstanceID != "" {
		fmt.Fprintf(w, "provider:  %s\n", inst.ProviderInstanceID)
	}
	if inst.IPAddress != "" {
		fmt.Fprintf(w, "address:   %s\n", inst.IPAddress)
	}
	fmt.Fprintf(w, "launched:  %s by %s\n", inst.StartedAt.Local().Format(time.DateTime), inst.LaunchedBy)

	if len(status.Sessions) == 0 {
		return
	}
	fmt.Fprintln(w, "players:")
	for _, s := range status.Sessions {
		fmt.Fprintf(w, "  %s (since %s)\n", s.UserID, s.Login.Local().Format(time.TimeOnly))
	}
}

// ABOUTME: init subcommand that writes a starter config file
// ABOUTME: Prompts for the main settings, generates a JWT secret and renders YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/minecloud/internal/config"
)

func newInitCmd() *cobra.Command {
	var (
		useDefaults bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), getConfigPath(), getDataPath(), useDefaults, force)
		},
	}
	cmd.Flags().BoolVar(&useDefaults, "defaults", false, "accept every default without prompting")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// prompter asks questions on in/out, or returns defaults when disabled.
type prompter struct {
	reader   *bufio.Reader
	out      io.Writer
	defaults bool
}

func (p *prompter) ask(question, defaultVal string) string {
	if p.defaults {
		return defaultVal
	}
	if defaultVal != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}

	input, err := p.reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil || input == "" {
		return defaultVal
	}
	return input
}

func (p *prompter) yes(question string, def bool) bool {
	d := "no"
	if def {
		d = "yes"
	}
	answer := strings.ToLower(p.ask(question, d))
	return answer == "yes" || answer == "y"
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(in io.Reader, out io.Writer, configPath, dataPath string, useDefaults, force bool) error {
	p := &prompter{reader: bufio.NewReader(in), out: out, defaults: useDefaults}

	if _, err := os.Stat(configPath); err == nil && !force {
		if useDefaults || !p.yes(fmt.Sprintf("%s exists. Overwrite?", configPath), false) {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
		}
	}

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = p.ask("HTTP address", "localhost:8080")
	cfg.Database.Path = p.ask("SQLite database path", filepath.Join(dataPath, "minecloud.db"))

	cfg.Provider.Type = p.ask("Cloud provider (ec2/simulated)", config.ProviderSimulated)
	if cfg.Provider.Type == config.ProviderEC2 {
		cfg.Provider.Region = p.ask("AWS region", "us-west-2")
		cfg.Provider.ImageID = p.ask("Image (AMI) ID", "")
		cfg.Provider.KeyPair = p.ask("Key pair name", "MinecraftEC2")
		cfg.Provider.SecurityGroups = []string{p.ask("Security group", "minecraft")}
		cfg.Provider.InstanceType = p.ask("Instance type", "m1.small")
	}

	cfg.Bus.Backend = p.ask("Event bus (cache/notify)", config.BusBackendCache)
	if cfg.Bus.Backend == config.BusBackendNotify {
		cfg.Bus.Broker = p.ask("Notify broker (memory/postgres)", config.BrokerMemory)
		if cfg.Bus.Broker == config.BrokerPostgres {
			cfg.Bus.PostgresDSN = p.ask("Postgres DSN", "${DATABASE_URL}")
		}
	}

	if p.yes("Enable Tailscale?", false) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = p.ask("Tailscale hostname", "minecloud")
		cfg.Tailscale.AuthKey = p.ask("Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.HTTPS = p.yes("Serve HTTPS with tailnet certs?", true)
	}

	if p.yes("Require API tokens?", true) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = secret
	}

	cfg.Logging.Level = p.ask("Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = p.ask("Log format (text/json)", "text")

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}

	data, err := renderConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", configPath)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  minecloud serve")
	if cfg.Auth.JWTSecret != "" {
		fmt.Fprintln(out, "\nTo mint a token for a player:")
		fmt.Fprintln(out, "  minecloud token <name>")
	}
	return nil
}

// renderConfig writes durations back into their string fields and marshals YAML.
func renderConfig(cfg *config.Config) ([]byte, error) {
	cfg.Auth.TokenTTLRaw = cfg.Auth.TokenTTL.String()
	cfg.Bus.PollIntervalRaw = cfg.Bus.PollInterval.String()
	cfg.Bus.CacheTTLRaw = cfg.Bus.CacheTTL.String()
	cfg.Stream.TimeoutRaw = cfg.Stream.Timeout.String()
	cfg.Stream.KeepaliveIntervalRaw = cfg.Stream.KeepaliveInterval.String()
	cfg.Lifecycle.BootPollIntervalRaw = cfg.Lifecycle.BootPollInterval.String()
	cfg.Lifecycle.CheckDelayRaw = cfg.Lifecycle.CheckDelay.String()
	cfg.Provider.SimulatedBootRaw = cfg.Provider.SimulatedBoot.String()
	cfg.Jobs.PollIntervalRaw = cfg.Jobs.PollInterval.String()

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	header := "# minecloud configuration\n# Generated by minecloud init\n\n"
	return append([]byte(header), body...), nil
}

// ABOUTME: Tests for the minecloud CLI commands
// ABOUTME: Covers config path resolution, init, token, status and log formatting

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/minecloud/internal/auth"
	"github.com/2389/minecloud/internal/config"
	"github.com/2389/minecloud/internal/gateway"
)

func resetFlags(t *testing.T) {
	t.Helper()
	configFlag = ""
	t.Cleanup(func() { configFlag = "" })
}

func TestGetConfigPath(t *testing.T) {
	resetFlags(t)

	t.Setenv("MINECLOUD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "minecloud", "config.yaml"), getConfigPath())

	t.Setenv("MINECLOUD_CONFIG", "/etc/minecloud.yaml")
	assert.Equal(t, "/etc/minecloud.yaml", getConfigPath())

	configFlag = "/tmp/flag.yaml"
	assert.Equal(t, "/tmp/flag.yaml", getConfigPath())
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func initConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	_, err := execute(t, "", "--config", path, "init", "--defaults")
	require.NoError(t, err)
	return path
}

func TestInit_Defaults(t *testing.T) {
	path := initConfig(t)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, config.ProviderSimulated, cfg.Provider.Type)
	assert.Equal(t, config.BusBackendCache, cfg.Bus.Backend)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.CheckDelay)
	assert.Equal(t, 15*time.Second, cfg.Stream.KeepaliveInterval)
}

func TestInit_Interactive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	dbPath := filepath.Join(t.TempDir(), "data", "mc.db")

	answers := strings.Join([]string{
		"0.0.0.0:9090", // http
		dbPath,         // database
		"ec2",          // provider
		"eu-west-1",    // region
		"ami-1234",     // image
		"",             // key pair
		"",             // security group
		"t3.medium",    // instance type
		"notify",       // bus
		"memory",       // broker
		"no",           // tailscale
		"no",           // tokens
		"debug",        // log level
		"json",         // log format
	}, "\n") + "\n"

	_, err := execute(t, answers, "--config", path, "init")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.Equal(t, config.ProviderEC2, cfg.Provider.Type)
	assert.Equal(t, "eu-west-1", cfg.Provider.Region)
	assert.Equal(t, "ami-1234", cfg.Provider.ImageID)
	assert.Equal(t, "MinecraftEC2", cfg.Provider.KeyPair)
	assert.Equal(t, []string{"minecraft"}, cfg.Provider.SecurityGroups)
	assert.Equal(t, "t3.medium", cfg.Provider.InstanceType)
	assert.Equal(t, config.BusBackendNotify, cfg.Bus.Backend)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.DirExists(t, filepath.Dir(dbPath))
}

func TestInit_RefusesOverwrite(t *testing.T) {
	path := initConfig(t)

	_, err := execute(t, "", "--config", path, "init", "--defaults")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "", "--config", path, "init", "--defaults", "--force")
	assert.NoError(t, err)
}

func TestToken(t *testing.T) {
	path := initConfig(t)

	out, err := execute(t, "", "--config", path, "token", "steve")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	user, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "steve", user)
}

func TestToken_RequiresSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: localhost:8080\ndatabase:\n  path: /tmp/mc.db\n"), 0o600))

	_, err := execute(t, "", "--config", path, "token", "steve")
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestStatus(t *testing.T) {
	path := initConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, err := verifier.Verify(token)
		if err != nil || user != "ops" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(gateway.StatusResponse{
			Instance: &gateway.InstanceResponse{
				ID:         "inst-1",
				State:      "running",
				IPAddress:  "203.0.113.9",
				LaunchedBy: "alex",
				StartedAt:  time.Now(),
			},
			Sessions: []gateway.SessionResponse{{UserID: "sam", Login: time.Now()}},
		})
	}))
	defer srv.Close()

	out, err := execute(t, "", "--config", path, "status", "--url", srv.URL, "--user", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "inst-1")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "203.0.113.9")
	assert.Contains(t, out, "sam")
}

func TestStatus_ServerError(t *testing.T) {
	path := initConfig(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := execute(t, "", "--config", path, "status", "--url", srv.URL)
	assert.ErrorContains(t, err, "401")
}

func TestBaseURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = ":8080"
	assert.Equal(t, "http://localhost:8080", baseURL(cfg))

	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "minecloud"
	cfg.Tailscale.HTTPS = true
	assert.Equal(t, "https://minecloud", baseURL(cfg))
}

func TestLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		slog.SetDefault(prev)
		color.NoColor = noColor
	})

	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.With("component", "lifecycle").WithGroup("job").Warn("check state attempts exhausted", "attempt", 60)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN")
	assert.Contains(t, out, "component=lifecycle")
	assert.Contains(t, out, "job.attempt=60")
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("instance requested", "provider_id", "i-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "instance requested", rec["msg"])
	assert.Equal(t, "i-1", rec["provider_id"])
}

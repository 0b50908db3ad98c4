// ABOUTME: Gateway wires registry, event bus, job queue and orchestrator behind one HTTP server
// ABOUTME: Runs the server and job workers together and shuts both down on context cancel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/minecloud/internal/auth"
	"github.com/2389/minecloud/internal/bus"
	"github.com/2389/minecloud/internal/config"
	"github.com/2389/minecloud/internal/jobs"
	"github.com/2389/minecloud/internal/lifecycle"
	"github.com/2389/minecloud/internal/provider"
	"github.com/2389/minecloud/internal/provider/ec2"
	"github.com/2389/minecloud/internal/store"
)

// Gateway serves the minecloud HTTP API and runs the lifecycle job workers.
type Gateway struct {
	config      *config.Config
	registry    store.Registry
	events      bus.EventBus
	scheduler   lifecycle.Scheduler
	queue       *jobs.Queue
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	now         func() time.Time

	// closeBus releases the bus and whatever the factory built for it.
	closeBus func() error

	// stopStreams ends open event streams so HTTP shutdown can finish.
	stopStreams context.CancelFunc

	// lastReload is the most recent reload marker, in Unix nanoseconds.
	lastReload atomic.Int64
}

// initStore opens the registry database. MINECLOUD_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MINECLOUD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewProvider builds the cloud provider selected by cfg.Type.
func NewProvider(cfg config.ProviderConfig, logger *slog.Logger) (provider.CloudProvider, error) {
	switch cfg.Type {
	case config.ProviderEC2:
		p, err := ec2.New(cfg.Region, logger)
		if err != nil {
			return nil, fmt.Errorf("creating ec2 provider: %w", err)
		}
		return p, nil
	case config.ProviderSimulated:
		return provider.NewSimulated(provider.SimulatedOptions{BootTime: cfg.SimulatedBoot}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// lifecycleConfig translates the lifecycle and provider sections.
func lifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	lc := lifecycle.Config{
		BootPollInterval: cfg.Lifecycle.BootPollInterval,
		CheckDelay:       cfg.Lifecycle.CheckDelay,
		MaxCheckAttempts: cfg.Lifecycle.MaxCheckAttempts,
		ImageID:          cfg.Provider.ImageID,
		Region:           cfg.Provider.Region,
		KeyPair:          cfg.Provider.KeyPair,
		SecurityGroups:   cfg.Provider.SecurityGroups,
		InstanceType:     cfg.Provider.InstanceType,
		BootstrapEnv:     cfg.Provider.BootstrapEnv,
	}
	if cfg.Provider.BootstrapTemplate != "" {
		tmpl, err := provider.LoadBootstrapTemplate(cfg.Provider.BootstrapTemplate)
		if err != nil {
			return lc, err
		}
		lc.BootstrapTemplate = tmpl
	}
	return lc, nil
}

// New builds every component from cfg. The caller must Run or Shutdown the
// returned gateway to release them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	events, closeBus, err := bus.New(ctx, cfg.Bus, bus.Deps{SQLCache: s.Cache(), Logger: logger})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating event bus: %w", err)
	}

	cloud, err := NewProvider(cfg.Provider, logger)
	if err != nil {
		closeBus()
		s.Close()
		return nil, err
	}

	lc, err := lifecycleConfig(cfg)
	if err != nil {
		closeBus()
		s.Close()
		return nil, err
	}

	queue := jobs.NewQueue(s, jobs.Options{
		Workers:      cfg.Jobs.Workers,
		PollInterval: cfg.Jobs.PollInterval,
	}, logger)

	orch := lifecycle.New(lifecycle.Deps{
		Registry:  s,
		Events:    events,
		Provider:  cloud,
		Scheduler: queue,
	}, lc, logger)
	orch.RegisterHandlers(queue)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	gw := newGateway(cfg, s, events, queue, verifier, logger)
	gw.queue = queue
	gw.closeBus = closeBus
	return gw, nil
}

// newGateway assembles the HTTP side around already-built components.
func newGateway(cfg *config.Config, registry store.Registry, events bus.EventBus, scheduler lifecycle.Scheduler, verifier auth.TokenVerifier, logger *slog.Logger) *Gateway {
	gw := &Gateway{
		config:    cfg,
		registry:  registry,
		events:    events,
		scheduler: scheduler,
		logger:    logger.With("component", "gateway"),
		now:       time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	gw.registerAPIRoutes(mux, auth.HTTPAuthMiddleware(verifier, logger))

	baseCtx, stop := context.WithCancel(context.Background())
	gw.stopStreams = stop
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return gw
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves HTTP and works the job queue until ctx is cancelled or either
// fails, then shuts down and releases every component.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		g.closeResources()
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if g.queue != nil {
		eg.Go(func() error {
			return g.queue.Run(egCtx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	err = eg.Wait()
	if cerr := g.closeResources(); err == nil {
		err = cerr
	}
	return err
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.stopServing(ctx)
}

// stopServing ends event streams, then stops accepting requests.
func (g *Gateway) stopServing(ctx context.Context) error {
	g.stopStreams()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	return errors.Join(errs...)
}

// closeResources releases the bus and the registry. It runs after the job
// workers have stopped so none of them write to a closed store.
func (g *Gateway) closeResources() error {
	var errs []error
	if g.closeBus != nil {
		errs = appendCloseError(errs, "event bus close", g.closeBus())
	}
	if g.registry != nil {
		errs = appendCloseError(errs, "store close", g.registry.Close())
	}
	return errors.Join(errs...)
}

// Shutdown stops a gateway that is not running under Run.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	return errors.Join(g.stopServing(ctx), g.closeResources())
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "minecloud", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.HTTPS {
		return g.createTailscaleTLSListener()
	}
	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener serves HTTPS with the tailnet's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ABOUTME: Drives an instance from initiating to terminated against a CloudProvider
// ABOUTME: Launch blocks through provider boot; CheckState self-reschedules with a bounded attempt count

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/minecloud/internal/bus"
	"github.com/2389/minecloud/internal/provider"
	"github.com/2389/minecloud/internal/store"
)

// Job kinds handled by the orchestrator
const (
	KindLaunch     = "launch"
	KindCheckState = "check_state"
	KindTerminate  = "terminate"
)

// Event names published to clients
const (
	EventReload    = "reload"
	EventName      = "name"
	EventIPAddress = "ip_address"
	EventState     = "state"
)

// Registry is the part of the instance store the orchestrator writes through.
type Registry interface {
	GetInstance(ctx context.Context, id string) (*store.Instance, error)
	AssignProvider(ctx context.Context, id, providerInstanceID, ipAddress string, state store.InstanceState) error
	UpdateState(ctx context.Context, id string, state store.InstanceState) error
	UpdateIPAddress(ctx context.Context, id, ipAddress string) error
	SetEndedAt(ctx context.Context, id string, endedAt time.Time) error
}

// Scheduler enqueues delayed jobs. jobs.Queue implements it.
type Scheduler interface {
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (string, error)
}

// Config holds timing and launch parameters.
type Config struct {
	BootPollInterval time.Duration
	CheckDelay       time.Duration
	MaxCheckAttempts int

	ImageID           string
	Region            string
	KeyPair           string
	SecurityGroups    []string
	InstanceType      string
	BootstrapTemplate string // template text; empty uses provider.DefaultBootstrapTemplate
	BootstrapEnv      map[string]string
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Registry  Registry
	Events    bus.Publisher
	Provider  provider.CloudProvider
	Scheduler Scheduler
	Waiter    Waiter           // default SleepWaiter
	Now       func() time.Time // default time.Now
}

// Orchestrator runs lifecycle steps. Each step is an independent job.
type Orchestrator struct {
	registry  Registry
	events    bus.Publisher
	provider  provider.CloudProvider
	scheduler Scheduler
	waiter    Waiter
	now       func() time.Time
	cfg       Config
	logger    *slog.Logger
}

// New creates an orchestrator. Pass nil logger for default.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Waiter == nil {
		deps.Waiter = SleepWaiter{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.BootstrapTemplate == "" {
		cfg.BootstrapTemplate = provider.DefaultBootstrapTemplate
	}
	return &Orchestrator{
		registry:  deps.Registry,
		events:    deps.Events,
		provider:  deps.Provider,
		scheduler: deps.Scheduler,
		waiter:    deps.Waiter,
		now:       deps.Now,
		cfg:       cfg,
		logger:    logger.With("component", "lifecycle"),
	}
}

// Launch starts a machine for an initiating instance and waits until the
// provider reports it has left pending. Provider errors are returned
// unretried; the instance keeps its last persisted state.
func (o *Orchestrator) Launch(ctx context.Context, instanceID string) error {
	logger := o.logger.With("instance_id", instanceID)

	inst, err := o.registry.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}
	if inst.ProviderInstanceID != "" {
		// A rerun after a crash; the machine was already recorded.
		logger.Warn("instance already launched, skipping", "provider_id", inst.ProviderInstanceID)
		return nil
	}
	if inst.State == store.StateTerminated {
		logger.Warn("instance terminated before launch, skipping")
		return nil
	}

	providerID, status, err := o.startMachine(ctx, logger, instanceID)
	if err != nil {
		return err
	}
	logger = logger.With("provider_id", providerID)

	ip, err := o.waitForBoot(ctx, logger, providerID, status)
	if err != nil {
		return err
	}

	err = o.registry.AssignProvider(ctx, instanceID, providerID, ip, store.StatePending)
	if errors.Is(err, store.ErrTerminated) {
		// Terminated while we waited; do not leave the machine running.
		logger.Warn("instance terminated during launch, releasing machine")
		if terr := o.provider.TerminateInstances(ctx, []string{providerID}); terr != nil {
			return fmt.Errorf("releasing orphaned machine: %w", terr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording provider instance: %w", err)
	}

	o.events.Publish(ctx, EventName, providerID)
	o.events.Publish(ctx, EventIPAddress, ip)

	inst, err = o.registry.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}
	if inst.State != store.StatePending {
		// Teardown was requested during boot; the queued terminate job
		// now finds the provider ID and takes it from here.
		logger.Info("teardown requested during launch", "state", inst.State)
		return nil
	}
	o.events.Publish(ctx, EventState, string(store.StatePending))

	return o.scheduleCheck(ctx, instanceID, store.StateRunning, 0)
}

// startMachine adopts a machine left by an interrupted earlier attempt, or
// requests a new one.
func (o *Orchestrator) startMachine(ctx context.Context, logger *slog.Logger, instanceID string) (string, provider.Status, error) {
	providerID, status, err := o.provider.FindInstance(ctx, provider.InstanceTag, instanceID)
	switch {
	case err == nil:
		logger.Warn("adopting machine from an earlier launch attempt", "provider_id", providerID, "status", status)
		return providerID, status, nil
	case !errors.Is(err, provider.ErrInstanceNotFound):
		logger.Warn("looking up earlier launch failed", "error", err)
	}

	payload, err := provider.RenderBootstrap(o.cfg.BootstrapTemplate, provider.BootstrapData{
		InstanceID: instanceID,
		Env:        o.cfg.BootstrapEnv,
	})
	if err != nil {
		return "", "", err
	}

	spec := provider.LaunchSpec{
		ImageID:          o.cfg.ImageID,
		Region:           o.cfg.Region,
		KeyPair:          o.cfg.KeyPair,
		SecurityGroups:   o.cfg.SecurityGroups,
		InstanceType:     o.cfg.InstanceType,
		BootstrapPayload: payload,
		Tags:             map[string]string{provider.InstanceTag: instanceID},
	}

	providerID, status, err = o.provider.RunInstance(ctx, spec)
	if err != nil {
		return "", "", fmt.Errorf("run instance: %w", err)
	}
	logger.Info("instance requested", "provider_id", providerID, "status", status)
	return providerID, status, nil
}

// waitForBoot polls the provider until the machine leaves pending and returns its IP.
func (o *Orchestrator) waitForBoot(ctx context.Context, logger *slog.Logger, providerID string, status provider.Status) (string, error) {
	var ip string
	for status == provider.StatusPending {
		if err := o.waiter.Wait(ctx, o.cfg.BootPollInterval); err != nil {
			return "", fmt.Errorf("waiting for boot: %w", err)
		}

		st, addr, err := o.provider.DescribeInstance(ctx, providerID)
		if err != nil {
			// New instances are briefly invisible to describe calls.
			logger.Warn("describe during boot failed", "error", err)
			continue
		}
		status, ip = st, addr
	}

	if ip == "" {
		if _, addr, err := o.provider.DescribeInstance(ctx, providerID); err == nil {
			ip = addr
		}
	}

	logger.Info("instance left pending", "status", status, "ip_address", ip)
	return ip, nil
}

// CheckState reconciles the instance with the provider, then compares the
// persisted state to expected. A match publishes one state event. A mismatch
// reschedules attempt+1 until MaxCheckAttempts, after which it stops with
// only a log line.
func (o *Orchestrator) CheckState(ctx context.Context, instanceID string, expected store.InstanceState, attempt int) error {
	logger := o.logger.With("instance_id", instanceID, "expected", expected, "attempt", attempt)

	inst, err := o.registry.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}

	if err := o.reconcile(ctx, logger, inst); err != nil {
		return err
	}

	inst, err = o.registry.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}

	if inst.State == expected {
		logger.Info("instance reached expected state")
		o.events.Publish(ctx, EventState, string(expected))
		return nil
	}

	if attempt < o.cfg.MaxCheckAttempts {
		logger.Debug("state mismatch, rescheduling", "state", inst.State)
		return o.scheduleCheck(ctx, instanceID, expected, attempt+1)
	}

	logger.Warn("check state attempts exhausted", "state", inst.State, "max_attempts", o.cfg.MaxCheckAttempts)
	return nil
}

// reconcile copies the provider's view of the machine into the registry.
// Describe failures are logged and leave the record unchanged.
func (o *Orchestrator) reconcile(ctx context.Context, logger *slog.Logger, inst *store.Instance) error {
	if inst.ProviderInstanceID == "" || inst.State == store.StateTerminated {
		return nil
	}

	status, ip, err := o.provider.DescribeInstance(ctx, inst.ProviderInstanceID)
	switch {
	case errors.Is(err, provider.ErrInstanceNotFound) && inst.EndedAt != nil:
		// Providers forget terminated machines after a while.
		status = provider.StatusTerminated
	case err != nil:
		logger.Warn("describe failed, treating as mismatch", "error", err)
		return nil
	}

	state, ok := stateFor(status)
	if inst.State == store.StateShuttingDown && (state == store.StatePending || state == store.StateRunning) {
		// Teardown was requested; the provider just hasn't caught up.
		ok = false
	}
	if ok && state != inst.State {
		err := o.registry.UpdateState(ctx, inst.ID, state)
		if err != nil && !errors.Is(err, store.ErrTerminated) {
			return fmt.Errorf("updating state: %w", err)
		}
		logger.Info("state reconciled", "from", inst.State, "to", state)
	}

	if ip != "" && ip != inst.IPAddress {
		if err := o.registry.UpdateIPAddress(ctx, inst.ID, ip); err != nil {
			return fmt.Errorf("updating ip address: %w", err)
		}
	}
	return nil
}

// stateFor maps a provider status to the instance state it implies.
func stateFor(status provider.Status) (store.InstanceState, bool) {
	switch status {
	case provider.StatusPending:
		return store.StatePending, true
	case provider.StatusRunning:
		return store.StateRunning, true
	case provider.StatusShuttingDown, provider.StatusStopping, provider.StatusStopped:
		return store.StateShuttingDown, true
	case provider.StatusTerminated:
		return store.StateTerminated, true
	}
	return "", false
}

// Terminate asks the provider to destroy the machine and records the end
// time. State is left for CheckState to confirm; callers that want an
// intermediate state set it before enqueueing this step.
func (o *Orchestrator) Terminate(ctx context.Context, instanceID string) error {
	logger := o.logger.With("instance_id", instanceID)

	inst, err := o.registry.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}

	if inst.ProviderInstanceID == "" {
		// Nothing exists at the provider yet. Closing the record here keeps
		// it from blocking future launches; Launch releases any machine it
		// starts afterwards.
		logger.Warn("terminating instance that was never launched")
		if err := o.registry.SetEndedAt(ctx, instanceID, o.now()); err != nil {
			return fmt.Errorf("recording end time: %w", err)
		}
		if err := o.registry.UpdateState(ctx, instanceID, store.StateTerminated); err != nil && !errors.Is(err, store.ErrTerminated) {
			return fmt.Errorf("updating state: %w", err)
		}
		o.events.Publish(ctx, EventState, string(store.StateTerminated))
		return nil
	}

	if err := o.provider.TerminateInstances(ctx, []string{inst.ProviderInstanceID}); err != nil {
		return fmt.Errorf("terminate instances: %w", err)
	}

	if err := o.registry.SetEndedAt(ctx, instanceID, o.now()); err != nil {
		return fmt.Errorf("recording end time: %w", err)
	}

	logger.Info("termination requested", "provider_id", inst.ProviderInstanceID)
	return o.scheduleCheck(ctx, instanceID, store.StateTerminated, 0)
}

func (o *Orchestrator) scheduleCheck(ctx context.Context, instanceID string, expected store.InstanceState, attempt int) error {
	_, err := o.scheduler.Enqueue(ctx, KindCheckState, CheckStatePayload{
		InstanceID: instanceID,
		Expected:   expected,
		Attempt:    attempt,
	}, o.cfg.CheckDelay)
	if err != nil {
		return fmt.Errorf("scheduling state check: %w", err)
	}
	return nil
}

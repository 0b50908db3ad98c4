// ABOUTME: In-process CloudProvider driven by a clock, for local runs and tests
// ABOUTME: Machines boot after BootTime and finish terminating after ShutdownTime

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SimulatedOptions tunes a Simulated provider. Zero values take the defaults.
type SimulatedOptions struct {
	BootTime     time.Duration    // default 20s
	ShutdownTime time.Duration    // default BootTime / 2
	Now          func() time.Time // default time.Now
}

type simInstance struct {
	id           string
	ip           string
	tags         map[string]string
	launchedAt   time.Time
	terminatedAt *time.Time
}

// Simulated pretends to be a cloud. Nothing leaves the process.
type Simulated struct {
	mu        sync.Mutex
	opts      SimulatedOptions
	seq       int
	instances map[string]*simInstance
	logger    *slog.Logger
}

// NewSimulated creates a simulated provider. Pass nil logger for default.
func NewSimulated(opts SimulatedOptions, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BootTime <= 0 {
		opts.BootTime = 20 * time.Second
	}
	if opts.ShutdownTime <= 0 {
		opts.ShutdownTime = opts.BootTime / 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulated{
		opts:      opts,
		instances: make(map[string]*simInstance),
		logger:    logger.With("component", "provider", "provider", "simulated"),
	}
}

// RunInstance registers a new machine in pending.
func (s *Simulated) RunInstance(ctx context.Context, spec LaunchSpec) (string, Status, error) {
	if spec.ImageID == "" {
		return "", "", fmt.Errorf("image id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	inst := &simInstance{
		id:         fmt.Sprintf("sim-%08x", s.seq),
		ip:         fmt.Sprintf("203.0.113.%d", s.seq%250+1),
		tags:       spec.Tags,
		launchedAt: s.opts.Now(),
	}
	s.instances[inst.id] = inst

	s.logger.Info("simulated instance launched",
		"provider_id", inst.id,
		"image_id", spec.ImageID,
		"instance_type", spec.InstanceType,
		"bootstrap_bytes", len(spec.BootstrapPayload))
	return inst.id, StatusPending, nil
}

// DescribeInstance reports the status implied by the clock.
func (s *Simulated) DescribeInstance(ctx context.Context, providerID string) (Status, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[providerID]
	if !ok {
		return "", "", ErrInstanceNotFound
	}

	status := s.statusLocked(inst)
	if status == StatusTerminated {
		return status, "", nil
	}
	return status, inst.ip, nil
}

// statusLocked derives the status from the clock. s.mu must be held.
func (s *Simulated) statusLocked(inst *simInstance) Status {
	now := s.opts.Now()
	if inst.terminatedAt != nil {
		if now.Sub(*inst.terminatedAt) >= s.opts.ShutdownTime {
			return StatusTerminated
		}
		return StatusShuttingDown
	}
	if now.Sub(inst.launchedAt) >= s.opts.BootTime {
		return StatusRunning
	}
	return StatusPending
}

// FindInstance returns a machine that carries the tag and has not been terminated.
func (s *Simulated) FindInstance(ctx context.Context, key, value string) (string, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		if inst.terminatedAt != nil || inst.tags[key] != value {
			continue
		}
		return inst.id, s.statusLocked(inst), nil
	}
	return "", "", ErrInstanceNotFound
}

// TerminateInstances starts shutdown of every listed machine.
func (s *Simulated) TerminateInstances(ctx context.Context, providerIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range providerIDs {
		if _, ok := s.instances[id]; !ok {
			return fmt.Errorf("terminating %s: %w", id, ErrInstanceNotFound)
		}
	}

	now := s.opts.Now()
	for _, id := range providerIDs {
		inst := s.instances[id]
		if inst.terminatedAt == nil {
			t := now
			inst.terminatedAt = &t
		}
	}

	s.logger.Info("simulated instances terminating", "provider_ids", providerIDs)
	return nil
}

// ABOUTME: CloudProvider contract used by the lifecycle orchestrator
// ABOUTME: Defines provider statuses, launch parameters and the not-found sentinel

package provider

import (
	"context"
	"errors"
)

// ErrInstanceNotFound is returned when the provider has no record of an instance
var ErrInstanceNotFound = errors.New("provider instance not found")

// Status is the provider-side state of a machine.
type Status string

// Provider statuses, named as EC2 reports them.
const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusShuttingDown Status = "shutting-down"
	StatusTerminated   Status = "terminated"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
)

// InstanceTag names the tag that links a machine to its instance record.
const InstanceTag = "minecloud-instance-id"

// LaunchSpec carries everything needed to start one machine.
type LaunchSpec struct {
	ImageID          string
	Region           string
	KeyPair          string
	SecurityGroups   []string
	InstanceType     string
	BootstrapPayload string            // plain text; providers encode as they require
	Tags             map[string]string // optional
}

// CloudProvider creates, inspects and destroys machines.
type CloudProvider interface {
	RunInstance(ctx context.Context, spec LaunchSpec) (string, Status, error)
	DescribeInstance(ctx context.Context, providerID string) (Status, string, error)
	TerminateInstances(ctx context.Context, providerIDs []string) error

	// FindInstance returns a pending or running machine tagged key=value,
	// or ErrInstanceNotFound.
	FindInstance(ctx context.Context, key, value string) (string, Status, error)
}

// ABOUTME: Store interfaces and data types for minecloud persistence
// ABOUTME: Defines Instance, Session, Job records and the Registry used by the orchestrator

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInstanceLive is returned when creating an instance while another one is not terminated
var ErrInstanceLive = errors.New("a non-terminated instance already exists")

// ErrProviderIDAssigned is returned when the provider instance ID of an instance was already set
var ErrProviderIDAssigned = errors.New("provider instance id already assigned")

// ErrTerminated is returned when mutating the state of a terminated instance
var ErrTerminated = errors.New("instance is terminated")

// ErrDuplicateSession is returned when a session with the same user, instance and login exists
var ErrDuplicateSession = errors.New("session already exists")

// InstanceState is the lifecycle state of an Instance
type InstanceState string

// Instance lifecycle states
const (
	StateInitiating   InstanceState = "initiating"
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateShuttingDown InstanceState = "shutting_down"
	StateTerminated   InstanceState = "terminated"
)

// Valid reports whether s is one of the known lifecycle states.
func (s InstanceState) Valid() bool {
	switch s {
	case StateInitiating, StatePending, StateRunning, StateShuttingDown, StateTerminated:
		return true
	}
	return false
}

// Instance represents one provisioned compute resource
type Instance struct {
	ID                 string
	ProviderInstanceID string // empty until the provider accepts the launch
	ImageID            string
	IPAddress          string // empty until the provider reports it
	StartedAt          time.Time
	EndedAt            *time.Time
	State              InstanceState
	LaunchedBy         string
}

// Live reports whether the instance counts against the one-live-instance rule.
func (i *Instance) Live() bool {
	return i.State != StateTerminated
}

// Session records a user's presence on an instance
type Session struct {
	ID         string
	UserID     string
	InstanceID string
	Login      time.Time
	Logout     *time.Time
}

// Registry is the single source of truth for instance records.
// All writes are field-level so concurrent jobs for the same instance
// never leave a half-written row.
type Registry interface {
	// CreateInstance inserts a new instance. Returns ErrInstanceLive if any
	// instance with state != terminated exists.
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListLiveInstances(ctx context.Context) ([]*Instance, error)
	ListInstances(ctx context.Context, limit int) ([]*Instance, error)

	// AssignProvider records the provider ID, IP and state in one write.
	// The provider ID can only be set once.
	AssignProvider(ctx context.Context, id, providerInstanceID, ipAddress string, state InstanceState) error
	UpdateState(ctx context.Context, id string, state InstanceState) error
	UpdateIPAddress(ctx context.Context, id, ipAddress string) error
	SetEndedAt(ctx context.Context, id string, endedAt time.Time) error

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	EndSessions(ctx context.Context, userID, instanceID string, logout time.Time) (int, error)
	ListOpenSessions(ctx context.Context, instanceID string) ([]*Session, error)

	// Close releases any resources held by the store
	Close() error
}

// ABOUTME: Mock Registry implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Registry implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance // keyed by instance ID
	sessions  map[string]*Session  // keyed by session ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		instances: make(map[string]*Instance),
		sessions:  make(map[string]*Session),
	}
}

func copyInstance(inst *Instance) *Instance {
	c := *inst
	if inst.EndedAt != nil {
		t := *inst.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CreateInstance stores a new instance unless a live one exists.
func (m *MockStore) CreateInstance(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.instances {
		if existing.Live() {
			return ErrInstanceLive
		}
	}
	m.instances[inst.ID] = copyInstance(inst)
	return nil
}

// Put stores an instance without the live check. Test setup only.
func (m *MockStore) Put(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = copyInstance(inst)
}

// GetInstance retrieves an instance by ID.
func (m *MockStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInstance(inst), nil
}

func (m *MockStore) sortedInstances(filter func(*Instance) bool, newestFirst bool) []*Instance {
	var result []*Instance
	for _, inst := range m.instances {
		if filter(inst) {
			result = append(result, copyInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if newestFirst {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// ListLiveInstances returns non-terminated instances, oldest first.
func (m *MockStore) ListLiveInstances(ctx context.Context) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedInstances((*Instance).Live, false), nil
}

// ListInstances returns up to limit instances, newest first.
func (m *MockStore) ListInstances(ctx context.Context, limit int) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := m.sortedInstances(func(*Instance) bool { return true }, true)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AssignProvider sets the provider ID once, with IP and state. A
// shutting_down row keeps its state.
func (m *MockStore) AssignProvider(ctx context.Context, id, providerInstanceID, ipAddress string, state InstanceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.State == StateTerminated {
		return ErrTerminated
	}
	if inst.ProviderInstanceID != "" {
		return ErrProviderIDAssigned
	}
	inst.ProviderInstanceID = providerInstanceID
	inst.IPAddress = ipAddress
	if inst.State != StateShuttingDown {
		inst.State = state
	}
	return nil
}

// UpdateState sets the state of a non-terminated instance.
func (m *MockStore) UpdateState(ctx context.Context, id string, state InstanceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.State == StateTerminated {
		return ErrTerminated
	}
	inst.State = state
	return nil
}

// UpdateIPAddress sets the IP address.
func (m *MockStore) UpdateIPAddress(ctx context.Context, id, ipAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.IPAddress = ipAddress
	return nil
}

// SetEndedAt records the termination request time.
func (m *MockStore) SetEndedAt(ctx context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.EndedAt = &endedAt
	return nil
}

// CreateSession records a login.
func (m *MockStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[sess.InstanceID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.sessions {
		if existing.UserID == sess.UserID && existing.InstanceID == sess.InstanceID && existing.Login.Equal(sess.Login) {
			return ErrDuplicateSession
		}
	}
	c := *sess
	m.sessions[c.ID] = &c
	return nil
}

// EndSessions closes the user's open sessions on the instance.
func (m *MockStore) EndSessions(ctx context.Context, userID, instanceID string, logout time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sess := range m.sessions {
		if sess.UserID == userID && sess.InstanceID == instanceID && sess.Logout == nil {
			t := logout
			sess.Logout = &t
			n++
		}
	}
	return n, nil
}

// ListOpenSessions returns the instance's sessions without a logout, oldest first.
func (m *MockStore) ListOpenSessions(ctx context.Context, instanceID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.sessions {
		if sess.InstanceID == instanceID && sess.Logout == nil {
			c := *sess
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Login.Before(result[j].Login)
	})
	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Registry = (*MockStore)(nil)
	_ Registry = (*SQLiteStore)(nil)
)

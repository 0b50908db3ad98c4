// ABOUTME: Tests for the simulated provider and bootstrap rendering
// ABOUTME: Uses a controllable clock to walk machines through their statuses

package provider

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSimulated_Lifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sim := NewSimulated(SimulatedOptions{BootTime: 10 * time.Second, ShutdownTime: 4 * time.Second, Now: clock.Now}, nil)
	ctx := context.Background()

	id, status, err := sim.RunInstance(ctx, LaunchSpec{ImageID: "ami-1", InstanceType: "m1.small"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.NotEmpty(t, id)

	status, ip, err := sim.DescribeInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.NotEmpty(t, ip)

	clock.Advance(10 * time.Second)
	status, _, err = sim.DescribeInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, sim.TerminateInstances(ctx, []string{id}))
	status, _, err = sim.DescribeInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusShuttingDown, status)

	clock.Advance(4 * time.Second)
	status, ip, err = sim.DescribeInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, status)
	assert.Empty(t, ip)
}

func TestSimulated_Errors(t *testing.T) {
	sim := NewSimulated(SimulatedOptions{}, nil)
	ctx := context.Background()

	_, _, err := sim.RunInstance(ctx, LaunchSpec{})
	assert.Error(t, err)

	_, _, err = sim.DescribeInstance(ctx, "sim-missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	assert.ErrorIs(t, sim.TerminateInstances(ctx, []string{"sim-missing"}), ErrInstanceNotFound)
}

func TestSimulated_FindInstanceByTag(t *testing.T) {
	sim := NewSimulated(SimulatedOptions{}, nil)
	ctx := context.Background()

	_, _, err := sim.FindInstance(ctx, InstanceTag, "inst-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	id, _, err := sim.RunInstance(ctx, LaunchSpec{ImageID: "ami-1", Tags: map[string]string{InstanceTag: "inst-1"}})
	require.NoError(t, err)

	found, status, err := sim.FindInstance(ctx, InstanceTag, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, id, found)
	assert.Equal(t, StatusPending, status)

	_, _, err = sim.FindInstance(ctx, InstanceTag, "inst-2")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	require.NoError(t, sim.TerminateInstances(ctx, []string{id}))
	_, _, err = sim.FindInstance(ctx, InstanceTag, "inst-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestSimulated_DistinctIDs(t *testing.T) {
	sim := NewSimulated(SimulatedOptions{}, nil)
	a, _, err := sim.RunInstance(context.Background(), LaunchSpec{ImageID: "ami-1"})
	require.NoError(t, err)
	b, _, err := sim.RunInstance(context.Background(), LaunchSpec{ImageID: "ami-1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRenderBootstrap_Default(t *testing.T) {
	out, err := RenderBootstrap(DefaultBootstrapTemplate, BootstrapData{
		InstanceID: "inst-1",
		Env: map[string]string{
			"MSM_S3_BUCKET": "worlds",
			"DATABASE_URL":  "postgres://u:p'w@db/mc",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, `#cloud-config
write_files:
  - path: /etc/environment
    append: true
    content: |
      MINECLOUD_INSTANCE_ID='inst-1'
      DATABASE_URL='postgres://u:p'\''w@db/mc'
      MSM_S3_BUCKET='worlds'
`, out)
}

func TestRenderBootstrap_Errors(t *testing.T) {
	_, err := RenderBootstrap("{{.Nope", BootstrapData{})
	assert.ErrorContains(t, err, "parsing bootstrap template")

	_, err = RenderBootstrap(`{{index .Env "MISSING" | quote}}{{.Unknown}}`, BootstrapData{})
	assert.ErrorContains(t, err, "rendering bootstrap template")
}

func TestRenderBootstrap_RejectsLineBreaks(t *testing.T) {
	_, err := RenderBootstrap(DefaultBootstrapTemplate, BootstrapData{
		InstanceID: "inst-1",
		Env:        map[string]string{"TLS_KEY": "-----BEGIN KEY-----\nabc\n-----END KEY-----"},
	})
	assert.ErrorContains(t, err, `"TLS_KEY" contains a line break`)

	_, err = RenderBootstrap(DefaultBootstrapTemplate, BootstrapData{InstanceID: "inst-1\r"})
	assert.ErrorContains(t, err, "line break")
}

func TestLoadBootstrapTemplate(t *testing.T) {
	tmpl, err := LoadBootstrapTemplate("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBootstrapTemplate, tmpl)

	path := filepath.Join(t.TempDir(), "boot.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho {{.InstanceID}}\n"), 0644))
	tmpl, err = LoadBootstrapTemplate(path)
	require.NoError(t, err)

	out, err := RenderBootstrap(tmpl, BootstrapData{InstanceID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho abc\n", out)

	_, err = LoadBootstrapTemplate(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

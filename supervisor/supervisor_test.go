package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longRunningManifest(identity string) *Manifest {
	return &Manifest{
		Identity: identity,
		Command:  "/bin/sh",
		Args:     []string{"-c", "sleep 30"},
	}
}

func TestRuntimeLifecycleStartThenStop(t *testing.T) {
	rt := NewRuntime(longRunningManifest("v.plugin.test"), "/tmp/does-not-matter.sock", false, "", nil)
	assert.Equal(t, StateInstalled, rt.State())

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, StateRunning, rt.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Stop(ctx))
	assert.Equal(t, StateStopped, rt.State())
}

func TestRuntimeExitBeforeStopGoesToError(t *testing.T) {
	rt := NewRuntime(&Manifest{
		Identity: "v.plugin.fast-exit",
		Command:  "/bin/sh",
		Args:     []string{"-c", "exit 1"},
	}, "/tmp/does-not-matter.sock", false, "", nil)

	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, func() bool {
		return rt.State() == StateError
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRuntimeNeverAutoRestartsAfterError(t *testing.T) {
	rt := NewRuntime(&Manifest{
		Identity: "v.plugin.fast-exit",
		Command:  "/bin/sh",
		Args:     []string{"-c", "exit 1"},
	}, "/tmp/does-not-matter.sock", false, "", nil)

	require.NoError(t, rt.Start(context.Background()))
	require.Eventually(t, func() bool {
		return rt.State() == StateError
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateError, rt.State(), "a crashed runtime must stay in Error, never silently restart")
}

func TestStartFromErrorIsAllowed(t *testing.T) {
	rt := NewRuntime(&Manifest{
		Identity: "v.plugin.retry",
		Command:  "/bin/sh",
		Args:     []string{"-c", "exit 1"},
	}, "/tmp/does-not-matter.sock", false, "", nil)

	require.NoError(t, rt.Start(context.Background()))
	require.Eventually(t, func() bool {
		return rt.State() == StateError
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, StateRunning, rt.State())
}

func TestSupervisorStopAllIsBoundedByGracefulTimeout(t *testing.T) {
	sv := New("/tmp/does-not-matter.sock", false, "", nil)
	sv.Install(longRunningManifest("a"))
	sv.Install(longRunningManifest("b"))

	errs := sv.StartAll(context.Background())
	require.Empty(t, errs)

	done := make(chan struct{})
	go func() {
		sv.StopAll(500 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("StopAll did not return within the expected bound")
	}

	a, _ := sv.Get("a")
	b, _ := sv.Get("b")
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, StateStopped, b.State())
}

func TestManifestConfigSchemaValidation(t *testing.T) {
	m := &Manifest{
		Identity:     "v.plugin.configured",
		Command:      "/bin/true",
		ConfigSchema: []byte(`{"type":"object","required":["endpoint"],"properties":{"endpoint":{"type":"string"}}}`),
		Config:       []byte(`{"endpoint":"https://example.test"}`),
	}
	assert.NoError(t, m.ValidateConfig())

	m.Config = []byte(`{}`)
	assert.Error(t, m.ValidateConfig())
}

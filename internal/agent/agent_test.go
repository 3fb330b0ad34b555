package agent

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/fleet/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []transport.Envelope
	cond *sync.Cond
}

func newFakeSender() *fakeSender {
	f := &fakeSender{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeSender) Send(msgType transport.Type, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, transport.Envelope{Type: msgType})
	f.cond.Broadcast()
	return nil
}

// waitForType blocks until a message of the given type has been sent, or
// the timeout elapses.
func (f *fakeSender) waitForType(t *testing.T, typ transport.Type, timeout time.Duration) transport.Type {
	t.Helper()
	deadline := time.Now().Add(timeout)

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		for _, env := range f.sent {
			if env.Type == typ {
				return env.Type
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", typ)
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
	}
}

func newTestAgent(t *testing.T, containers *fakeContainerDriver, repos *fakeRepoDriver) (*Agent, *fakeSender) {
	t.Helper()
	root := t.TempDir()
	zero := time.Duration(0)
	a := New(Config{Containers: containers, Repos: repos, DeploymentRoot: root, BuildRetryDelay: &zero})
	sender := newFakeSender()
	a.Attach(sender)
	a.OnRegistered(7)
	t.Cleanup(a.Stop)
	return a, sender
}

func TestDeploy_SuccessRunsContainerAndReportsActive(t *testing.T) {
	containers := newFakeContainerDriver()
	repos := &fakeRepoDriver{}
	a, sender := newTestAgent(t, containers, repos)

	a.OnDeployRepository(transport.DeployRepository{
		DeploymentDir: "ignored-by-fake",
		RepoURL:       "https://github.com/acme/app.git",
		ReplicaID:     1,
		DeploymentID:  9,
	})

	sender.waitForType(t, transport.TypeDeploymentStatus, time.Second)

	containers.mu.Lock()
	defer containers.mu.Unlock()
	assert.Contains(t, containers.built, "app-9:1")
	assert.Contains(t, containers.ran, "app-9-1")
}

func TestDeploy_BuildRetriesThenSucceeds(t *testing.T) {
	containers := newFakeContainerDriver()
	containers.buildFailures["app-9:1"] = 2 // fails twice, succeeds on the third attempt
	repos := &fakeRepoDriver{}
	a, sender := newTestAgent(t, containers, repos)

	a.OnDeployRepository(transport.DeployRepository{RepoURL: "https://github.com/acme/app.git", ReplicaID: 1, DeploymentID: 9})
	sender.waitForType(t, transport.TypeDeploymentStatus, time.Second)

	containers.mu.Lock()
	defer containers.mu.Unlock()
	assert.Equal(t, 3, containers.buildCalls["app-9:1"])
	assert.Contains(t, containers.built, "app-9:1")
}

func TestDeploy_BuildExhaustsRetriesReportsFailedAndCleansUp(t *testing.T) {
	containers := newFakeContainerDriver()
	containers.buildFailures["app-9:1"] = buildAttempts // always fails
	repos := &fakeRepoDriver{}
	a, sender := newTestAgent(t, containers, repos)

	a.OnDeployRepository(transport.DeployRepository{RepoURL: "https://github.com/acme/app.git", ReplicaID: 1, DeploymentID: 9})
	sender.waitForType(t, transport.TypeDeploymentStatus, time.Second)

	containers.mu.Lock()
	defer containers.mu.Unlock()
	assert.Equal(t, buildAttempts, containers.buildCalls["app-9:1"])
	assert.Empty(t, containers.built)
	assert.Contains(t, containers.removed, "app-9-1", "cleanup should run again after a failed build")
}

func TestRemoveReplica_StopsRemovesAndReportsRemoved(t *testing.T) {
	containers := newFakeContainerDriver()
	repos := &fakeRepoDriver{}
	a, sender := newTestAgent(t, containers, repos)

	a.OnRemoveReplica(transport.RemoveReplica{DeploymentID: 9, ReplicaID: 1})
	sender.waitForType(t, transport.TypeReplicaRemoved, time.Second)

	containers.mu.Lock()
	defer containers.mu.Unlock()
	assert.Contains(t, containers.stopped, "app-9-1")
	assert.Contains(t, containers.removed, "app-9-1")
	assert.Contains(t, containers.images, "app-9:1")

	repos.mu.Lock()
	defer repos.mu.Unlock()
	require.NotEmpty(t, repos.removed)
}

func TestEnsureBuildDescriptor_WritesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ensureBuildDescriptor(dir))
	assert.FileExists(t, filepath.Join(dir, "requirements.txt"))
	assert.FileExists(t, filepath.Join(dir, "Dockerfile"))
}

func TestDeriveStatus_Thresholds(t *testing.T) {
	assert.Equal(t, "active", string(DeriveStatus(SystemLoad{CPUUsage: 10, MemoryUsage: 10})))
	assert.Equal(t, "busy", string(DeriveStatus(SystemLoad{CPUUsage: 65, MemoryUsage: 10})))
	assert.Equal(t, "overloaded", string(DeriveStatus(SystemLoad{CPUUsage: 10, MemoryUsage: 95})))
}

package deployment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelhq/fleet/internal/clock"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/placement"
	"github.com/kestrelhq/fleet/internal/repovalidate"
	"github.com/kestrelhq/fleet/internal/store"
	"github.com/kestrelhq/fleet/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	cloneURL string
	err      error
}

func (f fakeValidator) Validate(context.Context, string) (string, repovalidate.Meta, error) {
	return f.cloneURL, repovalidate.Meta{}, f.err
}

type recordingRouter struct {
	sent []transport.DeployRepository
	fail map[int64]bool
}

func (r *recordingRouter) RouteTo(workerID int64, msgType transport.Type, payload any) error {
	if r.fail[workerID] {
		return errors.New("unreachable")
	}
	if msgType == transport.TypeDeployRepository {
		r.sent = append(r.sent, payload.(transport.DeployRepository))
	}
	return nil
}

func seedWorkers(t *testing.T, ent *store.Entities, n int) {
	t.Helper()
	for i := int64(1); i <= int64(n); i++ {
		require.NoError(t, ent.PutWorker(context.Background(), &model.Worker{
			ID: i, Hostname: "h", Status: model.WorkerActive, Load: model.Load{CPUUsage: 10},
			LastHeartbeat: time.Now(),
		}))
	}
}

func TestCreate_Success(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedWorkers(t, ent, 3)
	router := &recordingRouter{fail: map[int64]bool{}}
	mgr := New(ent, fakeValidator{cloneURL: "https://github.com/acme/app.git"}, placement.New(ent), router, clock.Real{})

	dep, err := mgr.Create(context.Background(), CreateRequest{RepoRef: "acme/app", MinReplicas: 2, MaxReplicas: 3})
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentActive, dep.Status)
	assert.Len(t, dep.Assignments, 2)
	assert.Len(t, router.sent, 2)
}

func TestCreate_InsufficientWorkers(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedWorkers(t, ent, 1)
	router := &recordingRouter{fail: map[int64]bool{}}
	mgr := New(ent, fakeValidator{cloneURL: "https://github.com/acme/app.git"}, placement.New(ent), router, clock.Real{})

	_, err := mgr.Create(context.Background(), CreateRequest{RepoRef: "acme/app", MinReplicas: 2, MaxReplicas: 3})
	require.ErrorIs(t, err, ErrInsufficientWorkers)

	deps, err := ent.ListDeployments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deps, "no deployment should be persisted on InsufficientWorkers")
}

func TestCreate_DispatchFailureMarksFailedNoRollback(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedWorkers(t, ent, 2)
	router := &recordingRouter{fail: map[int64]bool{2: true}}
	mgr := New(ent, fakeValidator{cloneURL: "https://github.com/acme/app.git"}, placement.New(ent), router, clock.Real{})

	dep, err := mgr.Create(context.Background(), CreateRequest{RepoRef: "acme/app", MinReplicas: 2, MaxReplicas: 2})
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentFailed, dep.Status)
	assert.Len(t, dep.Assignments, 2, "already-persisted assignments are not rolled back")
}

func TestOnDeploymentStatus_UpdatesAssignmentAndReplica(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedWorkers(t, ent, 1)
	router := &recordingRouter{fail: map[int64]bool{}}
	mgr := New(ent, fakeValidator{cloneURL: "https://github.com/acme/app.git"}, placement.New(ent), router, clock.Real{})

	dep, err := mgr.Create(context.Background(), CreateRequest{RepoRef: "acme/app", MinReplicas: 1, MaxReplicas: 1})
	require.NoError(t, err)

	mgr.OnDeploymentStatus(context.Background(), transport.DeploymentStatus{
		DeploymentID: dep.ID,
		ReplicaID:    1,
		Status:       "active",
		Metrics:      &transport.Metrics{CPUUsage: 42},
	})

	updated, err := ent.GetDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentActive, updated.Assignments[0].Status)

	replica, err := ent.ReplicaByNumber(context.Background(), dep.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaActive, replica.Status)
	assert.Equal(t, 42.0, replica.Metrics.CPUUsage)
}

func TestRemoveTail(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedWorkers(t, ent, 2)
	router := &recordingRouter{fail: map[int64]bool{}}
	mgr := New(ent, fakeValidator{cloneURL: "https://github.com/acme/app.git"}, placement.New(ent), router, clock.Real{})

	dep, err := mgr.Create(context.Background(), CreateRequest{RepoRef: "acme/app", MinReplicas: 2, MaxReplicas: 2})
	require.NoError(t, err)

	require.NoError(t, mgr.RemoveTail(context.Background(), dep.ID))

	updated, err := ent.GetDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Len(t, updated.Assignments, 1)
	assert.Equal(t, 1, updated.Assignments[0].ReplicaNumber)

	replicas, err := ent.ListReplicas(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Len(t, replicas, 1)
}

package scaling

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/fleet/internal/clock"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/placement"
	"github.com/kestrelhq/fleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeployer struct {
	addCalls    int
	removeCalls int
	entities    *store.Entities
}

func (f *fakeDeployer) AddReplica(ctx context.Context, depID int64, worker *model.Worker) error {
	f.addCalls++
	dep, err := f.entities.GetDeployment(ctx, depID)
	if err != nil {
		return err
	}
	number := dep.ActiveAssignmentCount() + 1
	dep.Assignments = append(dep.Assignments, model.Assignment{WorkerID: worker.ID, ReplicaNumber: number, Status: model.AssignmentPending})
	if err := f.entities.PutDeployment(ctx, dep); err != nil {
		return err
	}
	return f.entities.PutReplica(ctx, &model.Replica{
		ID: int64(1000 + number), DeploymentID: depID, ReplicaNumber: number, Status: model.ReplicaPending,
	})
}

func (f *fakeDeployer) RemoveTail(ctx context.Context, depID int64) error {
	f.removeCalls++
	dep, err := f.entities.GetDeployment(ctx, depID)
	if err != nil {
		return err
	}
	tail := dep.TailAssignment()
	dep.Assignments = model.RemoveAssignment(dep.Assignments, tail.ReplicaNumber)
	if err := f.entities.PutDeployment(ctx, dep); err != nil {
		return err
	}
	if r, err := f.entities.ReplicaByNumber(ctx, depID, tail.ReplicaNumber); err == nil {
		return f.entities.DeleteReplica(ctx, depID, r.ID)
	}
	return nil
}

func seedActiveDeployment(t *testing.T, ent *store.Entities, id int64, min, max, replicaCount int, cpu float64) {
	t.Helper()
	ctx := context.Background()
	dep := &model.Deployment{ID: id, RepoRef: "x", MinReplicas: min, MaxReplicas: max, Status: model.DeploymentActive}
	for i := 1; i <= replicaCount; i++ {
		dep.Assignments = append(dep.Assignments, model.Assignment{WorkerID: 1, ReplicaNumber: i, Status: model.AssignmentActive})
		require.NoError(t, ent.PutReplica(ctx, &model.Replica{
			ID: int64(i), DeploymentID: id, ReplicaNumber: i, Status: model.ReplicaActive,
			Metrics: model.Metrics{CPUUsage: cpu},
		}))
	}
	require.NoError(t, ent.PutDeployment(ctx, dep))
	require.NoError(t, ent.PutWorker(ctx, &model.Worker{ID: 1, Hostname: "h", Status: model.WorkerActive, Load: model.Load{CPUUsage: 10}, LastHeartbeat: time.Now()}))
}

func TestScenario_S1_CooldownRespected(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedActiveDeployment(t, ent, 1, 1, 4, 2, 85)
	fd := &fakeDeployer{entities: ent}
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	c := New(Config{Entities: ent, Deployer: fd, Placer: placement.New(ent), Clock: fc,
		ScaleUpCooldown: 300 * time.Second})

	c.Tick(context.Background())
	assert.Equal(t, 1, fd.addCalls)
	dep, _ := ent.GetDeployment(context.Background(), 1)
	assert.Len(t, dep.Assignments, 3)

	fc.Advance(60 * time.Second)
	c.Tick(context.Background())
	assert.Equal(t, 1, fd.addCalls, "cooldown should block scale-up 60s in")

	fc.Advance(250 * time.Second)
	c.Tick(context.Background())
	assert.Equal(t, 2, fd.addCalls, "cooldown elapsed at 310s, scale-up should fire")
}

func TestScenario_S2_DeadBand(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedActiveDeployment(t, ent, 1, 2, 5, 3, 30)
	fd := &fakeDeployer{entities: ent}
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	c := New(Config{Entities: ent, Deployer: fd, Placer: placement.New(ent), Clock: fc,
		ScaleDownCooldown: 10 * time.Minute})

	c.Tick(context.Background())
	assert.Equal(t, 1, fd.removeCalls)

	dep, _ := ent.GetDeployment(context.Background(), 1)
	for i := range dep.Assignments {
		require.NoError(t, ent.PutReplica(context.Background(), &model.Replica{
			ID: int64(i + 1), DeploymentID: 1, ReplicaNumber: dep.Assignments[i].ReplicaNumber,
			Status: model.ReplicaActive, Metrics: model.Metrics{CPUUsage: 50},
		}))
	}

	fc.Advance(11 * time.Minute)
	c.Tick(context.Background())
	assert.Equal(t, 1, fd.removeCalls, "avgCpu 50 is inside the dead band, no further scale-down")
}

func TestScenario_S6_TailRemoval(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedActiveDeployment(t, ent, 1, 1, 4, 3, 10)
	fd := &fakeDeployer{entities: ent}
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	c := New(Config{Entities: ent, Deployer: fd, Placer: placement.New(ent), Clock: fc,
		ScaleDownCooldown: 10 * time.Minute})

	c.Tick(context.Background())
	dep, err := ent.GetDeployment(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, dep.Assignments, 2)
	for _, a := range dep.Assignments {
		assert.NotEqual(t, 3, a.ReplicaNumber)
	}

	fc.Advance(time.Minute)
	c.Tick(context.Background())
	assert.Equal(t, 1, fd.removeCalls, "still under cooldown")
}

func TestNoAction_WithinDeadBandFromStart(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	seedActiveDeployment(t, ent, 1, 1, 4, 2, 50)
	fd := &fakeDeployer{entities: ent}

	c := New(Config{Entities: ent, Deployer: fd, Placer: placement.New(ent)})
	c.Tick(context.Background())

	assert.Equal(t, 0, fd.addCalls)
	assert.Equal(t, 0, fd.removeCalls)
}

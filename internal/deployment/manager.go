// Package deployment implements the Deployment Manager: creating
// deployments, distributing their initial replicas, and recording the
// lifecycle transitions reported back by workers.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/kestrelhq/fleet/internal/clock"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/repovalidate"
	"github.com/kestrelhq/fleet/internal/store"
	"github.com/kestrelhq/fleet/internal/transport"
)

// ErrInsufficientWorkers is returned when placement cannot find enough
// workers to satisfy minReplicas.
var ErrInsufficientWorkers = errors.New("deployment: insufficient workers")

// Router delivers a message to a specific worker's live connection.
type Router interface {
	RouteTo(workerID int64, msgType transport.Type, payload any) error
}

// Validator resolves a user-supplied repo reference.
type Validator interface {
	Validate(ctx context.Context, ref string) (cloneURL string, meta repovalidate.Meta, err error)
}

// Placer selects candidate workers.
type Placer interface {
	SelectWorkers(ctx context.Context, n int) ([]*model.Worker, error)
}

const defaultMinReplicas = 1
const defaultMaxReplicas = 3

// Manager is the C5 Deployment Manager.
type Manager struct {
	entities  *store.Entities
	validator Validator
	placer    Placer
	router    Router
	clock     clock.Clock
}

func New(entities *store.Entities, validator Validator, placer Placer, router Router, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{entities: entities, validator: validator, placer: placer, router: router, clock: clk}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	RepoRef     string
	Owner       string
	MinReplicas int
	MaxReplicas int
}

// Create validates the repo, selects workers, persists the deployment and
// its initial replicas, and dispatches deployRepository to each worker.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Deployment, error) {
	minReplicas := req.MinReplicas
	if minReplicas == 0 {
		minReplicas = defaultMinReplicas
	}
	maxReplicas := req.MaxReplicas
	if maxReplicas == 0 {
		maxReplicas = defaultMaxReplicas
	}
	if minReplicas < 1 || minReplicas > maxReplicas {
		return nil, fmt.Errorf("deployment: invalid replica bounds min=%d max=%d", minReplicas, maxReplicas)
	}

	cloneURL, _, err := m.validator.Validate(ctx, req.RepoRef)
	if err != nil {
		return nil, err
	}

	workers, err := m.placer.SelectWorkers(ctx, maxReplicas)
	if err != nil {
		return nil, fmt.Errorf("deployment: select workers: %w", err)
	}
	if len(workers) < minReplicas {
		return nil, fmt.Errorf("%w: need %d, found %d", ErrInsufficientWorkers, minReplicas, len(workers))
	}
	workers = workers[:minReplicas]

	depID, err := m.entities.NextDeploymentID(ctx)
	if err != nil {
		return nil, fmt.Errorf("deployment: allocate id: %w", err)
	}

	dep := &model.Deployment{
		ID:          depID,
		RepoRef:     cloneURL,
		Owner:       req.Owner,
		MinReplicas: minReplicas,
		MaxReplicas: maxReplicas,
		Status:      model.DeploymentDeploying,
		CreatedAt:   m.clock.Now(),
	}

	for i, w := range workers {
		replicaNumber := i + 1
		dep.Assignments = append(dep.Assignments, model.Assignment{
			WorkerID:      w.ID,
			ReplicaNumber: replicaNumber,
			Status:        model.AssignmentPending,
		})

		replicaID, err := m.entities.NextReplicaID(ctx)
		if err != nil {
			return nil, fmt.Errorf("deployment: allocate replica id: %w", err)
		}
		if err := m.entities.PutReplica(ctx, &model.Replica{
			ID:            replicaID,
			DeploymentID:  depID,
			ReplicaNumber: replicaNumber,
			Status:        model.ReplicaPending,
			CreatedAt:     m.clock.Now(),
		}); err != nil {
			return nil, fmt.Errorf("deployment: persist replica: %w", err)
		}
	}

	if err := m.entities.PutDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("deployment: persist deployment: %w", err)
	}

	dispatchFailed := false
	for i, w := range workers {
		if err := m.dispatchDeploy(ctx, dep, w.ID, i+1); err != nil {
			log.Printf("deployment: dispatch to worker %d for deployment %d replica %d failed: %v", w.ID, depID, i+1, err)
			dispatchFailed = true
		}
	}

	if dispatchFailed {
		dep.Status = model.DeploymentFailed
	} else {
		dep.Status = model.DeploymentActive
	}
	if err := m.entities.PutDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("deployment: persist final status: %w", err)
	}

	return dep, nil
}

func (m *Manager) dispatchDeploy(ctx context.Context, dep *model.Deployment, workerID int64, replicaNumber int) error {
	jobID, err := m.entities.NextJobID(ctx)
	if err == nil {
		_ = m.entities.PutJob(ctx, &model.Job{
			ID:            jobID,
			DeploymentID:  dep.ID,
			ReplicaNumber: replicaNumber,
			WorkerID:      workerID,
			Kind:          model.JobDeploy,
			Status:        model.JobDispatched,
			CreatedAt:     m.clock.Now(),
		})
	}

	msg := transport.DeployRepository{
		DeploymentDir:  fmt.Sprintf("deployment-%d", dep.ID),
		RepoURL:        dep.RepoRef,
		ReplicaID:      replicaNumber,
		DeploymentID:   dep.ID,
		DeploymentTime: m.clock.Now(),
	}
	return m.router.RouteTo(workerID, transport.TypeDeployRepository, msg)
}

// OnDeploymentStatus applies a worker-reported status change to the matching
// assignment and replica.
func (m *Manager) OnDeploymentStatus(ctx context.Context, msg transport.DeploymentStatus) {
	dep, err := m.entities.GetDeployment(ctx, msg.DeploymentID)
	if err != nil {
		log.Printf("deployment: status for unknown deployment %d: %v", msg.DeploymentID, err)
		return
	}

	for i := range dep.Assignments {
		if dep.Assignments[i].ReplicaNumber == msg.ReplicaID {
			dep.Assignments[i].Status = model.AssignmentStatus(msg.Status)
		}
	}
	if err := m.entities.PutDeployment(ctx, dep); err != nil {
		log.Printf("deployment: persist status update for %d: %v", dep.ID, err)
	}

	replica, err := m.entities.ReplicaByNumber(ctx, msg.DeploymentID, msg.ReplicaID)
	if err != nil {
		log.Printf("deployment: status for unknown replica %d/%d: %v", msg.DeploymentID, msg.ReplicaID, err)
		return
	}
	replica.Status = model.ReplicaStatus(msg.Status)
	if msg.Metrics != nil {
		replica.Metrics = model.Metrics{CPUUsage: msg.Metrics.CPUUsage, MemoryUsage: msg.Metrics.MemoryUsage}
	}
	if err := m.entities.PutReplica(ctx, replica); err != nil {
		log.Printf("deployment: persist replica %d: %v", replica.ID, err)
	}

	m.markDeployJobDone(ctx, msg)
}

func (m *Manager) markDeployJobDone(ctx context.Context, msg transport.DeploymentStatus) {
	jobs, err := m.entities.ListJobs(ctx, msg.DeploymentID)
	if err != nil {
		return
	}

	newStatus := model.JobCompleted
	if msg.Status == "failed" {
		newStatus = model.JobFailed
	}

	for _, j := range jobs {
		if j.ReplicaNumber == msg.ReplicaID && j.Kind == model.JobDeploy && j.Status == model.JobDispatched {
			j.Status = newStatus
			if err := m.entities.PutJob(ctx, j); err != nil {
				log.Printf("deployment: mark job %d: %v", j.ID, err)
			}
		}
	}
}

// RemoveTail removes the highest-numbered replica of a deployment: it
// instructs the owning worker, pops the assignment, and deletes the entity.
// Used directly by the admin teardown path and by the scaling controller's
// scale-down action.
func (m *Manager) RemoveTail(ctx context.Context, depID int64) error {
	dep, err := m.entities.GetDeployment(ctx, depID)
	if err != nil {
		return fmt.Errorf("deployment: remove tail: %w", err)
	}

	tail := dep.TailAssignment()
	if tail == nil {
		return fmt.Errorf("deployment: %d has no assignments to remove", depID)
	}

	if err := m.router.RouteTo(tail.WorkerID, transport.TypeRemoveReplica, transport.RemoveReplica{
		DeploymentID: depID,
		ReplicaID:    tail.ReplicaNumber,
	}); err != nil {
		return fmt.Errorf("deployment: notify worker %d of removal: %w", tail.WorkerID, err)
	}

	jobID, err := m.entities.NextJobID(ctx)
	if err == nil {
		_ = m.entities.PutJob(ctx, &model.Job{
			ID:            jobID,
			DeploymentID:  depID,
			ReplicaNumber: tail.ReplicaNumber,
			WorkerID:      tail.WorkerID,
			Kind:          model.JobRemove,
			Status:        model.JobDispatched,
			CreatedAt:     m.clock.Now(),
		})
	}

	dep.Assignments = model.RemoveAssignment(dep.Assignments, tail.ReplicaNumber)
	if err := m.entities.PutDeployment(ctx, dep); err != nil {
		return fmt.Errorf("deployment: persist after removal: %w", err)
	}

	replica, err := m.entities.ReplicaByNumber(ctx, depID, tail.ReplicaNumber)
	if err == nil {
		if err := m.entities.DeleteReplica(ctx, depID, replica.ID); err != nil {
			log.Printf("deployment: delete replica %d: %v", replica.ID, err)
		}
	}

	return nil
}

// OnReplicaRemoved records the worker's confirmation that a replica torn
// down by RemoveTail has actually stopped. The replica and assignment are
// already gone by this point; this only closes out the audit trail.
func (m *Manager) OnReplicaRemoved(ctx context.Context, msg transport.ReplicaRemoved) {
	jobs, err := m.entities.ListJobs(ctx, msg.DeploymentID)
	if err != nil {
		log.Printf("deployment: replicaRemoved for %d: list jobs: %v", msg.DeploymentID, err)
		return
	}

	for _, j := range jobs {
		if j.ReplicaNumber == msg.ReplicaID && j.Kind == model.JobRemove && j.Status == model.JobDispatched {
			j.Status = model.JobCompleted
			if err := m.entities.PutJob(ctx, j); err != nil {
				log.Printf("deployment: mark job %d completed: %v", j.ID, err)
			}
		}
	}
}

// AddReplica appends a new replica assignment to worker and dispatches it.
// Used by the scaling controller's scale-up action.
func (m *Manager) AddReplica(ctx context.Context, depID int64, worker *model.Worker) error {
	dep, err := m.entities.GetDeployment(ctx, depID)
	if err != nil {
		return fmt.Errorf("deployment: add replica: %w", err)
	}

	replicaNumber := dep.ActiveAssignmentCount() + 1
	dep.Assignments = append(dep.Assignments, model.Assignment{
		WorkerID:      worker.ID,
		ReplicaNumber: replicaNumber,
		Status:        model.AssignmentPending,
	})

	replicaID, err := m.entities.NextReplicaID(ctx)
	if err != nil {
		return fmt.Errorf("deployment: allocate replica id: %w", err)
	}
	if err := m.entities.PutReplica(ctx, &model.Replica{
		ID:            replicaID,
		DeploymentID:  depID,
		ReplicaNumber: replicaNumber,
		Status:        model.ReplicaPending,
		CreatedAt:     m.clock.Now(),
	}); err != nil {
		return fmt.Errorf("deployment: persist new replica: %w", err)
	}

	if err := m.entities.PutDeployment(ctx, dep); err != nil {
		return fmt.Errorf("deployment: persist after add: %w", err)
	}

	return m.dispatchDeploy(ctx, dep, worker.ID, replicaNumber)
}

// TearDown removes every assignment of a deployment, tail-first, and marks
// it failed. This is the supplemented admin delete path (DELETE /deployment/{id}).
func (m *Manager) TearDown(ctx context.Context, depID int64) error {
	for {
		dep, err := m.entities.GetDeployment(ctx, depID)
		if err != nil {
			return fmt.Errorf("deployment: tear down: %w", err)
		}
		if len(dep.Assignments) == 0 {
			dep.Status = model.DeploymentFailed
			return m.entities.PutDeployment(ctx, dep)
		}
		if err := m.RemoveTail(ctx, depID); err != nil {
			return err
		}
	}
}

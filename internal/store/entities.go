package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kestrelhq/fleet/internal/model"
)

// Entities wraps a Store with typed helpers for the three domain entities
// and the supplemented Job record. Every other package reads and writes
// entities through this layer instead of touching Store directly, so the
// key schema lives in exactly one place.
type Entities struct {
	Store
}

func NewEntities(s Store) *Entities { return &Entities{Store: s} }

func (e *Entities) NextWorkerID(ctx context.Context) (int64, error) {
	return e.Incr(ctx, WorkerCounter)
}

func (e *Entities) PutWorker(ctx context.Context, w *model.Worker) error {
	b, err := model.MarshalEntity(w)
	if err != nil {
		return err
	}
	if err := e.Put(ctx, WorkerKey(w.ID), b); err != nil {
		return err
	}
	return e.SAdd(ctx, WorkersSet, strconv.FormatInt(w.ID, 10))
}

func (e *Entities) GetWorker(ctx context.Context, id int64) (*model.Worker, error) {
	b, err := e.Get(ctx, WorkerKey(id))
	if err != nil {
		return nil, err
	}
	var w model.Worker
	if err := model.UnmarshalEntity(b, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (e *Entities) DeleteWorker(ctx context.Context, id int64) error {
	if err := e.Delete(ctx, WorkerKey(id)); err != nil {
		return err
	}
	return e.SRem(ctx, WorkersSet, strconv.FormatInt(id, 10))
}

func (e *Entities) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	ids, err := e.SMembers(ctx, WorkersSet)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Worker, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		w, err := e.GetWorker(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (e *Entities) NextDeploymentID(ctx context.Context) (int64, error) {
	return e.Incr(ctx, DeploymentCounter)
}

func (e *Entities) PutDeployment(ctx context.Context, d *model.Deployment) error {
	b, err := model.MarshalEntity(d)
	if err != nil {
		return err
	}
	if err := e.Put(ctx, DeploymentKey(d.ID), b); err != nil {
		return err
	}
	return e.SAdd(ctx, DeploymentsSet, strconv.FormatInt(d.ID, 10))
}

func (e *Entities) GetDeployment(ctx context.Context, id int64) (*model.Deployment, error) {
	b, err := e.Get(ctx, DeploymentKey(id))
	if err != nil {
		return nil, err
	}
	var d model.Deployment
	if err := model.UnmarshalEntity(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (e *Entities) ListDeployments(ctx context.Context) ([]*model.Deployment, error) {
	ids, err := e.SMembers(ctx, DeploymentsSet)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Deployment, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		d, err := e.GetDeployment(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Entities) NextReplicaID(ctx context.Context) (int64, error) {
	return e.Incr(ctx, ReplicaCounter)
}

func (e *Entities) PutReplica(ctx context.Context, r *model.Replica) error {
	b, err := model.MarshalEntity(r)
	if err != nil {
		return err
	}
	if err := e.Put(ctx, ReplicaKey(r.ID), b); err != nil {
		return err
	}
	return e.SAdd(ctx, ReplicasOfSet(r.DeploymentID), strconv.FormatInt(r.ID, 10))
}

func (e *Entities) GetReplica(ctx context.Context, id int64) (*model.Replica, error) {
	b, err := e.Get(ctx, ReplicaKey(id))
	if err != nil {
		return nil, err
	}
	var r model.Replica
	if err := model.UnmarshalEntity(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Entities) DeleteReplica(ctx context.Context, depID, id int64) error {
	if err := e.Delete(ctx, ReplicaKey(id)); err != nil {
		return err
	}
	return e.SRem(ctx, ReplicasOfSet(depID), strconv.FormatInt(id, 10))
}

func (e *Entities) ListReplicas(ctx context.Context, depID int64) ([]*model.Replica, error) {
	ids, err := e.SMembers(ctx, ReplicasOfSet(depID))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Replica, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		r, err := e.GetReplica(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ReplicaByNumber finds the replica of a deployment with the given number.
func (e *Entities) ReplicaByNumber(ctx context.Context, depID int64, number int) (*model.Replica, error) {
	replicas, err := e.ListReplicas(ctx, depID)
	if err != nil {
		return nil, err
	}
	for _, r := range replicas {
		if r.ReplicaNumber == number {
			return r, nil
		}
	}
	return nil, fmt.Errorf("replica %d of deployment %d: %w", number, depID, ErrNotFound)
}

func (e *Entities) NextJobID(ctx context.Context) (int64, error) {
	return e.Incr(ctx, JobCounter)
}

func (e *Entities) PutJob(ctx context.Context, j *model.Job) error {
	b, err := model.MarshalEntity(j)
	if err != nil {
		return err
	}
	if err := e.Put(ctx, JobKey(j.ID), b); err != nil {
		return err
	}
	return e.SAdd(ctx, JobsOfSet(j.DeploymentID), strconv.FormatInt(j.ID, 10))
}

func (e *Entities) ListJobs(ctx context.Context, depID int64) ([]*model.Job, error) {
	ids, err := e.SMembers(ctx, JobsOfSet(depID))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		b, err := e.Get(ctx, JobKey(id))
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		var j model.Job
		if err := model.UnmarshalEntity(b, &j); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, nil
}

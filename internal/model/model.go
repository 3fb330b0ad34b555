// Package model defines the entities the orchestrator tracks: workers,
// deployments, their replicas, and the dispatch history recorded for them.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkerStatus is the lifecycle status of a registered worker.
type WorkerStatus string

const (
	WorkerActive     WorkerStatus = "active"
	WorkerBusy       WorkerStatus = "busy"
	WorkerOverloaded WorkerStatus = "overloaded"
	WorkerInactive   WorkerStatus = "inactive"
)

// Load is the most recently reported resource usage for a worker.
type Load struct {
	CPUUsage          float64 `json:"cpuUsage"`
	MemoryUsage       float64 `json:"memoryUsage"`
	RunningContainers int     `json:"runningContainers"`
}

// Worker is a host that builds and runs replicas on behalf of the orchestrator.
type Worker struct {
	ID            int64        `json:"id"`
	Hostname      string       `json:"hostname"`
	Status        WorkerStatus `json:"status"`
	Load          Load         `json:"load"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// DeploymentStatus is the lifecycle status of a deployment.
type DeploymentStatus string

const (
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentActive    DeploymentStatus = "active"
	DeploymentFailed    DeploymentStatus = "failed"
)

// AssignmentStatus mirrors the lifecycle of the replica it points at, as
// tracked from the deployment side.
type AssignmentStatus string

const (
	AssignmentPending  AssignmentStatus = "pending"
	AssignmentActive   AssignmentStatus = "active"
	AssignmentFailed   AssignmentStatus = "failed"
	AssignmentRemoving AssignmentStatus = "removing"
)

// Assignment records where one replica of a deployment lives.
type Assignment struct {
	WorkerID       int64            `json:"workerId"`
	ReplicaNumber  int              `json:"replicaNumber"`
	Status         AssignmentStatus `json:"status"`
}

// Deployment is the logical record of "run repoRef as min..max replicas".
type Deployment struct {
	ID            int64            `json:"id"`
	RepoRef       string           `json:"repoRef"`
	Owner         string           `json:"owner"`
	MinReplicas   int              `json:"minReplicas"`
	MaxReplicas   int              `json:"maxReplicas"`
	Status        DeploymentStatus `json:"status"`
	LastScaleUp   *time.Time       `json:"lastScaleUp,omitempty"`
	LastScaleDown *time.Time       `json:"lastScaleDown,omitempty"`
	Assignments   []Assignment     `json:"assignments"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// ActiveAssignmentCount returns the number of assignments currently counted
// against maxReplicas (everything but a fully-torn-down one).
func (d *Deployment) ActiveAssignmentCount() int {
	return len(d.Assignments)
}

// TailAssignment returns the highest-numbered assignment, or nil if none.
func (d *Deployment) TailAssignment() *Assignment {
	if len(d.Assignments) == 0 {
		return nil
	}
	tail := d.Assignments[0]
	for _, a := range d.Assignments[1:] {
		if a.ReplicaNumber > tail.ReplicaNumber {
			tail = a
		}
	}
	return &tail
}

// RemoveAssignment removes the assignment for the given replica number,
// returning the remaining slice.
func RemoveAssignment(assignments []Assignment, replicaNumber int) []Assignment {
	out := assignments[:0]
	for _, a := range assignments {
		if a.ReplicaNumber != replicaNumber {
			out = append(out, a)
		}
	}
	return out
}

// ReplicaStatus is the lifecycle status of one replica.
type ReplicaStatus string

const (
	ReplicaPending  ReplicaStatus = "pending"
	ReplicaActive   ReplicaStatus = "active"
	ReplicaFailed   ReplicaStatus = "failed"
	ReplicaRemoving ReplicaStatus = "removing"
)

// Metrics is the load reported for a single replica.
type Metrics struct {
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
}

// Replica is one running instance of a deployment on one worker.
type Replica struct {
	ID            int64         `json:"id"`
	DeploymentID  int64         `json:"deploymentId"`
	ReplicaNumber int           `json:"replicaNumber"`
	Status        ReplicaStatus `json:"status"`
	Metrics       Metrics       `json:"metrics"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// JobKind distinguishes the two dispatch directions the orchestrator sends
// to a worker.
type JobKind string

const (
	JobDeploy JobKind = "deploy"
	JobRemove JobKind = "remove"
)

// JobStatus tracks a dispatch's observability trail. It does not gate any
// placement or scaling decision.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobDispatched JobStatus = "dispatched"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a supplemented, non-authoritative record of one dispatch sent to a
// worker, kept only so operators can see dispatch history.
type Job struct {
	ID            int64      `json:"id"`
	DeploymentID  int64      `json:"deploymentId"`
	ReplicaNumber int        `json:"replicaNumber"`
	WorkerID      int64      `json:"workerId"`
	Kind          JobKind    `json:"kind"`
	Status        JobStatus  `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// MarshalEntity is a small helper shared by the store backends so entities
// are persisted and read back with identical JSON shape.
func MarshalEntity(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	return b, nil
}

// UnmarshalEntity is the inverse of MarshalEntity.
func UnmarshalEntity(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal entity: %w", err)
	}
	return nil
}

// Package transport carries the orchestrator<->worker protocol over a
// persistent, auto-reconnecting WebSocket connection. Every frame is a
// single JSON object; the "type" field selects which payload it carries.
package transport

import (
	"encoding/json"
	"time"
)

// Type is the tag on every wire message.
type Type string

const (
	TypeRegisterWorker   Type = "registerWorker"
	TypeWorkerRegistered Type = "workerRegistered"
	TypeWorkerStatus     Type = "workerStatus"
	TypeDeployRepository Type = "deployRepository"
	TypeDeploymentStatus Type = "deploymentStatus"
	TypeRemoveReplica    Type = "removeReplica"
	TypeReplicaRemoved   Type = "replicaRemoved"
	TypeError            Type = "error"
)

// Envelope is the outer shape of every frame exchanged over the transport.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterWorker is sent worker -> orchestrator on connect and on every
// reconnect.
type RegisterWorker struct {
	Hostname    string    `json:"hostname"`
	StartTime   time.Time `json:"startTime"`
	CurrentUser string    `json:"currentUser"`
}

// WorkerRegistered is sent orchestrator -> worker in response to RegisterWorker.
type WorkerRegistered struct {
	ID int64 `json:"id"`
}

// Load mirrors model.Load on the wire.
type Load struct {
	CPUUsage          float64 `json:"cpuUsage"`
	MemoryUsage       float64 `json:"memoryUsage"`
	RunningContainers int     `json:"runningContainers"`
}

// WorkerStatus is sent worker -> orchestrator periodically.
type WorkerStatus struct {
	WorkerID  int64     `json:"workerId"`
	Status    string    `json:"status"`
	Load      Load      `json:"load"`
	Timestamp time.Time `json:"timestamp"`
}

// DeployRepository is sent orchestrator -> worker to place a new replica.
// ReplicaID on the wire is the per-deployment replica number, not the
// entity's global id -- see the open question this resolves in SPEC_FULL.md.
type DeployRepository struct {
	DeploymentDir  string    `json:"deploymentDir"`
	RepoURL        string    `json:"repoUrl"`
	ReplicaID      int       `json:"replicaId"`
	DeploymentID   int64     `json:"deploymentId"`
	DeploymentTime time.Time `json:"deploymentTime"`
}

// Metrics mirrors model.Metrics on the wire.
type Metrics struct {
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
}

// DeploymentStatus is sent worker -> orchestrator after a deploy task
// finishes, successfully or not.
type DeploymentStatus struct {
	WorkerID     int64     `json:"workerId"`
	DeploymentID int64     `json:"deploymentId"`
	ReplicaID    int       `json:"replicaId"`
	Status       string    `json:"status"`
	Port         int       `json:"port,omitempty"`
	Metrics      *Metrics  `json:"metrics,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RemoveReplica is sent orchestrator -> worker to tear a replica down.
type RemoveReplica struct {
	DeploymentID int64 `json:"deploymentId"`
	ReplicaID    int   `json:"replicaId"`
}

// ReplicaRemoved is sent worker -> orchestrator once teardown completes.
type ReplicaRemoved struct {
	WorkerID     int64     `json:"workerId"`
	DeploymentID int64     `json:"deploymentId"`
	ReplicaID    int       `json:"replicaId"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorMessage is sent orchestrator -> worker to report a protocol-level problem.
type ErrorMessage struct {
	Message string `json:"message"`
}

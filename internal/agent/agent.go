// Package agent is the worker-side counterpart to the orchestrator: it
// connects over the transport client, runs deploy/remove tasks against a
// ContainerDriver and RepoDriver, and reports load and task outcomes back.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrelhq/fleet/internal/transport"
)

const (
	buildAttempts   = 3
	buildRetryDelay = 5 * time.Second
	removeGrace     = 10 * time.Second
	defaultCPULimit = 1_000_000_000 // one core, in nano-cpus
	defaultMemLimit = 512 * 1024 * 1024
	basePort        = 8000
)

// taskKey identifies one replica's task, matching the state machine's key.
type taskKey struct {
	deploymentID  int64
	replicaNumber int
}

// Sender is the subset of transport.Client the Agent needs to report back
// to the orchestrator. Narrowed to an interface so tests can substitute a
// recorder instead of a live WebSocket connection.
type Sender interface {
	Send(msgType transport.Type, payload any) error
}

// Config configures an Agent.
type Config struct {
	Containers     ContainerDriver
	Repos          RepoDriver
	DeploymentRoot string
	TelemetryEvery time.Duration
	// BuildRetryDelay overrides the spacing between build attempts.
	// Defaults to buildRetryDelay; tests set it to 0 to run instantly.
	BuildRetryDelay *time.Duration
}

// Agent implements transport.ClientHandlers, running the C7 task state
// machine and periodic telemetry reporting.
type Agent struct {
	containers ContainerDriver
	repos      RepoDriver
	root       string
	telemetry  time.Duration
	buildDelay time.Duration

	client Sender

	mu       sync.Mutex
	workerID int64
	running  map[taskKey]string

	stopTelemetry chan struct{}
}

// New builds an Agent. Call Attach once the transport.Client exists, since
// the client and the agent reference each other.
func New(cfg Config) *Agent {
	if cfg.TelemetryEvery == 0 {
		cfg.TelemetryEvery = 15 * time.Second
	}
	delay := buildRetryDelay
	if cfg.BuildRetryDelay != nil {
		delay = *cfg.BuildRetryDelay
	}
	return &Agent{
		containers:    cfg.Containers,
		repos:         cfg.Repos,
		root:          cfg.DeploymentRoot,
		telemetry:     cfg.TelemetryEvery,
		buildDelay:    delay,
		running:       make(map[taskKey]string),
		stopTelemetry: make(chan struct{}),
	}
}

// Attach wires the transport client the Agent sends reports through.
func (a *Agent) Attach(client Sender) {
	a.client = client
}

// OnRegistered records the worker id assigned by the orchestrator and
// starts the telemetry loop.
func (a *Agent) OnRegistered(workerID int64) {
	a.mu.Lock()
	a.workerID = workerID
	a.mu.Unlock()

	log.Printf("agent: registered as worker %d", workerID)
	go a.telemetryLoop()
}

// OnError logs a protocol-level error reported by the orchestrator.
func (a *Agent) OnError(msg transport.ErrorMessage) {
	log.Printf("agent: orchestrator error: %s", msg.Message)
}

// Stop halts the telemetry loop.
func (a *Agent) Stop() {
	select {
	case <-a.stopTelemetry:
	default:
		close(a.stopTelemetry)
	}
}

func (a *Agent) telemetryLoop() {
	ticker := time.NewTicker(a.telemetry)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopTelemetry:
			return
		case <-ticker.C:
			a.reportStatus()
		}
	}
}

func (a *Agent) reportStatus() {
	names := a.runningContainerNames()

	load, err := SampleSystemLoad(context.Background(), a.containers, names)
	if err != nil {
		log.Printf("agent: sample system load: %v", err)
		return
	}
	status := DeriveStatus(load)

	a.mu.Lock()
	workerID := a.workerID
	a.mu.Unlock()

	msg := transport.WorkerStatus{
		WorkerID: workerID,
		Status:   string(status),
		Load: transport.Load{
			CPUUsage:          load.CPUUsage,
			MemoryUsage:       load.MemoryUsage,
			RunningContainers: len(names),
		},
		Timestamp: time.Now(),
	}
	if err := a.client.Send(transport.TypeWorkerStatus, msg); err != nil {
		log.Printf("agent: send workerStatus: %v", err)
	}
}

// trackRunning records that key's container is live, for telemetry's
// running-container count and per-container stats sampling.
func (a *Agent) trackRunning(key taskKey, containerName string) {
	a.mu.Lock()
	a.running[key] = containerName
	a.mu.Unlock()
}

// untrackRunning drops key from the running set. Safe to call for a key
// that was never tracked.
func (a *Agent) untrackRunning(key taskKey) {
	a.mu.Lock()
	delete(a.running, key)
	a.mu.Unlock()
}

func (a *Agent) runningContainerNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.running))
	for _, name := range a.running {
		names = append(names, name)
	}
	return names
}

// OnDeployRepository runs the full deploy task state machine:
// cleanup -> clone -> build -> run -> report.
func (a *Agent) OnDeployRepository(msg transport.DeployRepository) {
	go a.runDeploy(msg)
}

func (a *Agent) runDeploy(msg transport.DeployRepository) {
	key := taskKey{deploymentID: msg.DeploymentID, replicaNumber: msg.ReplicaID}
	ctx := context.Background()

	a.cleanup(ctx, key)

	dir := a.workDir(key)
	if _, err := a.repos.Clone(ctx, msg.RepoURL, dir); err != nil {
		a.reportFailure(key, fmt.Errorf("clone: %w", err))
		a.cleanup(ctx, key)
		return
	}

	if err := ensureBuildDescriptor(dir); err != nil {
		a.reportFailure(key, fmt.Errorf("build descriptor: %w", err))
		a.cleanup(ctx, key)
		return
	}

	imageTag := imageTagFor(key)
	if err := a.buildWithRetries(ctx, dir, imageTag); err != nil {
		a.reportFailure(key, fmt.Errorf("build: %w", err))
		a.cleanup(ctx, key)
		return
	}

	containerName := containerNameFor(key)
	port := basePort + key.replicaNumber
	_, err := a.containers.RunContainer(ctx, ContainerSpec{
		Image:         imageTag,
		Name:          containerName,
		Port:          port,
		CPULimit:      defaultCPULimit,
		MemoryLimit:   defaultMemLimit,
		RestartPolicy: "unless-stopped",
	})
	if err != nil {
		a.reportFailure(key, fmt.Errorf("run: %w", err))
		a.cleanup(ctx, key)
		return
	}

	a.trackRunning(key, containerName)
	a.reportSuccess(key, containerName, port)
}

func (a *Agent) buildWithRetries(ctx context.Context, dir, tag string) error {
	var lastErr error
	for attempt := 1; attempt <= buildAttempts; attempt++ {
		lastErr = a.containers.BuildImage(ctx, dir, tag)
		if lastErr == nil {
			return nil
		}
		log.Printf("agent: build attempt %d/%d for %s failed: %v", attempt, buildAttempts, tag, lastErr)
		if attempt < buildAttempts {
			time.Sleep(a.buildDelay)
		}
	}
	return lastErr
}

func (a *Agent) reportSuccess(key taskKey, containerName string, port int) {
	stats, err := a.containers.Stats(context.Background(), containerName)
	var metrics *transport.Metrics
	if err == nil {
		// CPU is reported as a percentage of one core, the unit the
		// orchestrator's scaling threshold is expressed in.
		metrics = &transport.Metrics{CPUUsage: stats.CPUCores * 100, MemoryUsage: float64(stats.MemoryBytes)}
	}

	a.mu.Lock()
	workerID := a.workerID
	a.mu.Unlock()

	msg := transport.DeploymentStatus{
		WorkerID:     workerID,
		DeploymentID: key.deploymentID,
		ReplicaID:    key.replicaNumber,
		Status:       "active",
		Port:         port,
		Metrics:      metrics,
		Timestamp:    time.Now(),
	}
	if err := a.client.Send(transport.TypeDeploymentStatus, msg); err != nil {
		log.Printf("agent: send deploymentStatus: %v", err)
	}
}

func (a *Agent) reportFailure(key taskKey, taskErr error) {
	log.Printf("agent: task %+v failed: %v", key, taskErr)

	a.mu.Lock()
	workerID := a.workerID
	a.mu.Unlock()

	msg := transport.DeploymentStatus{
		WorkerID:     workerID,
		DeploymentID: key.deploymentID,
		ReplicaID:    key.replicaNumber,
		Status:       "failed",
		Error:        taskErr.Error(),
		Timestamp:    time.Now(),
	}
	if err := a.client.Send(transport.TypeDeploymentStatus, msg); err != nil {
		log.Printf("agent: send deploymentStatus: %v", err)
	}
}

// OnRemoveReplica tears a replica down: stop with grace, force-remove the
// container, remove the image, remove the working directory.
func (a *Agent) OnRemoveReplica(msg transport.RemoveReplica) {
	go a.runRemove(msg)
}

func (a *Agent) runRemove(msg transport.RemoveReplica) {
	key := taskKey{deploymentID: msg.DeploymentID, replicaNumber: msg.ReplicaID}
	ctx := context.Background()

	a.cleanup(ctx, key)

	a.mu.Lock()
	workerID := a.workerID
	a.mu.Unlock()

	out := transport.ReplicaRemoved{
		WorkerID:     workerID,
		DeploymentID: key.deploymentID,
		ReplicaID:    key.replicaNumber,
		Timestamp:    time.Now(),
	}
	if err := a.client.Send(transport.TypeReplicaRemoved, out); err != nil {
		log.Printf("agent: send replicaRemoved: %v", err)
	}
}

// cleanup stops/removes the container and image for key and deletes its
// working directory. It is idempotent: errors from a driver that has
// nothing to clean up are logged, not fatal.
func (a *Agent) cleanup(ctx context.Context, key taskKey) {
	containerName := containerNameFor(key)
	imageTag := imageTagFor(key)

	a.untrackRunning(key)

	if err := a.containers.StopContainer(ctx, containerName, int(removeGrace.Seconds())); err != nil {
		log.Printf("agent: stop %s: %v", containerName, err)
	}
	if err := a.containers.RemoveContainer(ctx, containerName); err != nil {
		log.Printf("agent: remove container %s: %v", containerName, err)
	}
	if err := a.containers.RemoveImage(ctx, imageTag); err != nil {
		log.Printf("agent: remove image %s: %v", imageTag, err)
	}
	if err := a.repos.Remove(a.workDir(key)); err != nil {
		log.Printf("agent: remove workdir for %+v: %v", key, err)
	}
}

func (a *Agent) workDir(key taskKey) string {
	return filepath.Join(a.root, fmt.Sprintf("%d-%d", key.deploymentID, key.replicaNumber))
}

func imageTagFor(key taskKey) string {
	return fmt.Sprintf("app-%d:%d", key.deploymentID, key.replicaNumber)
}

func containerNameFor(key taskKey) string {
	return fmt.Sprintf("app-%d-%d", key.deploymentID, key.replicaNumber)
}

// ensureBuildDescriptor materializes a minimal requirements.txt and
// Dockerfile when the cloned repository doesn't already supply them, so a
// bare Python script is still buildable.
func ensureBuildDescriptor(dir string) error {
	reqPath := filepath.Join(dir, "requirements.txt")
	if _, err := os.Stat(reqPath); os.IsNotExist(err) {
		if err := os.WriteFile(reqPath, []byte(""), 0644); err != nil {
			return fmt.Errorf("write default requirements.txt: %w", err)
		}
	}

	dockerfilePath := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(dockerfilePath); os.IsNotExist(err) {
		const defaultDockerfile = `FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
CMD ["python", "main.py"]
`
		if err := os.WriteFile(dockerfilePath, []byte(defaultDockerfile), 0644); err != nil {
			return fmt.Errorf("write default Dockerfile: %w", err)
		}
	}

	return nil
}

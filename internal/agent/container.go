package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec is what RunContainer needs to create and start a replica's
// container.
type ContainerSpec struct {
	Image         string
	Name          string
	Port          int
	CPULimit      int64 // nano-cpus, e.g. 1 core = 1_000_000_000
	MemoryLimit   int64 // bytes
	RestartPolicy string
}

// ContainerStats is a point-in-time resource snapshot for one container.
type ContainerStats struct {
	CPUCores    float64
	MemoryBytes int64
}

// ContainerDriver abstracts the container engine so the task state machine
// never talks to Docker directly. BuildImage builds from a tree on disk; the
// rest manage one running replica container.
type ContainerDriver interface {
	BuildImage(ctx context.Context, dir, tag string) error
	RunContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, tag string) error
	Stats(ctx context.Context, containerID string) (ContainerStats, error)
}

// dockerDriver is the production ContainerDriver, backed by the Docker
// Engine SDK.
type dockerDriver struct {
	client *client.Client
}

// NewDockerDriver connects to the local Docker daemon using the standard
// environment-based configuration.
func NewDockerDriver() (ContainerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("agent: connect to docker: %w", err)
	}
	return &dockerDriver{client: cli}, nil
}

func (d *dockerDriver) BuildImage(ctx context.Context, dir, tag string) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("agent: build context for %s: %w", dir, err)
	}
	defer buildCtx.Close()

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("agent: build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("agent: drain build output for %s: %w", tag, err)
	}
	return nil
}

func (d *dockerDriver) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.Port))
	if err != nil {
		return "", fmt.Errorf("agent: invalid port %d: %w", spec.Port, err)
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Env:          []string{fmt.Sprintf("PORT=%d", spec.Port)},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.Port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: restartPolicyName(spec.RestartPolicy)},
	}
	if spec.CPULimit > 0 {
		hostConfig.Resources.NanoCPUs = spec.CPULimit
	}
	if spec.MemoryLimit > 0 {
		hostConfig.Resources.Memory = spec.MemoryLimit
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("agent: create container %s: %w", spec.Name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("agent: start container %s: %w", spec.Name, err)
	}

	return resp.ID, nil
}

func (d *dockerDriver) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	timeout := timeoutSeconds
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("agent: stop container %s: %w", containerID, err)
	}
	return nil
}

func (d *dockerDriver) RemoveContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("agent: remove container %s: %w", containerID, err)
	}
	return nil
}

func (d *dockerDriver) RemoveImage(ctx context.Context, tag string) error {
	if _, err := d.client.ImageRemove(ctx, tag, dockerimage.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("agent: remove image %s: %w", tag, err)
	}
	return nil
}

func (d *dockerDriver) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	resp, err := d.client.ContainerStats(ctx, containerID, false)
	if err != nil {
		return ContainerStats{}, fmt.Errorf("agent: stats %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var v container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		if err == io.EOF {
			return ContainerStats{}, nil
		}
		return ContainerStats{}, fmt.Errorf("agent: decode stats %s: %w", containerID, err)
	}

	return ContainerStats{
		CPUCores:    calculateCPUCores(&v),
		MemoryBytes: int64(v.MemoryStats.Usage),
	}, nil
}

// calculateCPUCores mirrors the Docker CPU-delta/system-delta percentage
// calculation: usage as a fraction of the host's available cores.
func calculateCPUCores(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)

	numCPUs := float64(stats.CPUStats.OnlineCPUs)
	if numCPUs == 0 {
		numCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if numCPUs == 0 {
		numCPUs = 1
	}

	if systemDelta > 0 && cpuDelta > 0 {
		return (cpuDelta / systemDelta) * numCPUs
	}
	return 0
}

func restartPolicyName(policy string) container.RestartPolicyMode {
	switch policy {
	case "always":
		return container.RestartPolicyAlways
	case "on-failure":
		return container.RestartPolicyOnFailure
	case "no":
		return container.RestartPolicyDisabled
	default:
		return container.RestartPolicyUnlessStopped
	}
}

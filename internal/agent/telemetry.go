package agent

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/kestrelhq/fleet/internal/model"
)

const (
	overloadedCPU = 80.0
	overloadedMem = 90.0
	busyCPU       = 60.0
	busyMem       = 70.0
)

// SystemLoad is a point-in-time host resource sample.
type SystemLoad struct {
	CPUUsage    float64
	MemoryUsage float64
}

// SampleSystemLoad reads host-wide CPU and memory usage, then folds in the
// actual draw of the containers this worker currently runs and takes the
// max of the two: cpuUsage = max(systemLoad, avgContainerCpu%), memoryUsage
// = max(systemUsed%, avgContainerMem%). A host that's idle while its
// containers are pegged must still report as busy or overloaded.
func SampleSystemLoad(ctx context.Context, containers ContainerDriver, containerNames []string) (SystemLoad, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return SystemLoad{}, fmt.Errorf("agent: sample cpu: %w", err)
	}
	cpuUsage := 0.0
	if len(percents) > 0 {
		cpuUsage = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return SystemLoad{}, fmt.Errorf("agent: sample memory: %w", err)
	}
	memUsage := vm.UsedPercent

	numCPUs, err := cpu.Counts(true)
	if err != nil || numCPUs == 0 {
		numCPUs = 1
	}

	if avgCPU, avgMem, ok := avgContainerUsage(ctx, containers, containerNames, float64(numCPUs), float64(vm.Total)); ok {
		cpuUsage = max(cpuUsage, avgCPU)
		memUsage = max(memUsage, avgMem)
	}

	return SystemLoad{CPUUsage: cpuUsage, MemoryUsage: memUsage}, nil
}

// avgContainerUsage averages each running container's stats into a
// host-scale percentage: CPUCores (fraction of a core) against the host's
// total cores, MemoryBytes against the host's total memory. Containers
// whose stats can't be read (already stopped, racing with cleanup) are
// skipped rather than failing the whole sample.
func avgContainerUsage(ctx context.Context, containers ContainerDriver, names []string, numCPUs, totalMemBytes float64) (avgCPU, avgMem float64, ok bool) {
	if containers == nil || len(names) == 0 {
		return 0, 0, false
	}

	var cpuSum, memSum float64
	var counted int
	for _, name := range names {
		stats, err := containers.Stats(ctx, name)
		if err != nil {
			continue
		}
		if numCPUs > 0 {
			cpuSum += (stats.CPUCores / numCPUs) * 100
		}
		if totalMemBytes > 0 {
			memSum += (float64(stats.MemoryBytes) / totalMemBytes) * 100
		}
		counted++
	}
	if counted == 0 {
		return 0, 0, false
	}
	return cpuSum / float64(counted), memSum / float64(counted), true
}

// DeriveStatus classifies a load sample into the worker status thresholds:
// overloaded beats busy beats active.
func DeriveStatus(load SystemLoad) model.WorkerStatus {
	switch {
	case load.CPUUsage > overloadedCPU || load.MemoryUsage > overloadedMem:
		return model.WorkerOverloaded
	case load.CPUUsage > busyCPU || load.MemoryUsage > busyMem:
		return model.WorkerBusy
	default:
		return model.WorkerActive
	}
}

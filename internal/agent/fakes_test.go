package agent

import (
	"context"
	"errors"
	"os"
	"sync"
)

// fakeContainerDriver records calls and lets tests script failures by tag.
type fakeContainerDriver struct {
	mu sync.Mutex

	buildFailures map[string]int // tag -> number of times BuildImage should fail before succeeding
	buildCalls    map[string]int
	runFailTag    string

	built   []string
	ran     []string
	stopped []string
	removed []string
	images  []string
}

func newFakeContainerDriver() *fakeContainerDriver {
	return &fakeContainerDriver{
		buildFailures: map[string]int{},
		buildCalls:    map[string]int{},
	}
}

func (f *fakeContainerDriver) BuildImage(ctx context.Context, dir, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls[tag]++
	if f.buildCalls[tag] <= f.buildFailures[tag] {
		return errors.New("simulated build failure")
	}
	f.built = append(f.built, tag)
	return nil
}

func (f *fakeContainerDriver) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runFailTag != "" && spec.Image == f.runFailTag {
		return "", errors.New("simulated run failure")
	}
	f.ran = append(f.ran, spec.Name)
	return spec.Name, nil
}

func (f *fakeContainerDriver) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeContainerDriver) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeContainerDriver) RemoveImage(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, tag)
	return nil
}

func (f *fakeContainerDriver) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	return ContainerStats{CPUCores: 0.1, MemoryBytes: 1024}, nil
}

// fakeRepoDriver never runs git: Clone only creates the empty target
// directory and records the call; Remove records the call and leaves the
// filesystem alone.
type fakeRepoDriver struct {
	mu        sync.Mutex
	cloneErr  error
	cloned    []string
	removed   []string
}

func (f *fakeRepoDriver) Clone(ctx context.Context, cloneURL, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cloneErr != nil {
		return "", f.cloneErr
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f.cloned = append(f.cloned, dir)
	return "deadbeef", nil
}

func (f *fakeRepoDriver) Remove(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, dir)
	return nil
}

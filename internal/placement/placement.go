// Package placement implements the Placement Engine: selecting candidate
// workers for new replicas under the capacity constraints of §4.4.
package placement

import (
	"context"
	"sort"

	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/store"
)

const cpuCeiling = 80.0

// Engine selects workers for placement. It holds no state of its own; every
// call reads the current worker set from Entities.
type Engine struct {
	entities *store.Entities
}

func New(entities *store.Entities) *Engine {
	return &Engine{entities: entities}
}

// candidates returns every active worker under the CPU ceiling, sorted
// ascending by cpuUsage with ties broken by earlier lastHeartbeat.
func (e *Engine) candidates(ctx context.Context) ([]*model.Worker, error) {
	workers, err := e.entities.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Status == model.WorkerActive && w.Load.CPUUsage < cpuCeiling {
			out = append(out, w)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Load.CPUUsage != out[j].Load.CPUUsage {
			return out[i].Load.CPUUsage < out[j].Load.CPUUsage
		}
		return out[i].LastHeartbeat.Before(out[j].LastHeartbeat)
	})
	return out, nil
}

// SelectWorkers returns up to n candidate workers, ascending by load.
// Selection is advisory: callers must cope with a chosen worker becoming
// unreachable before dispatch completes.
func (e *Engine) SelectWorkers(ctx context.Context, n int) ([]*model.Worker, error) {
	candidates, err := e.candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

// FindOne returns the single best candidate worker, or nil if none qualify.
func (e *Engine) FindOne(ctx context.Context) (*model.Worker, error) {
	candidates, err := e.candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

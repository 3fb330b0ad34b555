// Package registry implements the Worker Registry: the bi-map between
// worker identity and live routing handle, worker status bookkeeping, and
// the periodic sweep that evicts workers whose heartbeat has gone stale.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kestrelhq/fleet/internal/clock"
	"github.com/kestrelhq/fleet/internal/interfaces"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/store"
	"github.com/kestrelhq/fleet/internal/transport"
)

// StatusChangedEvent is published whenever a worker's status field flips.
type StatusChangedEvent struct {
	WorkerID       int64
	PreviousStatus model.WorkerStatus
	CurrentStatus  model.WorkerStatus
}

// Router delivers messages to a specific worker's live connection. Hub
// implements this; it is narrowed here so registry doesn't depend on the
// whole transport package surface.
type Router interface {
	RouteTo(workerID int64, msgType transport.Type, payload any) error
}

// Config configures a Registry.
type Config struct {
	Entities        *store.Entities
	Router          Router
	Clock           clock.Clock
	InactiveTimeout time.Duration
	SweepInterval   time.Duration
}

// Registry is the C3 Worker Registry.
type Registry struct {
	entities        *store.Entities
	router          Router
	clock           clock.Clock
	inactiveTimeout time.Duration
	sweepInterval   time.Duration

	interfaces.PubSub[StatusChangedEvent]

	mu         sync.Mutex
	byHostname map[string]int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const (
	defaultInactiveTimeout = 2 * time.Minute
	defaultSweepInterval   = 30 * time.Second
)

// New returns a Registry ready to accept registrations.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.InactiveTimeout == 0 {
		cfg.InactiveTimeout = defaultInactiveTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Registry{
		entities:        cfg.Entities,
		router:          cfg.Router,
		clock:           cfg.Clock,
		inactiveTimeout: cfg.InactiveTimeout,
		sweepInterval:   cfg.SweepInterval,
		byHostname:      make(map[string]int64),
	}
}

// Register backs transport.Handlers.OnRegister: any prior Worker with
// the same hostname is superseded, then a fresh id is allocated.
func (r *Registry) Register(ctx context.Context, hostname string) (int64, error) {
	r.mu.Lock()
	if priorID, exists := r.byHostname[hostname]; exists {
		delete(r.byHostname, hostname)
		r.mu.Unlock()
		if err := r.entities.DeleteWorker(ctx, priorID); err != nil && err != store.ErrNotFound {
			log.Printf("registry: delete superseded worker %d (%s): %v", priorID, hostname, err)
		}
	} else {
		r.mu.Unlock()
	}

	id, err := r.entities.NextWorkerID(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: allocate worker id: %w", err)
	}

	w := &model.Worker{
		ID:            id,
		Hostname:      hostname,
		Status:        model.WorkerActive,
		LastHeartbeat: r.clock.Now(),
	}
	if err := r.entities.PutWorker(ctx, w); err != nil {
		return 0, fmt.Errorf("registry: persist worker %d: %w", id, err)
	}

	r.mu.Lock()
	r.byHostname[hostname] = id
	r.mu.Unlock()

	return id, nil
}

// UpdateStatus refreshes a worker's reported load and heartbeat timestamp.
// It rejects unknown worker ids.
func (r *Registry) UpdateStatus(ctx context.Context, workerID int64, status model.WorkerStatus, load model.Load) error {
	w, err := r.entities.GetWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("registry: update status for unknown worker %d: %w", workerID, err)
	}

	previous := w.Status
	w.Status = status
	w.Load = load
	w.LastHeartbeat = r.clock.Now()

	if err := r.entities.PutWorker(ctx, w); err != nil {
		return fmt.Errorf("registry: persist worker %d: %w", workerID, err)
	}

	if previous != status {
		r.NotifyObservers(StatusChangedEvent{WorkerID: workerID, PreviousStatus: previous, CurrentStatus: status})
	}
	return nil
}

// Detach removes a Worker entirely, called when its transport connection is lost.
func (r *Registry) Detach(ctx context.Context, workerID int64) {
	w, err := r.entities.GetWorker(ctx, workerID)
	if err != nil {
		return
	}

	r.mu.Lock()
	if r.byHostname[w.Hostname] == workerID {
		delete(r.byHostname, w.Hostname)
	}
	r.mu.Unlock()

	if err := r.entities.DeleteWorker(ctx, workerID); err != nil && err != store.ErrNotFound {
		log.Printf("registry: detach worker %d: %v", workerID, err)
	}
}

// RouteTo delivers a message to workerID's live connection.
func (r *Registry) RouteTo(workerID int64, msgType transport.Type, payload any) error {
	return r.router.RouteTo(workerID, msgType, payload)
}

// Start launches the periodic inactivity sweep.
func (r *Registry) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.sweepLoop(sweepCtx)
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep removes every Worker whose heartbeat is stale or whose status is
// already inactive.
func (r *Registry) sweep(ctx context.Context) {
	workers, err := r.entities.ListWorkers(ctx)
	if err != nil {
		log.Printf("registry: sweep: list workers: %v", err)
		return
	}

	now := r.clock.Now()
	for _, w := range workers {
		stale := now.Sub(w.LastHeartbeat) > r.inactiveTimeout
		if stale || w.Status == model.WorkerInactive {
			log.Printf("registry: sweeping worker %d (%s), idle for %s", w.ID, w.Hostname, now.Sub(w.LastHeartbeat))
			r.Detach(ctx, w.ID)
		}
	}
}

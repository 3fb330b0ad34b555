// Command controller runs the orchestrator: the admin HTTP API, the worker
// WebSocket hub, the worker registry sweep, and the scaling controller tick.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kestrelhq/fleet/internal/api"
	"github.com/kestrelhq/fleet/internal/config"
	"github.com/kestrelhq/fleet/internal/deployment"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/placement"
	"github.com/kestrelhq/fleet/internal/registry"
	"github.com/kestrelhq/fleet/internal/repovalidate"
	"github.com/kestrelhq/fleet/internal/scaling"
	"github.com/kestrelhq/fleet/internal/store"
	"github.com/kestrelhq/fleet/internal/transport"
)

// handlers adapts the registry and deployment manager to transport.Handlers,
// the shape the Hub dispatches inbound worker frames against.
type handlers struct {
	registry *registry.Registry
	manager  *deployment.Manager
}

func (h *handlers) OnRegister(hostname string) (int64, error) {
	return h.registry.Register(context.Background(), hostname)
}

func (h *handlers) OnWorkerStatus(msg transport.WorkerStatus) {
	load := model.Load{
		CPUUsage:          msg.Load.CPUUsage,
		MemoryUsage:       msg.Load.MemoryUsage,
		RunningContainers: msg.Load.RunningContainers,
	}
	status := model.WorkerStatus(msg.Status)
	if err := h.registry.UpdateStatus(context.Background(), msg.WorkerID, status, load); err != nil {
		log.Printf("controller: workerStatus from %d: %v", msg.WorkerID, err)
	}
}

func (h *handlers) OnDeploymentStatus(msg transport.DeploymentStatus) {
	h.manager.OnDeploymentStatus(context.Background(), msg)
}

func (h *handlers) OnReplicaRemoved(msg transport.ReplicaRemoved) {
	h.manager.OnReplicaRemoved(context.Background(), msg)
}

func (h *handlers) OnDisconnect(workerID int64) {
	h.registry.Detach(context.Background(), workerID)
}

func main() {
	cfg, err := config.ParseController(os.Args[1:])
	if err != nil {
		log.Fatalf("controller: parse config: %v", err)
	}

	backend, err := openStore(cfg)
	if err != nil {
		log.Fatalf("controller: open store: %v", err)
	}
	defer backend.Close()

	entities := store.NewEntities(backend)

	validator := repovalidate.New(cfg.GithubToken)
	placer := placement.New(entities)

	// registry and manager both need the Hub as their router, and the Hub
	// needs handlers wrapping registry and manager: wire handlers first with
	// its fields set after the Hub exists.
	h := &handlers{}
	hub := transport.NewHub(h)

	reg := registry.New(registry.Config{
		Entities:        entities,
		Router:          hub,
		InactiveTimeout: cfg.InactiveTimeout,
		SweepInterval:   cfg.SweepInterval,
	})
	mgr := deployment.New(entities, validator, placer, hub, nil)
	h.registry = reg
	h.manager = mgr

	scaler := scaling.New(scaling.Config{
		Entities:          entities,
		Deployer:          mgr,
		Placer:            placer,
		CheckInterval:     cfg.CheckInterval,
		CPUThreshold:      cfg.CPUThreshold,
		ScaleUpCooldown:   cfg.ScaleUpCooldown,
		ScaleDownCooldown: cfg.ScaleDownCooldown,
	})

	adminServer := api.New(api.Config{Manager: mgr, Entities: entities, Port: cfg.HTTPPort})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg.Start(ctx)
	scaler.Start(ctx)

	go func() {
		log.Printf("controller: admin API listening on :%d", cfg.HTTPPort)
		if err := adminServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("controller: admin API: %v", err)
		}
	}()

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws/agent", hub)
	wsServer := &http.Server{Addr: portAddr(cfg.WSPort), Handler: wsMux}
	go func() {
		log.Printf("controller: worker transport listening on :%d", cfg.WSPort)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("controller: worker transport: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("controller: shutting down")
	cancel()
	reg.Stop()
	scaler.Stop()
	if err := adminServer.Shutdown(); err != nil {
		log.Printf("controller: admin API shutdown: %v", err)
	}
	if err := wsServer.Shutdown(context.Background()); err != nil {
		log.Printf("controller: worker transport shutdown: %v", err)
	}
}

func openStore(cfg config.Controller) (store.Store, error) {
	if strings.HasPrefix(cfg.StoreDSN, "sqlite://") {
		path := strings.TrimPrefix(cfg.StoreDSN, "sqlite://")
		return store.OpenSQLite(store.SQLiteConfig{DatabasePath: path, MigrationsPath: cfg.MigrationsPath})
	}
	return store.NewMemory(), nil
}

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// Package scaling implements the Scaling Controller: a periodic tick that
// computes average load per deployment and drives scale-up / scale-down
// under cooldowns and replica bounds.
package scaling

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kestrelhq/fleet/internal/clock"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/store"
)

const (
	defaultCheckInterval    = 30 * time.Second
	defaultCPUThreshold     = 70.0
	defaultScaleUpCooldown  = 5 * time.Minute
	defaultScaleDownCooldown = 10 * time.Minute
)

// Deployer is the subset of deployment.Manager the controller needs.
type Deployer interface {
	AddReplica(ctx context.Context, depID int64, worker *model.Worker) error
	RemoveTail(ctx context.Context, depID int64) error
}

// Placer selects a single worker for a scale-up.
type Placer interface {
	FindOne(ctx context.Context) (*model.Worker, error)
}

// Config configures a Controller.
type Config struct {
	Entities         *store.Entities
	Deployer         Deployer
	Placer           Placer
	Clock            clock.Clock
	CheckInterval    time.Duration
	CPUThreshold     float64
	ScaleUpCooldown  time.Duration
	ScaleDownCooldown time.Duration
}

// Controller is the C6 Scaling Controller.
type Controller struct {
	entities *store.Entities
	deployer Deployer
	placer   Placer
	clock    clock.Clock

	checkInterval     time.Duration
	cpuThreshold      float64
	scaleUpCooldown   time.Duration
	scaleDownCooldown time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.CPUThreshold == 0 {
		cfg.CPUThreshold = defaultCPUThreshold
	}
	if cfg.ScaleUpCooldown == 0 {
		cfg.ScaleUpCooldown = defaultScaleUpCooldown
	}
	if cfg.ScaleDownCooldown == 0 {
		cfg.ScaleDownCooldown = defaultScaleDownCooldown
	}
	return &Controller{
		entities:          cfg.Entities,
		deployer:          cfg.Deployer,
		placer:            cfg.Placer,
		clock:             cfg.Clock,
		checkInterval:     cfg.CheckInterval,
		cpuThreshold:      cfg.CPUThreshold,
		scaleUpCooldown:   cfg.ScaleUpCooldown,
		scaleDownCooldown: cfg.ScaleDownCooldown,
	}
}

// Start launches the periodic tick loop.
func (c *Controller) Start(ctx context.Context) {
	tickCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.loop(tickCtx)
}

// Stop halts the tick loop and waits for it to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates every active deployment once. It is exported so tests (and
// a manual admin trigger, if ever needed) can drive it without waiting on
// the ticker.
func (c *Controller) Tick(ctx context.Context) {
	deployments, err := c.entities.ListDeployments(ctx)
	if err != nil {
		log.Printf("scaling: list deployments: %v", err)
		return
	}

	for _, dep := range deployments {
		if dep.Status != model.DeploymentActive {
			continue
		}
		if err := c.evaluate(ctx, dep); err != nil {
			log.Printf("scaling: evaluate deployment %d: %v", dep.ID, err)
		}
	}
}

func (c *Controller) evaluate(ctx context.Context, dep *model.Deployment) error {
	replicas, err := c.entities.ListReplicas(ctx, dep.ID)
	if err != nil {
		return err
	}

	var sum float64
	var active int
	for _, r := range replicas {
		if r.Status == model.ReplicaActive {
			sum += r.Metrics.CPUUsage
			active++
		}
	}
	avgCPU := 0.0
	if active > 0 {
		avgCPU = sum / float64(active)
	}

	now := c.clock.Now()

	if avgCPU > c.cpuThreshold &&
		dep.ActiveAssignmentCount() < dep.MaxReplicas &&
		cooldownElapsed(dep.LastScaleUp, now, c.scaleUpCooldown) {
		return c.scaleUp(ctx, dep, now)
	}

	if avgCPU < c.cpuThreshold/2 &&
		dep.ActiveAssignmentCount() > dep.MinReplicas &&
		cooldownElapsed(dep.LastScaleDown, now, c.scaleDownCooldown) {
		return c.scaleDown(ctx, dep, now)
	}

	return nil
}

func cooldownElapsed(last *time.Time, now time.Time, cooldown time.Duration) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) > cooldown
}

func (c *Controller) scaleUp(ctx context.Context, dep *model.Deployment, now time.Time) error {
	worker, err := c.placer.FindOne(ctx)
	if err != nil {
		return err
	}
	if worker == nil {
		log.Printf("scaling: deployment %d wants to scale up but no worker qualifies", dep.ID)
		return nil
	}

	if err := c.deployer.AddReplica(ctx, dep.ID, worker); err != nil {
		return err
	}

	fresh, err := c.entities.GetDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	fresh.LastScaleUp = &now
	return c.entities.PutDeployment(ctx, fresh)
}

func (c *Controller) scaleDown(ctx context.Context, dep *model.Deployment, now time.Time) error {
	if err := c.deployer.RemoveTail(ctx, dep.ID); err != nil {
		return err
	}

	fresh, err := c.entities.GetDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	fresh.LastScaleDown = &now
	return c.entities.PutDeployment(ctx, fresh)
}

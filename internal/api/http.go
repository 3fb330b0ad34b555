// Package api exposes the admin HTTP surface: deploy, list, and inspect
// deployments, workers, replicas, and dispatch history.
package api

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/kestrelhq/fleet/internal/deployment"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/store"
)

// Manager is the subset of deployment.Manager the API needs.
type Manager interface {
	Create(ctx context.Context, req deployment.CreateRequest) (*model.Deployment, error)
	TearDown(ctx context.Context, depID int64) error
}

// Server hosts the admin HTTP API.
type Server struct {
	app      *fiber.App
	manager  Manager
	entities *store.Entities
	port     int
}

// Config configures a Server.
type Config struct {
	Manager  Manager
	Entities *store.Entities
	Port     int
}

// New builds the Fiber app and registers routes; call Start to listen.
func New(cfg Config) *Server {
	app := fiber.New(fiber.Config{
		AppName: "Fleet Orchestrator Admin API",
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	s := &Server{app: app, manager: cfg.Manager, entities: cfg.Entities, port: cfg.Port}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealthz)
	s.app.Post("/deploy", s.handleDeploy)
	s.app.Get("/deployments", s.handleListDeployments)
	s.app.Get("/deployment/:id", s.handleGetDeployment)
	s.app.Delete("/deployment/:id", s.handleDeleteDeployment)
	s.app.Get("/deployment/:id/jobs", s.handleListJobs)
	s.app.Get("/workers", s.handleListWorkers)
	s.app.Get("/replicas/:deploymentId", s.handleListReplicas)
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	return s.app.Listen(fmt.Sprintf(":%d", s.port))
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	if err := s.entities.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type deployRequest struct {
	GithubRepo  string `json:"githubRepo"`
	UserName    string `json:"userName"`
	MinReplicas int    `json:"minReplicas"`
	MaxReplicas int    `json:"maxReplicas"`
}

func (s *Server) handleDeploy(c *fiber.Ctx) error {
	var req deployRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	dep, err := s.manager.Create(c.Context(), deployment.CreateRequest{
		RepoRef:     req.GithubRepo,
		Owner:       req.UserName,
		MinReplicas: req.MinReplicas,
		MaxReplicas: req.MaxReplicas,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dep)
}

func (s *Server) handleListDeployments(c *fiber.Ctx) error {
	deployments, err := s.entities.ListDeployments(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	if len(deployments) > 10 {
		deployments = deployments[:10]
	}
	return c.JSON(deployments)
}

func (s *Server) handleGetDeployment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid deployment id"})
	}

	dep, err := s.entities.GetDeployment(c.Context(), int64(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "deployment not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(dep)
}

func (s *Server) handleDeleteDeployment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid deployment id"})
	}

	if err := s.manager.TearDown(c.Context(), int64(id)); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListJobs(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid deployment id"})
	}

	jobs, err := s.entities.ListJobs(c.Context(), int64(id))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return c.JSON(jobs)
}

func (s *Server) handleListWorkers(c *fiber.Ctx) error {
	workers, err := s.entities.ListWorkers(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].LastHeartbeat.After(workers[j].LastHeartbeat) })
	return c.JSON(workers)
}

func (s *Server) handleListReplicas(c *fiber.Ctx) error {
	depID, err := c.ParamsInt("deploymentId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid deployment id"})
	}

	replicas, err := s.entities.ListReplicas(c.Context(), int64(depID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].ReplicaNumber < replicas[j].ReplicaNumber })
	return c.JSON(replicas)
}

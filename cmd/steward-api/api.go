// Package main provides the Steward API server implementation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/stewardhq/steward/pkg/budget"
	"github.com/stewardhq/steward/pkg/eventbus"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/registry"
	"github.com/stewardhq/steward/pkg/web"
	"github.com/stewardhq/steward/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	executor    *workflow.Executor
	gate        *hitl.Gate
	stops       *hitl.StopRegistry
	ledger      *budget.Ledger
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	reg *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	stops := hitl.NewStopRegistry(logger, store, eventBus)
	gate := hitl.NewGate(logger, store, eventBus, stops)
	ledger := budget.NewLedger(logger, store, eventBus, stops, budget.DefaultLimits())
	executor := workflow.NewExecutor(logger, store, reg, eventBus, gate, stops, ledger)

	return &API{
		logger:      logger,
		persistence: store,
		registry:    reg,
		eventBus:    eventBus,
		executor:    executor,
		gate:        gate,
		stops:       stops,
		ledger:      ledger,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Bootstrap loads active emergency stops into memory and starts the daily
// budget reset job.
func (a *API) Bootstrap(ctx context.Context) error {
	if err := a.stops.Load(ctx); err != nil {
		return fmt.Errorf("failed to load emergency stops: %w", err)
	}

	if err := a.ledger.StartDailyReset(ctx); err != nil {
		return fmt.Errorf("failed to start daily budget reset: %w", err)
	}

	return nil
}

// Shutdown stops background jobs.
func (a *API) Shutdown() {
	a.ledger.StopDailyReset()
}

func (a *API) App() *fiber.App {
	definitions := workflow.NewRepository(a.persistence)

	handlers := web.NewAPIHandlers(definitions, a.executor, a.gate, a.stops, a.ledger, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Steward API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)

	e := app.Group("/executions")
	e.Post("/", handlers.StartExecution)
	e.Get("/", handlers.ListExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/pause", handlers.PauseExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	ap := app.Group("/approvals")
	ap.Get("/", handlers.ListApprovals)
	ap.Get("/:id", handlers.GetApproval)
	ap.Post("/:id/respond", handlers.RespondApproval)

	s := app.Group("/emergency-stops")
	s.Post("/", handlers.CreateEmergencyStop)
	s.Get("/", handlers.ListEmergencyStops)
	s.Delete("/:id", handlers.DeactivateEmergencyStop)

	app.Get("/budgets/:projectId/:agentType", handlers.GetBudgetStatus)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stewardhq/steward/pkg/budget"
	"github.com/stewardhq/steward/pkg/eventbus"
	"github.com/stewardhq/steward/pkg/events"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/registry"
	"github.com/stewardhq/steward/pkg/workflow"
)

// Worker consumes approval lifecycle events from the bus and drives paused
// executions forward: an approval or amendment resumes the execution, a
// rejection or expiry fails it.
type Worker struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	executor    *workflow.Executor
	stops       *hitl.StopRegistry
	ledger      *budget.Ledger
}

func NewWorker(
	id string,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	reg *registry.Registry,
) *Worker {
	stops := hitl.NewStopRegistry(logger, store, eventBus)
	gate := hitl.NewGate(logger, store, eventBus, stops)
	ledger := budget.NewLedger(logger, store, eventBus, stops, budget.DefaultLimits())
	executor := workflow.NewExecutor(logger, store, reg, eventBus, gate, stops, ledger)

	return &Worker{
		id:          id,
		logger:      logger.With("module", "steward-worker", "worker_id", id),
		persistence: store,
		eventBus:    eventBus,
		executor:    executor,
		stops:       stops,
		ledger:      ledger,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "worker_id", w.id)

	if err := w.stops.Load(ctx); err != nil {
		return err
	}

	// Stops raised through the API process after boot arrive over the bus.
	if err := w.stops.RegisterEventHandlers(w.eventBus); err != nil {
		return err
	}

	if err := w.ledger.StartDailyReset(ctx); err != nil {
		return err
	}
	defer w.ledger.StopDailyReset()

	if err := w.eventBus.Handle(events.ApprovalRespondedEvent, w.handleApprovalResponded); err != nil {
		return err
	}

	if err := w.eventBus.Handle(events.ApprovalExpiredEvent, w.handleApprovalExpired); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *Worker) handleApprovalResponded(ctx context.Context, event any) error {
	respondedEvent, ok := event.(*events.ApprovalResponded)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ApprovalResponded")

		return nil
	}

	logger := w.logger.With(
		"approval_id", respondedEvent.ApprovalID,
		"execution_id", respondedEvent.TaskID,
		"status", respondedEvent.Status,
	)
	logger.InfoContext(ctx, "Processing approval response")

	approved := respondedEvent.Status == models.ApprovalStatusApproved ||
		respondedEvent.Status == models.ApprovalStatusAmended

	err := w.executor.HandleApprovalDecision(ctx, respondedEvent.TaskID, approved, respondedEvent.AmendedContent)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to apply approval decision", "error", err)

		return err
	}

	return nil
}

func (w *Worker) handleApprovalExpired(ctx context.Context, event any) error {
	expiredEvent, ok := event.(*events.ApprovalExpired)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ApprovalExpired")

		return nil
	}

	logger := w.logger.With(
		"approval_id", expiredEvent.ApprovalID,
		"execution_id", expiredEvent.TaskID,
	)
	logger.InfoContext(ctx, "Processing approval expiry")

	// An expired approval is a denial.
	err := w.executor.HandleApprovalDecision(ctx, expiredEvent.TaskID, false, nil)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to fail execution on approval expiry", "error", err)

		return err
	}

	return nil
}

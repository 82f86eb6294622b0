package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stewardhq/steward/pkg/eventbus"
	"github.com/stewardhq/steward/pkg/events"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

// StopRegistry is the process-wide set of active emergency stops, mirrored in
// the store so a restart recovers them. It is constructed once per process and
// injected; tests instantiate isolated registries.
type StopRegistry struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus

	mu    sync.RWMutex
	stops map[string]*models.EmergencyStop
}

func NewStopRegistry(logger *slog.Logger, store persistence.Persistence, eventBus eventbus.EventBus) *StopRegistry {
	return &StopRegistry{
		logger:      logger.With("module", "stop_registry"),
		persistence: store,
		eventBus:    eventBus,
		stops:       make(map[string]*models.EmergencyStop),
	}
}

// Load restores active stops from the store. Called once at process start.
func (r *StopRegistry) Load(ctx context.Context) error {
	active, err := r.persistence.Stops().ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active emergency stops: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stop := range active {
		r.stops[stop.ID] = stop
	}

	return nil
}

// RegisterEventHandlers keeps the registry current with stops raised or
// cleared by other processes. Load only reads the store once at boot; a
// process that also subscribes to the bus sees stops triggered through
// another binary without polling.
func (r *StopRegistry) RegisterEventHandlers(bus eventbus.EventBus) error {
	if err := bus.Handle(events.EmergencyStopTriggeredEvent, r.handleStopTriggered); err != nil {
		return err
	}

	return bus.Handle(events.EmergencyStopDeactivatedEvent, r.handleStopDeactivated)
}

func (r *StopRegistry) handleStopTriggered(ctx context.Context, event any) error {
	triggered, ok := event.(*events.EmergencyStopTriggered)
	if !ok {
		return nil
	}

	stop, err := r.persistence.Stops().GetByID(ctx, triggered.StopID)
	if err != nil {
		return fmt.Errorf("failed to load triggered emergency stop %s: %w", triggered.StopID, err)
	}

	if !stop.Active {
		return nil
	}

	r.mu.Lock()
	r.stops[stop.ID] = stop
	r.mu.Unlock()

	r.logger.WarnContext(ctx, "Emergency stop mirrored from event",
		"stop_id", stop.ID,
		"project_id", stop.ProjectID,
		"agent_type", stop.AgentType)

	return nil
}

func (r *StopRegistry) handleStopDeactivated(ctx context.Context, event any) error {
	deactivated, ok := event.(*events.EmergencyStopDeactivated)
	if !ok {
		return nil
	}

	r.mu.Lock()
	delete(r.stops, deactivated.StopID)
	r.mu.Unlock()

	return nil
}

// TriggerParams describes a stop to raise. Empty ProjectID or AgentType widen
// the scope to all projects or all agent types respectively.
type TriggerParams struct {
	ProjectID     string
	AgentType     string
	Reason        string
	TriggeredBy   models.StopTrigger
	CancelTaskIDs []string
}

// Trigger creates and activates an emergency stop, optionally cancelling the
// named in-flight tasks and auto-rejecting their pending approvals.
// Cancellation is explicit and targeted; tasks outside CancelTaskIDs are never
// touched.
func (r *StopRegistry) Trigger(ctx context.Context, params TriggerParams) (*models.EmergencyStop, error) {
	if params.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}

	stop := &models.EmergencyStop{
		ID:          "stop-" + uuid.New().String()[:8],
		ProjectID:   params.ProjectID,
		AgentType:   params.AgentType,
		Reason:      params.Reason,
		TriggeredBy: params.TriggeredBy,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}

	err := r.persistence.Stops().Save(ctx, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to persist emergency stop: %w", err)
	}

	r.mu.Lock()
	r.stops[stop.ID] = stop
	r.mu.Unlock()

	cancelled := r.cancelTasks(ctx, stop, params.CancelTaskIDs)

	event := events.EmergencyStopTriggered{
		BaseEvent:      events.NewBaseEvent(events.EmergencyStopTriggeredEvent, stop.ProjectID),
		StopID:         stop.ID,
		AgentType:      stop.AgentType,
		Reason:         stop.Reason,
		TriggeredBy:    stop.TriggeredBy,
		CancelledTasks: cancelled,
	}
	r.publish(ctx, stop.ID, event)

	r.logger.WarnContext(ctx, "Emergency stop triggered",
		"stop_id", stop.ID,
		"project_id", stop.ProjectID,
		"agent_type", stop.AgentType,
		"triggered_by", stop.TriggeredBy,
		"cancelled_tasks", len(cancelled))

	return stop, nil
}

// Deactivate marks a stop inactive. Gated operations resume admission checks
// against the remaining active stops only.
func (r *StopRegistry) Deactivate(ctx context.Context, stopID string) error {
	stop, err := r.persistence.Stops().GetByID(ctx, stopID)
	if err != nil {
		return err
	}

	if !stop.Active {
		return nil
	}

	now := time.Now().UTC()
	stop.Active = false
	stop.DeactivatedAt = &now

	err = r.persistence.Stops().Save(ctx, stop)
	if err != nil {
		return fmt.Errorf("failed to persist emergency stop deactivation: %w", err)
	}

	r.mu.Lock()
	delete(r.stops, stopID)
	r.mu.Unlock()

	event := events.EmergencyStopDeactivated{
		BaseEvent: events.NewBaseEvent(events.EmergencyStopDeactivatedEvent, stop.ProjectID),
		StopID:    stop.ID,
	}
	r.publish(ctx, stop.ID, event)

	r.logger.InfoContext(ctx, "Emergency stop deactivated", "stop_id", stopID)

	return nil
}

// IsActive reports whether any active stop's scope covers the given project
// and agent type. Empty arguments match any scope.
func (r *StopRegistry) IsActive(projectID, agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, stop := range r.stops {
		if stop.Matches(projectID, agentType) {
			return true
		}
	}

	return false
}

// HasBudgetStop reports whether a budget-triggered stop is already active for
// the exact (project, agent type) scope.
func (r *StopRegistry) HasBudgetStop(projectID, agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, stop := range r.stops {
		if stop.TriggeredBy == models.StopTriggeredByBudget && stop.Matches(projectID, agentType) {
			return true
		}
	}

	return false
}

// ActiveStops returns a snapshot of the active stop records.
func (r *StopRegistry) ActiveStops() []*models.EmergencyStop {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stops := make([]*models.EmergencyStop, 0, len(r.stops))
	for _, stop := range r.stops {
		stops = append(stops, stop)
	}

	return stops
}

// cancelTasks transitions each named execution to cancelled and auto-rejects
// its pending approvals. Per-task failures are logged and skipped so one bad
// record does not block the stop itself.
func (r *StopRegistry) cancelTasks(ctx context.Context, stop *models.EmergencyStop, taskIDs []string) []string {
	cancelled := make([]string, 0, len(taskIDs))

	for _, taskID := range taskIDs {
		execution, err := r.persistence.Executions().GetByID(ctx, taskID)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to load task for emergency cancellation", "task_id", taskID, "error", err)

			continue
		}

		if !execution.IsTerminal() {
			now := time.Now().UTC()
			execution.Status = models.ExecutionStatusCancelled
			execution.ErrorMessage = "cancelled by emergency stop: " + stop.Reason
			execution.CompletedAt = &now

			if err := r.persistence.Executions().Save(ctx, execution); err != nil {
				r.logger.ErrorContext(ctx, "Failed to cancel task", "task_id", taskID, "error", err)

				continue
			}
		}

		r.rejectPendingApprovals(ctx, taskID)
		cancelled = append(cancelled, taskID)
	}

	return cancelled
}

func (r *StopRegistry) rejectPendingApprovals(ctx context.Context, taskID string) {
	pending, err := r.persistence.Approvals().ListPendingByTask(ctx, taskID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list pending approvals for cancelled task", "task_id", taskID, "error", err)

		return
	}

	for _, approval := range pending {
		won, err := r.persistence.Approvals().CompareAndSetStatus(ctx, approval.ID,
			models.ApprovalStatusPending, models.ApprovalStatusRejected)
		if err != nil || !won {
			continue
		}

		now := time.Now().UTC()
		approval.Status = models.ApprovalStatusRejected
		approval.UserResponse = "rejected"
		approval.UserComment = "Auto-rejected due to emergency stop"
		approval.RespondedAt = &now

		if err := r.persistence.Approvals().Save(ctx, approval); err != nil {
			r.logger.ErrorContext(ctx, "Failed to persist auto-rejection", "approval_id", approval.ID, "error", err)
		}
	}
}

// publish is fire-and-forget: event bus failures are logged, never returned.
func (r *StopRegistry) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.eventBus == nil {
		return
	}

	if err := r.eventBus.Publish(ctx, key, event); err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish emergency stop event", "event_type", event.GetType(), "error", err)
	}
}

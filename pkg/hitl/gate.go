package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stewardhq/steward/pkg/eventbus"
	"github.com/stewardhq/steward/pkg/events"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

const defaultPollInterval = 2 * time.Second

// defaultCostPerKiloTokens is the fallback rate when an agent type has no
// configured rate. Cost numbers only feed budget decisions; how they are
// derived from token counts is a deployment concern.
const defaultCostPerKiloTokens = 0.015

// Gate creates approval requests, waits for human decisions, and applies the
// single winning response per request. Waiters are woken by Respond through an
// in-process notification channel; a polling ticker remains as watchdog for
// responses applied by another process and for timeout enforcement.
type Gate struct {
	logger       *slog.Logger
	persistence  persistence.Persistence
	eventBus     eventbus.EventBus
	stops        *StopRegistry
	validate     *validator.Validate
	costRates    map[string]float64
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPollInterval overrides the watchdog polling interval.
func WithPollInterval(interval time.Duration) GateOption {
	return func(g *Gate) {
		g.pollInterval = interval
	}
}

// WithCostRates sets per-agent-type cost rates per 1k tokens.
func WithCostRates(rates map[string]float64) GateOption {
	return func(g *Gate) {
		g.costRates = rates
	}
}

func NewGate(logger *slog.Logger, store persistence.Persistence, eventBus eventbus.EventBus, stops *StopRegistry, opts ...GateOption) *Gate {
	gate := &Gate{
		logger:       logger.With("module", "approval_gate"),
		persistence:  store,
		eventBus:     eventBus,
		stops:        stops,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		costRates:    map[string]float64{},
		pollInterval: defaultPollInterval,
		waiters:      make(map[string][]chan struct{}),
	}

	for _, opt := range opts {
		opt(gate)
	}

	return gate
}

// CreateApprovalParams describes one approval checkpoint.
type CreateApprovalParams struct {
	ProjectID       string         `validate:"required"`
	TaskID          string         `validate:"required"`
	AgentType       string         `validate:"required"`
	RequestType     string         `validate:"required"`
	RequestData     map[string]any `validate:"required,min=1"`
	EstimatedTokens int            `validate:"gte=0"`
	Timeout         time.Duration  `validate:"required,gt=0"`
}

// CreateApprovalRequest persists a pending request and publishes its creation
// event. An active emergency stop covering the request's scope vetoes creation.
func (g *Gate) CreateApprovalRequest(ctx context.Context, params CreateApprovalParams) (*models.ApprovalRequest, error) {
	if err := g.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	if g.stops.IsActive(params.ProjectID, params.AgentType) {
		return nil, fmt.Errorf("%w: cannot create approval for %s/%s", ErrEmergencyStopActive, params.ProjectID, params.AgentType)
	}

	now := time.Now().UTC()
	approval := &models.ApprovalRequest{
		ID:              "appr-" + uuid.New().String()[:8],
		ProjectID:       params.ProjectID,
		TaskID:          params.TaskID,
		AgentType:       params.AgentType,
		RequestType:     params.RequestType,
		RequestData:     params.RequestData,
		EstimatedTokens: params.EstimatedTokens,
		EstimatedCost:   g.estimateCost(params.AgentType, params.EstimatedTokens),
		Status:          models.ApprovalStatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(params.Timeout),
	}

	err := g.persistence.Approvals().Save(ctx, approval)
	if err != nil {
		return nil, fmt.Errorf("failed to persist approval request: %w", err)
	}

	g.publish(ctx, approval.ID, events.ApprovalRequested{
		BaseEvent:       events.NewBaseEvent(events.ApprovalRequestedEvent, approval.ProjectID),
		ApprovalID:      approval.ID,
		TaskID:          approval.TaskID,
		AgentType:       approval.AgentType,
		RequestType:     approval.RequestType,
		RequestData:     approval.RequestData,
		EstimatedTokens: approval.EstimatedTokens,
		EstimatedCost:   approval.EstimatedCost,
		ExpiresAt:       approval.ExpiresAt,
	})

	g.logger.InfoContext(ctx, "Approval request created",
		"approval_id", approval.ID,
		"task_id", approval.TaskID,
		"request_type", approval.RequestType,
		"expires_at", approval.ExpiresAt)

	return approval, nil
}

// WaitForApproval blocks until the request leaves pending, a matching
// emergency stop activates, or the timeout elapses, whichever happens first.
// On timeout the request is marked expired via compare-and-set, so a response
// racing the deadline still yields exactly one outcome.
func (g *Gate) WaitForApproval(ctx context.Context, approvalID string, timeout time.Duration) (*models.ApprovalResult, error) {
	approval, err := g.persistence.Approvals().GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	if approval.Status != models.ApprovalStatusPending {
		return resultFor(approval), nil
	}

	wake := g.addWaiter(approvalID)
	defer g.removeWaiter(approvalID, wake)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		if g.stops.IsActive(approval.ProjectID, approval.AgentType) {
			return nil, fmt.Errorf("%w: while waiting for approval %s", ErrEmergencyStopActive, approvalID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return g.expire(ctx, approvalID)
		case <-wake:
		case <-ticker.C:
		}

		approval, err = g.persistence.Approvals().GetByID(ctx, approvalID)
		if err != nil {
			return nil, err
		}

		if approval.Status != models.ApprovalStatusPending {
			return resultFor(approval), nil
		}
	}
}

// Respond is the single write path for human decisions. Concurrent calls on
// one request resolve to exactly one winner; losers get ErrAlreadyResponded.
func (g *Gate) Respond(ctx context.Context, approvalID string, action models.ApprovalAction, responder, comment string, amendedContent map[string]any) error {
	status, ok := action.StatusFor()
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, action)
	}

	won, err := g.persistence.Approvals().CompareAndSetStatus(ctx, approvalID, models.ApprovalStatusPending, status)
	if err != nil {
		return err
	}

	if !won {
		return fmt.Errorf("%w: %s", ErrAlreadyResponded, approvalID)
	}

	// The CAS above settles who won; the response fields and the event land
	// in a second write. A crash between the two leaves a terminal record
	// with no response details and no ApprovalResponded on the bus, and the
	// paused execution stays paused until an operator re-drives it.
	approval, err := g.persistence.Approvals().GetByID(ctx, approvalID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	approval.Status = status
	approval.UserResponse = string(status)
	approval.UserComment = comment
	approval.AmendedContent = amendedContent
	approval.RespondedAt = &now
	approval.History = append(approval.History, models.ApprovalHistoryEntry{
		Action:    action,
		Responder: responder,
		Comment:   comment,
		Timestamp: now,
	})

	err = g.persistence.Approvals().Save(ctx, approval)
	if err != nil {
		return fmt.Errorf("failed to persist approval response: %w", err)
	}

	g.publish(ctx, approval.ID, events.ApprovalResponded{
		BaseEvent:      events.NewBaseEvent(events.ApprovalRespondedEvent, approval.ProjectID),
		ApprovalID:     approval.ID,
		TaskID:         approval.TaskID,
		Action:         action,
		Status:         status,
		Responder:      responder,
		Comment:        comment,
		AmendedContent: amendedContent,
	})

	g.notifyWaiters(approvalID)

	g.logger.InfoContext(ctx, "Approval response applied",
		"approval_id", approvalID,
		"action", action,
		"responder", responder)

	return nil
}

// expire attempts the pending→expired transition. Losing the compare-and-set
// means a response landed just before the deadline; that response wins.
func (g *Gate) expire(ctx context.Context, approvalID string) (*models.ApprovalResult, error) {
	won, err := g.persistence.Approvals().CompareAndSetStatus(ctx, approvalID,
		models.ApprovalStatusPending, models.ApprovalStatusExpired)
	if err != nil {
		return nil, err
	}

	approval, err := g.persistence.Approvals().GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	if !won {
		return resultFor(approval), nil
	}

	now := time.Now().UTC()
	approval.RespondedAt = &now

	if err := g.persistence.Approvals().Save(ctx, approval); err != nil {
		g.logger.ErrorContext(ctx, "Failed to persist approval expiry", "approval_id", approvalID, "error", err)
	}

	g.publish(ctx, approvalID, events.ApprovalExpired{
		BaseEvent:  events.NewBaseEvent(events.ApprovalExpiredEvent, approval.ProjectID),
		ApprovalID: approvalID,
		TaskID:     approval.TaskID,
	})

	return nil, fmt.Errorf("%w: %s", ErrApprovalTimeout, approvalID)
}

func (g *Gate) estimateCost(agentType string, estimatedTokens int) float64 {
	rate, ok := g.costRates[agentType]
	if !ok {
		rate = defaultCostPerKiloTokens
	}

	return float64(estimatedTokens) / 1000 * rate
}

func (g *Gate) addWaiter(approvalID string) chan struct{} {
	wake := make(chan struct{}, 1)

	g.mu.Lock()
	g.waiters[approvalID] = append(g.waiters[approvalID], wake)
	g.mu.Unlock()

	return wake
}

func (g *Gate) removeWaiter(approvalID string, wake chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.waiters[approvalID][:0]
	for _, ch := range g.waiters[approvalID] {
		if ch != wake {
			remaining = append(remaining, ch)
		}
	}

	if len(remaining) == 0 {
		delete(g.waiters, approvalID)
	} else {
		g.waiters[approvalID] = remaining
	}
}

func (g *Gate) notifyWaiters(approvalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, wake := range g.waiters[approvalID] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// publish is fire-and-forget: event bus failures are logged, never returned.
func (g *Gate) publish(ctx context.Context, key string, event eventbus.Event) {
	if g.eventBus == nil {
		return
	}

	if err := g.eventBus.Publish(ctx, key, event); err != nil {
		g.logger.ErrorContext(ctx, "Failed to publish approval event", "event_type", event.GetType(), "error", err)
	}
}

func resultFor(approval *models.ApprovalRequest) *models.ApprovalResult {
	approved := approval.Status == models.ApprovalStatusApproved || approval.Status == models.ApprovalStatusAmended

	return &models.ApprovalResult{
		ApprovalID:     approval.ID,
		Approved:       approved,
		Response:       approval.UserResponse,
		Comment:        approval.UserComment,
		AmendedContent: approval.AmendedContent,
	}
}

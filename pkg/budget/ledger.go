// Package budget tracks per-project, per-agent token consumption against
// daily and session caps, and escalates sustained pressure into emergency
// stops.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stewardhq/steward/pkg/eventbus"
	"github.com/stewardhq/steward/pkg/events"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

// ErrBudgetLimitExceeded indicates an admission check denied the work.
var ErrBudgetLimitExceeded = errors.New("budget limit exceeded")

// emergencyStopPercent is the usage level that escalates into a
// budget-triggered emergency stop.
const emergencyStopPercent = 90.0

// Defaults are applied when a (project, agent type) pair is first touched.
type Defaults struct {
	DailyTokenLimit   int
	SessionTokenLimit int
}

// DefaultLimits returns the limits used when a deployment configures nothing.
func DefaultLimits() Defaults {
	return Defaults{
		DailyTokenLimit:   100000,
		SessionTokenLimit: 50000,
	}
}

// Ledger enforces budget admission control. CheckLimits and RecordUsage on the
// same (project, agent type) pair are serialized through a per-key lock so
// concurrent agents cannot lose updates or slip past the cap.
type Ledger struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	stops       *hitl.StopRegistry
	defaults    Defaults
	cron        *cron.Cron

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLedger(logger *slog.Logger, store persistence.Persistence, eventBus eventbus.EventBus, stops *hitl.StopRegistry, defaults Defaults) *Ledger {
	return &Ledger{
		logger:      logger.With("module", "budget_ledger"),
		persistence: store,
		eventBus:    eventBus,
		stops:       stops,
		defaults:    defaults,
		locks:       make(map[string]*sync.Mutex),
	}
}

// CheckResult is the admission verdict for a unit of estimated work.
type CheckResult struct {
	Approved bool
	Reason   string
}

// CheckLimits admits or denies estimated work against the daily and session
// caps. A denied check never mutates counters; enforcement happens at
// admission time, not retroactively.
func (l *Ledger) CheckLimits(ctx context.Context, projectID, agentType string, estimatedTokens int) (*CheckResult, error) {
	lock := l.lockFor(projectID, agentType)
	lock.Lock()
	defer lock.Unlock()

	control, err := l.loadOrCreate(ctx, projectID, agentType)
	if err != nil {
		return nil, err
	}

	if control.EmergencyStopEnabled {
		return &CheckResult{
			Approved: false,
			Reason:   "budget emergency stop enabled for this scope",
		}, nil
	}

	if control.TokensUsedToday+estimatedTokens > control.DailyTokenLimit {
		return &CheckResult{
			Approved: false,
			Reason: fmt.Sprintf("daily token limit exceeded: %d used + %d estimated > %d limit",
				control.TokensUsedToday, estimatedTokens, control.DailyTokenLimit),
		}, nil
	}

	if control.TokensUsedSession+estimatedTokens > control.SessionTokenLimit {
		return &CheckResult{
			Approved: false,
			Reason: fmt.Sprintf("session token limit exceeded: %d used + %d estimated > %d limit",
				control.TokensUsedSession, estimatedTokens, control.SessionTokenLimit),
		}, nil
	}

	return &CheckResult{Approved: true}, nil
}

// RecordUsage adds consumed tokens to both counters. Best-effort
// instrumentation: failures are logged, never returned, and it is called only
// after a step actually executed.
func (l *Ledger) RecordUsage(ctx context.Context, projectID, agentType string, tokensUsed int) {
	if tokensUsed <= 0 {
		return
	}

	lock := l.lockFor(projectID, agentType)
	lock.Lock()
	defer lock.Unlock()

	control, err := l.loadOrCreate(ctx, projectID, agentType)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to load budget control for usage recording",
			"project_id", projectID, "agent_type", agentType, "error", err)

		return
	}

	control.TokensUsedToday += tokensUsed
	control.TokensUsedSession += tokensUsed
	control.UpdatedAt = time.Now().UTC()

	if err := l.persistence.Budgets().Save(ctx, control); err != nil {
		l.logger.ErrorContext(ctx, "Failed to persist budget usage",
			"project_id", projectID, "agent_type", agentType, "error", err)
	}
}

// CheckBudgetEmergencyStop escalates usage at or above 90% of either limit
// into a budget-triggered emergency stop, halving the limits as a protective
// measure. When no escalation is needed it reports the current stop state
// without side effects.
func (l *Ledger) CheckBudgetEmergencyStop(ctx context.Context, projectID, agentType string) (bool, error) {
	lock := l.lockFor(projectID, agentType)
	lock.Lock()

	control, err := l.loadOrCreate(ctx, projectID, agentType)
	if err != nil {
		lock.Unlock()

		return false, err
	}

	dailyPct := control.DailyUsedPercent()
	sessionPct := control.SessionUsedPercent()

	needsStop := (dailyPct >= emergencyStopPercent || sessionPct >= emergencyStopPercent) &&
		!l.stops.HasBudgetStop(projectID, agentType)

	if !needsStop {
		lock.Unlock()

		return l.stops.HasBudgetStop(projectID, agentType), nil
	}

	control.DailyTokenLimit /= 2
	control.SessionTokenLimit /= 2
	control.EmergencyStopEnabled = true
	control.UpdatedAt = time.Now().UTC()

	if err := l.persistence.Budgets().Save(ctx, control); err != nil {
		lock.Unlock()

		return false, fmt.Errorf("failed to persist protective limit reduction: %w", err)
	}

	lock.Unlock()

	_, err = l.stops.Trigger(ctx, hitl.TriggerParams{
		ProjectID:   projectID,
		AgentType:   agentType,
		Reason:      fmt.Sprintf("budget usage at %.0f%% daily / %.0f%% session", dailyPct, sessionPct),
		TriggeredBy: models.StopTriggeredByBudget,
	})
	if err != nil {
		return false, fmt.Errorf("failed to trigger budget emergency stop: %w", err)
	}

	l.publishWarning(ctx, projectID, agentType, dailyPct, sessionPct)

	return true, nil
}

// Status returns a usage snapshot for operators and the HITL trigger policy.
func (l *Ledger) Status(ctx context.Context, projectID, agentType string) (*models.BudgetStatus, error) {
	lock := l.lockFor(projectID, agentType)
	lock.Lock()
	defer lock.Unlock()

	control, err := l.loadOrCreate(ctx, projectID, agentType)
	if err != nil {
		return nil, err
	}

	return &models.BudgetStatus{
		ProjectID:          control.ProjectID,
		AgentType:          control.AgentType,
		TokensUsedToday:    control.TokensUsedToday,
		TokensUsedSession:  control.TokensUsedSession,
		DailyTokenLimit:    control.DailyTokenLimit,
		SessionTokenLimit:  control.SessionTokenLimit,
		DailyUsedPercent:   control.DailyUsedPercent(),
		SessionUsedPercent: control.SessionUsedPercent(),
		EmergencyStopped:   control.EmergencyStopEnabled,
	}, nil
}

// StartDailyReset schedules a midnight sweep over every stored control. The
// lazy per-touch reset in loadOrCreate remains the source of truth; the sweep
// keeps dashboards honest for idle scopes.
func (l *Ledger) StartDailyReset(ctx context.Context) error {
	l.cron = cron.New()

	_, err := l.cron.AddFunc("0 0 * * *", func() {
		if err := l.ResetDailyCounters(ctx); err != nil {
			l.logger.ErrorContext(ctx, "Daily budget reset sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule daily budget reset: %w", err)
	}

	l.cron.Start()

	return nil
}

// StopDailyReset stops the reset scheduler.
func (l *Ledger) StopDailyReset() {
	if l.cron != nil {
		l.cron.Stop()
	}
}

// ResetDailyCounters zeroes the daily counter of every control whose reset
// date predates today.
func (l *Ledger) ResetDailyCounters(ctx context.Context) error {
	controls, err := l.persistence.Budgets().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list budget controls: %w", err)
	}

	today := startOfDay(time.Now().UTC())

	for _, control := range controls {
		if !control.BudgetResetAt.Before(today) {
			continue
		}

		lock := l.lockFor(control.ProjectID, control.AgentType)
		lock.Lock()

		control.TokensUsedToday = 0
		control.BudgetResetAt = today
		control.UpdatedAt = time.Now().UTC()

		if err := l.persistence.Budgets().Save(ctx, control); err != nil {
			l.logger.ErrorContext(ctx, "Failed to persist daily reset",
				"project_id", control.ProjectID, "agent_type", control.AgentType, "error", err)
		}

		lock.Unlock()
	}

	return nil
}

// loadOrCreate fetches the control, lazily creating a zeroed one on first use
// and applying the calendar-day reset. Callers hold the per-key lock.
func (l *Ledger) loadOrCreate(ctx context.Context, projectID, agentType string) (*models.BudgetControl, error) {
	control, err := l.persistence.Budgets().GetByKey(ctx, projectID, agentType)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget control: %w", err)
	}

	now := time.Now().UTC()
	today := startOfDay(now)

	if control == nil {
		control = &models.BudgetControl{
			ProjectID:         projectID,
			AgentType:         agentType,
			DailyTokenLimit:   l.defaults.DailyTokenLimit,
			SessionTokenLimit: l.defaults.SessionTokenLimit,
			BudgetResetAt:     today,
			UpdatedAt:         now,
		}

		if err := l.persistence.Budgets().Save(ctx, control); err != nil {
			return nil, fmt.Errorf("failed to create budget control: %w", err)
		}

		return control, nil
	}

	if control.BudgetResetAt.Before(today) {
		control.TokensUsedToday = 0
		control.BudgetResetAt = today
		control.UpdatedAt = now

		if err := l.persistence.Budgets().Save(ctx, control); err != nil {
			return nil, fmt.Errorf("failed to persist calendar-day reset: %w", err)
		}
	}

	return control, nil
}

func (l *Ledger) lockFor(projectID, agentType string) *sync.Mutex {
	key := models.BudgetKey(projectID, agentType)

	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}

	return lock
}

func (l *Ledger) publishWarning(ctx context.Context, projectID, agentType string, dailyPct, sessionPct float64) {
	if l.eventBus == nil {
		return
	}

	event := events.BudgetWarning{
		BaseEvent:          events.NewBaseEvent(events.BudgetWarningEvent, projectID),
		AgentType:          agentType,
		DailyUsedPercent:   dailyPct,
		SessionUsedPercent: sessionPct,
	}

	if err := l.eventBus.Publish(ctx, models.BudgetKey(projectID, agentType), event); err != nil {
		l.logger.ErrorContext(ctx, "Failed to publish budget warning", "error", err)
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

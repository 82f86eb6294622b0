package budget_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stewardhq/steward/pkg/budget"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedgerFixture(t *testing.T, defaults budget.Defaults) (*budget.Ledger, *hitl.StopRegistry, persistence.Persistence) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir())
	stops := hitl.NewStopRegistry(logger, store, nil)
	ledger := budget.NewLedger(logger, store, nil, stops, defaults)

	return ledger, stops, store
}

func TestLedger_CheckLimits_LazyCreation(t *testing.T) {
	t.Parallel()

	ledger, _, store := newLedgerFixture(t, budget.DefaultLimits())

	check, err := ledger.CheckLimits(t.Context(), "proj-1", "coder", 1000)
	require.NoError(t, err)
	assert.True(t, check.Approved)

	control, err := store.Budgets().GetByKey(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	require.NotNil(t, control)
	assert.Equal(t, 100000, control.DailyTokenLimit)
	assert.Zero(t, control.TokensUsedToday)
}

func TestLedger_CheckLimits_DeniesOverCap(t *testing.T) {
	t.Parallel()

	ledger, _, _ := newLedgerFixture(t, budget.Defaults{DailyTokenLimit: 4000, SessionTokenLimit: 4000})

	check, err := ledger.CheckLimits(t.Context(), "proj-1", "coder", 5000)
	require.NoError(t, err)
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "daily token limit exceeded")

	// A denied check never mutates counters.
	status, err := ledger.Status(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.Zero(t, status.TokensUsedToday)
}

func TestLedger_CheckLimits_SessionCap(t *testing.T) {
	t.Parallel()

	ledger, _, _ := newLedgerFixture(t, budget.Defaults{DailyTokenLimit: 100000, SessionTokenLimit: 3000})

	ledger.RecordUsage(t.Context(), "proj-1", "coder", 2500)

	check, err := ledger.CheckLimits(t.Context(), "proj-1", "coder", 1000)
	require.NoError(t, err)
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "session token limit exceeded")
}

func TestLedger_RecordUsage(t *testing.T) {
	t.Parallel()

	ledger, _, _ := newLedgerFixture(t, budget.DefaultLimits())

	ledger.RecordUsage(t.Context(), "proj-1", "coder", 1200)
	ledger.RecordUsage(t.Context(), "proj-1", "coder", 800)
	ledger.RecordUsage(t.Context(), "proj-1", "coder", 0)
	ledger.RecordUsage(t.Context(), "proj-1", "coder", -5)

	status, err := ledger.Status(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.Equal(t, 2000, status.TokensUsedToday)
	assert.Equal(t, 2000, status.TokensUsedSession)
}

func TestLedger_CalendarDayReset(t *testing.T) {
	t.Parallel()

	ledger, _, store := newLedgerFixture(t, budget.DefaultLimits())

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	control := &models.BudgetControl{
		ProjectID:         "proj-1",
		AgentType:         "coder",
		TokensUsedToday:   90000,
		TokensUsedSession: 1000,
		DailyTokenLimit:   100000,
		SessionTokenLimit: 50000,
		BudgetResetAt:     yesterday,
		UpdatedAt:         yesterday,
	}
	require.NoError(t, store.Budgets().Save(t.Context(), control))

	// Stale daily counter is zeroed on the next touch; session persists.
	status, err := ledger.Status(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.Zero(t, status.TokensUsedToday)
	assert.Equal(t, 1000, status.TokensUsedSession)
}

func TestLedger_CheckBudgetEmergencyStop(t *testing.T) {
	t.Parallel()

	ledger, stops, store := newLedgerFixture(t, budget.Defaults{DailyTokenLimit: 10000, SessionTokenLimit: 10000})

	ledger.RecordUsage(t.Context(), "proj-1", "coder", 9500)

	triggered, err := ledger.CheckBudgetEmergencyStop(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.True(t, stops.HasBudgetStop("proj-1", "coder"))

	// Limits were halved and the scope flagged.
	control, err := store.Budgets().GetByKey(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.Equal(t, 5000, control.DailyTokenLimit)
	assert.Equal(t, 5000, control.SessionTokenLimit)
	assert.True(t, control.EmergencyStopEnabled)

	// Admission is now denied outright.
	check, err := ledger.CheckLimits(t.Context(), "proj-1", "coder", 1)
	require.NoError(t, err)
	assert.False(t, check.Approved)

	// A second check reports the existing stop without stacking another.
	again, err := ledger.CheckBudgetEmergencyStop(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.True(t, again)
	assert.Len(t, stops.ActiveStops(), 1)
}

func TestLedger_CheckBudgetEmergencyStop_BelowThreshold(t *testing.T) {
	t.Parallel()

	ledger, stops, _ := newLedgerFixture(t, budget.Defaults{DailyTokenLimit: 10000, SessionTokenLimit: 10000})

	ledger.RecordUsage(t.Context(), "proj-1", "coder", 5000)

	triggered, err := ledger.CheckBudgetEmergencyStop(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Empty(t, stops.ActiveStops())
}

func TestLedger_ResetDailyCounters(t *testing.T) {
	t.Parallel()

	ledger, _, store := newLedgerFixture(t, budget.DefaultLimits())

	yesterday := time.Now().UTC().AddDate(0, 0, -1)

	stale := &models.BudgetControl{
		ProjectID:         "proj-1",
		AgentType:         "coder",
		TokensUsedToday:   40000,
		TokensUsedSession: 40000,
		DailyTokenLimit:   100000,
		SessionTokenLimit: 50000,
		BudgetResetAt:     yesterday,
		UpdatedAt:         yesterday,
	}
	require.NoError(t, store.Budgets().Save(t.Context(), stale))

	fresh := &models.BudgetControl{
		ProjectID:         "proj-2",
		AgentType:         "coder",
		TokensUsedToday:   100,
		DailyTokenLimit:   100000,
		SessionTokenLimit: 50000,
		BudgetResetAt:     time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.Budgets().Save(t.Context(), fresh))

	require.NoError(t, ledger.ResetDailyCounters(t.Context()))

	reset, err := store.Budgets().GetByKey(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.Zero(t, reset.TokensUsedToday)
	assert.Equal(t, 40000, reset.TokensUsedSession)

	untouched, err := store.Budgets().GetByKey(t.Context(), "proj-2", "coder")
	require.NoError(t, err)
	assert.Equal(t, 100, untouched.TokensUsedToday)
}

func TestLedger_Status(t *testing.T) {
	t.Parallel()

	ledger, _, _ := newLedgerFixture(t, budget.Defaults{DailyTokenLimit: 10000, SessionTokenLimit: 5000})

	ledger.RecordUsage(t.Context(), "proj-1", "coder", 2500)

	status, err := ledger.Status(t.Context(), "proj-1", "coder")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", status.ProjectID)
	assert.Equal(t, "coder", status.AgentType)
	assert.InDelta(t, 25.0, status.DailyUsedPercent, 0.001)
	assert.InDelta(t, 50.0, status.SessionUsedPercent, 0.001)
	assert.False(t, status.EmergencyStopped)
}

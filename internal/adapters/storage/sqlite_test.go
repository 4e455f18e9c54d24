package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/fullset/internal/adapters/storage"
	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) *storage.SQLiteLedger {
	t.Helper()
	db, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplySchema(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func makeAttempt(condID string) domain.ArbAttempt {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.ArbAttempt{
		ConditionID: condID,
		Question:    "Will X happen?",
		Opportunity: domain.Opportunity{
			ConditionID: condID,
			Question:    "Will X happen?",
			YesAsk:      0.52,
			NoAsk:       0.46,
			NetEdge:     0.0135,
			Size:        102.04,
			Notional:    100,
		},
		YesLeg: domain.Leg{
			ID:         uuid.NewString(),
			TokenID:    "tok-yes",
			Outcome:    "Yes",
			Side:       "BUY",
			LimitPrice: 0.52,
			Size:       102.04,
			Status:     domain.LegPending,
		},
		NoLeg: domain.Leg{
			ID:         uuid.NewString(),
			TokenID:    "tok-no",
			Outcome:    "No",
			Side:       "BUY",
			LimitPrice: 0.46,
			Size:       102.04,
			Status:     domain.LegPending,
		},
		Outcome:   domain.OutcomePending,
		CreatedAt: now,
	}
}

func TestSQLiteLedger_SaveAttemptAssignsID(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()

	a := makeAttempt("0xaaa")
	require.NoError(t, db.SaveAttempt(ctx, &a))

	assert.NotZero(t, a.ID)
	assert.Equal(t, a.ID, a.YesLeg.AttemptID)
	assert.Equal(t, a.ID, a.NoLeg.AttemptID)

	b := makeAttempt("0xbbb")
	require.NoError(t, db.SaveAttempt(ctx, &b))
	assert.Greater(t, b.ID, a.ID)
}

func TestSQLiteLedger_OpenAttemptsRoundTrip(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()

	a := makeAttempt("0xaaa")
	require.NoError(t, db.SaveAttempt(ctx, &a))

	// Progreso de legs: un fill parcial persiste y se recupera
	a.YesLeg.VenueOrderID = "ord-1"
	a.YesLeg.Status = domain.LegPartially
	a.YesLeg.FilledSize = 40
	a.YesLeg.UpdatedAt = time.Now().UTC()
	require.NoError(t, db.SaveAttempt(ctx, &a))

	open, err := db.OpenAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	got := open[0]
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "0xaaa", got.ConditionID)
	assert.Equal(t, domain.LegPartially, got.YesLeg.Status)
	assert.InDelta(t, 40.0, got.YesLeg.FilledSize, 0.001)
	assert.Equal(t, "ord-1", got.YesLeg.VenueOrderID)
	assert.Equal(t, domain.LegPending, got.NoLeg.Status)
	assert.InDelta(t, 0.0135, got.Opportunity.NetEdge, 0.0001)
}

func TestSQLiteLedger_ResolvedAttemptsExcluded(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()

	a := makeAttempt("0xaaa")
	require.NoError(t, db.SaveAttempt(ctx, &a))

	resolvedAt := time.Now().UTC()
	a.Outcome = domain.OutcomeSettled
	a.ResolvedAt = &resolvedAt
	require.NoError(t, db.SaveAttempt(ctx, &a))

	open, err := db.OpenAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSQLiteLedger_SettlementUpsert(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()

	a := makeAttempt("0xaaa")
	require.NoError(t, db.SaveAttempt(ctx, &a))

	rec := domain.SettlementRecord{
		AttemptID:   a.ID,
		ConditionID: "0xaaa",
		MergeSize:   100,
		Status:      domain.SettlementPending,
		Tries:       1,
		GasMult:     1.0,
	}
	require.NoError(t, db.SaveSettlement(ctx, &rec))

	// Retry con gas escalado sobrescribe la misma fila
	rec.Tries = 2
	rec.GasMult = 2.0
	rec.TxHash = "0xdeadbeef"
	rec.Status = domain.SettlementConfirmed
	rec.GasCostUSD = 0.20
	rec.RealizedProfit = 1.84
	rec.ExecutedAt = time.Now().UTC()
	require.NoError(t, db.SaveSettlement(ctx, &rec))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempts)
	assert.InDelta(t, 1.84, stats.RealizedPnL, 0.001)
	assert.InDelta(t, 0.20, stats.GasSpentUSD, 0.001)
	assert.InDelta(t, 100.0, stats.MergedSizeTotal, 0.001)
}

func TestSQLiteLedger_StatsEmpty(t *testing.T) {
	db := newLedger(t)

	stats, err := db.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Attempts)
	assert.Zero(t, stats.RealizedPnL)
}

func TestSQLiteLedger_StatsByOutcome(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	outcomes := []domain.AttemptOutcome{
		domain.OutcomeSettled,
		domain.OutcomeSettled,
		domain.OutcomeAbandoned,
		domain.OutcomeUnhedged,
		domain.OutcomeSettleFailed,
	}
	for i, out := range outcomes {
		a := makeAttempt("0xaaa")
		a.ConditionID = a.ConditionID + string(rune('0'+i))
		require.NoError(t, db.SaveAttempt(ctx, &a))
		a.Outcome = out
		a.ResolvedAt = &now
		require.NoError(t, db.SaveAttempt(ctx, &a))
	}

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Attempts)
	assert.Equal(t, 2, stats.Settled)
	assert.Equal(t, 1, stats.Abandoned)
	assert.Equal(t, 1, stats.Unhedged)
	assert.Equal(t, 1, stats.SettleFailed)
}

func TestSQLiteLedger_DailyStats(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := makeAttempt("0xaaa")
	require.NoError(t, db.SaveAttempt(ctx, &a))
	a.Outcome = domain.OutcomeSettled
	a.ResolvedAt = &now
	require.NoError(t, db.SaveAttempt(ctx, &a))
	require.NoError(t, db.SaveSettlement(ctx, &domain.SettlementRecord{
		AttemptID:      a.ID,
		ConditionID:    "0xaaa",
		MergeSize:      100,
		Status:         domain.SettlementConfirmed,
		GasCostUSD:     0.20,
		RealizedProfit: 1.84,
		ExecutedAt:     now,
	}))

	b := makeAttempt("0xbbb")
	require.NoError(t, db.SaveAttempt(ctx, &b))
	b.Outcome = domain.OutcomeAbandoned
	b.ResolvedAt = &now
	require.NoError(t, db.SaveAttempt(ctx, &b))

	dailies, err := db.DailyStats(ctx)
	require.NoError(t, err)
	require.Len(t, dailies, 1)
	assert.Equal(t, 2, dailies[0].Attempts)
	assert.Equal(t, 1, dailies[0].Settled)
	assert.InDelta(t, 1.84, dailies[0].RealizedPnL, 0.001)
	assert.InDelta(t, 0.20, dailies[0].GasCostUSD, 0.001)
}

func TestSQLiteLedger_ExposureRoundTrip(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()

	// Sin snapshot previo
	_, ok, err := db.LoadExposure(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	state := domain.ExposureState{
		OpenExposureUSD:  98.0,
		Inventory:        map[string]float64{"tok-yes": 100},
		RealizedDailyPnL: -12.5,
		Day:              time.Now().UTC().Truncate(24 * time.Hour),
		StuckCount:       1,
		Halted:           true,
		HaltReason:       "daily_loss_limit_reached",
	}
	require.NoError(t, db.SaveExposure(ctx, state))

	got, ok, err := db.LoadExposure(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 98.0, got.OpenExposureUSD, 0.001)
	assert.InDelta(t, 100.0, got.Inventory["tok-yes"], 0.001)
	assert.InDelta(t, -12.5, got.RealizedDailyPnL, 0.001)
	assert.True(t, got.Halted)
	assert.Equal(t, "daily_loss_limit_reached", got.HaltReason)
	assert.Equal(t, 1, got.StuckCount)

	// El snapshot se sobrescribe, nunca acumula filas
	state.OpenExposureUSD = 0
	state.Halted = false
	state.HaltReason = ""
	require.NoError(t, db.SaveExposure(ctx, state))

	got, ok, err = db.LoadExposure(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, got.OpenExposureUSD)
	assert.False(t, got.Halted)
}

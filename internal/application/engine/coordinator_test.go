package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
)

func bookFor(tokenID string, bestAsk float64) ports.BookUpdate {
	return ports.BookUpdate{
		Seq: 1,
		Book: domain.OrderBook{
			TokenID: tokenID,
			Asks:    []domain.BookEntry{{Price: bestAsk, Size: 1000}},
		},
	}
}

func TestRunAttemptBothLegsFillAndSettle(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	rig.venue.statusFn = func(orderID string) (domain.OrderState, error) {
		return domain.OrderState{
			OrderID:    orderID,
			Status:     domain.LegFilled,
			FilledSize: 100 / 0.98,
		}, nil
	}

	opp, admitted := rig.admitOpportunity(0.52, 0.46)
	require.True(t, admitted)

	rig.engine.runAttempt(context.Background(), testMarket(), opp)

	attempt, ok := rig.ledger.attempt(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSettled, attempt.Outcome)
	require.NotNil(t, attempt.ResolvedAt)

	rec, ok := rig.ledger.settlement(1)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementConfirmed, rec.Status)
	assert.Equal(t, 1, rec.Tries)
	// size*(1.00 - 0.98) - gas = 102.04*0.02 - 0.20
	assert.InDelta(t, (100/0.98)*0.02-0.20, rec.RealizedProfit, 1e-6)

	// La exposición queda liberada y el P&L realizado registrado.
	snap := rig.governor.Snapshot()
	assert.InDelta(t, 0, snap.OpenExposureUSD, 1e-9)
	assert.InDelta(t, rec.RealizedProfit, snap.RealizedDailyPnL, 1e-9)

	resolved := rig.sink.byType(domain.EventAttemptResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, string(domain.OutcomeSettled), resolved[0].Outcome)
}

func TestRunAttemptTimeoutWithoutFills(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	// Las órdenes descansan abiertas sin llenarse nunca.
	rig.venue.statusFn = func(orderID string) (domain.OrderState, error) {
		return domain.OrderState{OrderID: orderID, Status: domain.LegOpen}, nil
	}
	rig.venue.cancelFn = func(orderID string) (bool, error) { return false, nil }

	opp, admitted := rig.admitOpportunity(0.52, 0.46)
	require.True(t, admitted)

	rig.engine.runAttempt(context.Background(), testMarket(), opp)

	attempt, ok := rig.ledger.attempt(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeAbandoned, attempt.Outcome)
	assert.Len(t, rig.venue.canceledOrders(), 2)

	// Abandono limpio: exposición liberada, nada de merge.
	snap := rig.governor.Snapshot()
	assert.InDelta(t, 0, snap.OpenExposureUSD, 1e-9)
	assert.Empty(t, rig.settler.recordedGasMults())
}

func TestRunAttemptUnhedgedEscalation(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	// YES llena completo, NO nunca llena.
	rig.venue.statusFn = func(orderID string) (domain.OrderState, error) {
		if orderID == "ord-"+testYesToken {
			return domain.OrderState{
				OrderID:    orderID,
				Status:     domain.LegFilled,
				FilledSize: 100 / 0.98,
			}, nil
		}
		return domain.OrderState{OrderID: orderID, Status: domain.LegOpen}, nil
	}

	opp, admitted := rig.admitOpportunity(0.52, 0.46)
	require.True(t, admitted)

	rig.engine.runAttempt(context.Background(), testMarket(), opp)

	attempt, ok := rig.ledger.attempt(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeUnhedged, attempt.Outcome)
	assert.Empty(t, rig.settler.recordedGasMults())

	// La exposición sigue reservada y el inventario escalado.
	snap := rig.governor.Snapshot()
	assert.InDelta(t, opp.Notional, snap.OpenExposureUSD, 1e-9)
	assert.InDelta(t, 100/0.98, snap.Inventory[testYesToken], 1e-6)
	assert.Equal(t, 1, snap.StuckCount)

	stuck := rig.sink.byType(domain.EventInventoryStuck)
	require.Len(t, stuck, 1)
	assert.True(t, stuck[0].Critical)
	assert.Equal(t, testCondition, stuck[0].ConditionID)
}

func TestRunAttemptCancelRacesFill(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	// El poll siempre ve OPEN; al cancelar, el venue responde que la
	// orden ya es final y la re-consulta descubre el fill completo.
	filledAfterCancel := false
	rig.venue.statusFn = func(orderID string) (domain.OrderState, error) {
		if filledAfterCancel {
			return domain.OrderState{
				OrderID:    orderID,
				Status:     domain.LegFilled,
				FilledSize: 100 / 0.98,
			}, nil
		}
		return domain.OrderState{OrderID: orderID, Status: domain.LegOpen}, nil
	}
	rig.venue.cancelFn = func(orderID string) (bool, error) {
		filledAfterCancel = true
		return true, nil
	}

	opp, admitted := rig.admitOpportunity(0.52, 0.46)
	require.True(t, admitted)

	rig.engine.runAttempt(context.Background(), testMarket(), opp)

	// La reconciliación post-cancel encuentra el par completo y liquida.
	attempt, ok := rig.ledger.attempt(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSettled, attempt.Outcome)
	assert.NotEmpty(t, rig.settler.recordedGasMults())
}

func TestRunAttemptSingleSubmitRejection(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	rig.venue.submitFn = func(req domain.OrderRequest) (domain.OrderAck, error) {
		if req.TokenID == testYesToken {
			return domain.OrderAck{}, errors.New("not enough balance / allowance")
		}
		return domain.OrderAck{OrderID: "ord-" + req.TokenID, Status: "live"}, nil
	}
	rig.venue.statusFn = func(orderID string) (domain.OrderState, error) {
		return domain.OrderState{OrderID: orderID, Status: domain.LegCanceled}, nil
	}

	opp, admitted := rig.admitOpportunity(0.52, 0.46)
	require.True(t, admitted)

	rig.engine.runAttempt(context.Background(), testMarket(), opp)

	// El leg vivo se cancela de inmediato y el intento termina sin fills.
	attempt, ok := rig.ledger.attempt(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSubmitFailed, attempt.Outcome)
	assert.Len(t, rig.venue.canceledOrders(), 1)

	snap := rig.governor.Snapshot()
	assert.InDelta(t, 0, snap.OpenExposureUSD, 1e-9)
}

func TestRunAttemptBothSubmitsRejected(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	rig.venue.submitFn = func(req domain.OrderRequest) (domain.OrderAck, error) {
		return domain.OrderAck{}, errors.New("venue unavailable")
	}

	opp, admitted := rig.admitOpportunity(0.52, 0.46)
	require.True(t, admitted)

	rig.engine.runAttempt(context.Background(), testMarket(), opp)

	attempt, ok := rig.ledger.attempt(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSubmitFailed, attempt.Outcome)
	assert.Empty(t, rig.venue.canceledOrders())

	snap := rig.governor.Snapshot()
	assert.InDelta(t, 0, snap.OpenExposureUSD, 1e-9)
}

func TestRunAttemptPartialPairSettlesAtTimeout(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	// Ambos lados llenan 40 shares, por encima del mínimo liquidable,
	// pero nunca llegan al fill completo.
	rig.venue.statusFn = func(orderID string) (domain.OrderState, error) {
		return domain.OrderState{
			OrderID:    orderID,
			Status:     domain.LegPartially,
			FilledSize: 40,
		}, nil
	}
	rig.venue.cancelFn = func(orderID string) (bool, error) { return false, nil }

	opp, admitted := rig.admitOpportunity(0.52, 0.46)
	require.True(t, admitted)

	rig.engine.runAttempt(context.Background(), testMarket(), opp)

	attempt, ok := rig.ledger.attempt(1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSettled, attempt.Outcome)

	rec, ok := rig.ledger.settlement(1)
	require.True(t, ok)
	assert.InDelta(t, 40, rec.MergeSize, 1e-9)
}

func TestRecoverMarksOpenAttemptMarketsBusy(t *testing.T) {
	rig := newRig(testConfig(), 1000)

	// Un intento quedó PENDING en el ledger tras un crash, sin órdenes
	// vivas en el venue y sin fills.
	stale := domain.ArbAttempt{
		ConditionID: testCondition,
		Opportunity: domain.Opportunity{ConditionID: testCondition, Notional: 100},
		YesLeg:      domain.Leg{TokenID: testYesToken, VenueOrderID: "ord-yes", Status: domain.LegOpen},
		NoLeg:       domain.Leg{TokenID: testNoToken, VenueOrderID: "ord-no", Status: domain.LegOpen},
		Outcome:     domain.OutcomePending,
	}
	require.NoError(t, rig.ledger.SaveAttempt(context.Background(), &stale))
	rig.venue.statusFn = func(orderID string) (domain.OrderState, error) {
		return domain.OrderState{OrderID: orderID, Status: domain.LegCanceled}, nil
	}

	require.NoError(t, rig.engine.Recover(context.Background()))

	attempt, ok := rig.ledger.attempt(stale.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeAbandoned, attempt.Outcome)
}

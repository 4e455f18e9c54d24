package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// filledAttempt builds an attempt whose two legs matched completely,
// ready for settlement.
func filledAttempt(rig *testRig, size float64) *domain.ArbAttempt {
	opp := domain.Opportunity{
		ConditionID: testCondition,
		YesAsk:      0.52,
		NoAsk:       0.46,
		Size:        size,
		Notional:    size * 0.98,
	}
	admitted, _ := rig.governor.Admit(opp)
	if !admitted {
		panic("test opportunity not admitted")
	}
	attempt := &domain.ArbAttempt{
		ID:          77,
		ConditionID: testCondition,
		Opportunity: opp,
		YesLeg: domain.Leg{
			TokenID: testYesToken, Outcome: "Yes", LimitPrice: 0.52,
			Size: size, FilledSize: size, Status: domain.LegFilled,
		},
		NoLeg: domain.Leg{
			TokenID: testNoToken, Outcome: "No", LimitPrice: 0.46,
			Size: size, FilledSize: size, Status: domain.LegFilled,
		},
		Outcome: domain.OutcomePending,
	}
	return attempt
}

func TestSettleRetriesWithEscalatedGas(t *testing.T) {
	rig := newRig(testConfig(), 1000)

	fails := 0
	rig.settler.mergeFn = func(conditionID string, size, gasMult float64) (string, error) {
		fails++
		if fails <= 2 {
			return "", errors.New("replacement transaction underpriced")
		}
		return "0xdeadbeef", nil
	}

	attempt := filledAttempt(rig, 100)
	rig.engine.settle(context.Background(), attempt)

	// Dos fallos escalan el gas 1.0 -> 2.0 -> 4.0 antes de confirmar.
	assert.Equal(t, []float64{1, 2, 4}, rig.settler.recordedGasMults())

	rec, ok := rig.ledger.settlement(77)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementConfirmed, rec.Status)
	assert.Equal(t, 3, rec.Tries)
	assert.Equal(t, "0xdeadbeef", rec.TxHash)
	assert.Equal(t, domain.OutcomeSettled, attempt.Outcome)
}

func TestSettleTerminalFailureIsCritical(t *testing.T) {
	rig := newRig(testConfig(), 1000)
	rig.settler.mergeFn = func(conditionID string, size, gasMult float64) (string, error) {
		return "", errors.New("execution reverted")
	}

	attempt := filledAttempt(rig, 100)
	rig.engine.settle(context.Background(), attempt)

	// El presupuesto de reintentos se agota sin escalar más allá del tope.
	assert.Equal(t, []float64{1, 2, 4}, rig.settler.recordedGasMults())

	rec, ok := rig.ledger.settlement(77)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementFailedTerminal, rec.Status)
	assert.Equal(t, domain.OutcomeSettleFailed, attempt.Outcome)

	critical := rig.sink.byType(domain.EventSettlementFailed)
	require.Len(t, critical, 1)
	assert.True(t, critical[0].Critical)
	assert.Equal(t, int64(77), critical[0].AttemptID)

	// El par queda varado como inventario y la exposición reservada.
	snap := rig.governor.Snapshot()
	assert.InDelta(t, 98, snap.OpenExposureUSD, 1e-9)
	assert.InDelta(t, 100, snap.Inventory[testYesToken], 1e-9)
	assert.InDelta(t, 100, snap.Inventory[testNoToken], 1e-9)
	assert.Equal(t, 1, snap.StuckCount)
}

func TestSettleConfirmationFailureRetries(t *testing.T) {
	rig := newRig(testConfig(), 1000)

	waits := 0
	rig.settler.waitFn = func(txHash string) error {
		waits++
		if waits == 1 {
			return errors.New("transaction reverted on-chain")
		}
		return nil
	}

	attempt := filledAttempt(rig, 100)
	rig.engine.settle(context.Background(), attempt)

	rec, ok := rig.ledger.settlement(77)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementConfirmed, rec.Status)
	assert.Equal(t, 2, rec.Tries)
	assert.Equal(t, []float64{1, 2}, rig.settler.recordedGasMults())
}

func TestSettleOutlivesEngineShutdown(t *testing.T) {
	rig := newRig(testConfig(), 1000)

	ctx, cancel := context.WithCancel(context.Background())
	waits := 0
	rig.settler.waitFn = func(txHash string) error {
		waits++
		if waits == 1 {
			// El shutdown llega mientras el merge espera confirmación.
			cancel()
			return context.Canceled
		}
		return nil
	}

	attempt := filledAttempt(rig, 100)
	rig.engine.settle(ctx, attempt)

	// El merge ya está emitido: el reintento sigue hasta confirmar en
	// vez de declararlo terminal con el primer intento.
	rec, ok := rig.ledger.settlement(77)
	require.True(t, ok)
	assert.Equal(t, domain.SettlementConfirmed, rec.Status)
	assert.Equal(t, 2, rec.Tries)
	assert.Equal(t, []float64{1, 2}, rig.settler.recordedGasMults())
	assert.Equal(t, domain.OutcomeSettled, attempt.Outcome)

	// Nada queda varado ni reservado.
	snap := rig.governor.Snapshot()
	assert.Equal(t, 0, snap.StuckCount)
	assert.Empty(t, snap.Inventory)
	assert.InDelta(t, 0, snap.OpenExposureUSD, 1e-9)
}

func TestSettleBooksExcessInventory(t *testing.T) {
	rig := newRig(testConfig(), 1000)

	attempt := filledAttempt(rig, 100)
	// El lado NO quedó corto: solo 80 shares casadas.
	attempt.NoLeg.FilledSize = 80
	attempt.NoLeg.Status = domain.LegCanceled

	rig.engine.settle(context.Background(), attempt)

	rec, ok := rig.ledger.settlement(77)
	require.True(t, ok)
	assert.InDelta(t, 80, rec.MergeSize, 1e-9)
	assert.Equal(t, domain.OutcomeSettled, attempt.Outcome)

	// Las 20 shares YES sobrantes se escalan como inventario y su coste
	// (20 x 0.52) sigue reservado como exposición abierta.
	snap := rig.governor.Snapshot()
	assert.InDelta(t, 20, snap.Inventory[testYesToken], 1e-9)
	assert.Equal(t, 1, snap.StuckCount)
	assert.InDelta(t, 10.4, snap.OpenExposureUSD, 1e-9)

	stuck := rig.sink.byType(domain.EventInventoryStuck)
	require.Len(t, stuck, 1)
	assert.True(t, stuck[0].Critical)

	// El mercado sigue ocupado mientras quede posición a un solo lado.
	admitted, reason := rig.governor.Admit(domain.Opportunity{
		ConditionID: testCondition,
		Notional:    50,
	})
	assert.False(t, admitted)
	assert.Equal(t, "market_busy", reason)
}

func TestSettleRealizedLossCanTripDailyHalt(t *testing.T) {
	cfg := testConfig()
	rig := newRig(cfg, 1000)
	rig.settler.gasUSD = 60 // un gas absurdo convierte el merge en pérdida

	attempt := filledAttempt(rig, 100)
	rig.engine.settle(context.Background(), attempt)

	rec, ok := rig.ledger.settlement(77)
	require.True(t, ok)
	assert.Less(t, rec.RealizedProfit, -50.0)

	halted, reason := rig.governor.Halted()
	require.True(t, halted)
	assert.Equal(t, "daily_loss_limit_reached", reason)

	halts := rig.sink.byType(domain.EventDailyHaltTriggered)
	require.Len(t, halts, 1)
}

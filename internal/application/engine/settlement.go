package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// settle merges the matched pair on-chain. Failures retry with an
// escalating gas multiplier up to SettleMaxTries; exhausting all tries
// is terminal and strands the pair as inventory, which is surfaced as a
// critical alert and never quietly absorbed.
func (e *Engine) settle(ctx context.Context, attempt *domain.ArbAttempt) {
	// A merge tx may already be broadcast once we are here; engine
	// shutdown must not shortcut the retry loop into a fabricated
	// terminal failure while the chain confirms it anyway. Run the whole
	// settlement detached; Run waits for in-flight attempts on shutdown.
	ctx = context.WithoutCancel(ctx)

	mergeSize := attempt.MergeSize()
	rec := &domain.SettlementRecord{
		AttemptID:   attempt.ID,
		ConditionID: attempt.ConditionID,
		MergeSize:   mergeSize,
		Status:      domain.SettlementPending,
		GasMult:     1.0,
		ExecutedAt:  e.now(),
	}
	attempt.Settlement = rec
	e.saveSettlement(ctx, rec)

	for try := 1; try <= e.cfg.SettleMaxTries; try++ {
		rec.Tries = try
		if try > 1 {
			rec.GasMult *= e.cfg.GasEscalation
			e.logger.Warn("settlement: retrying with escalated gas",
				"attempt_id", attempt.ID,
				"try", try,
				"gas_mult", rec.GasMult)
		}

		txHash, err := e.settler.MergePositions(ctx, attempt.ConditionID, mergeSize, rec.GasMult)
		if err != nil {
			rec.Status = domain.SettlementFailedRetryable
			rec.Error = err.Error()
			e.saveSettlement(ctx, rec)
			e.logger.Error("settlement: merge submission failed",
				"attempt_id", attempt.ID, "try", try, "error", err)
			if !e.settleBackoff(ctx) {
				break
			}
			continue
		}
		rec.TxHash = txHash
		e.saveSettlement(ctx, rec)

		if err := e.settler.WaitForConfirmation(ctx, txHash); err != nil {
			rec.Status = domain.SettlementFailedRetryable
			rec.Error = err.Error()
			e.saveSettlement(ctx, rec)
			e.logger.Error("settlement: confirmation failed",
				"attempt_id", attempt.ID, "tx", txHash, "error", err)
			if !e.settleBackoff(ctx) {
				break
			}
			continue
		}

		e.confirmSettlement(ctx, attempt, rec)
		return
	}

	e.failSettlement(ctx, attempt, rec)
}

// confirmSettlement books the realized result and releases exposure.
// Each merged pair redeems exactly $1.00 of collateral.
func (e *Engine) confirmSettlement(ctx context.Context, attempt *domain.ArbAttempt, rec *domain.SettlementRecord) {
	gasCost, err := e.settler.EstimateGasCostUSD(ctx)
	if err != nil {
		e.logger.Warn("settlement: gas cost estimate unavailable, booking schedule default",
			"attempt_id", attempt.ID, "error", err)
		gasCost = e.cfg.Fees.GasCostUSD
	}

	rec.Status = domain.SettlementConfirmed
	rec.Error = ""
	rec.GasCostUSD = gasCost
	rec.RealizedProfit = rec.MergeSize*1.0 - attempt.CapitalSpentUSD() - gasCost
	e.saveSettlement(ctx, rec)

	// One side can out-fill the other and still settle; the leftover
	// shares are a one-sided position whose cost stays reserved and
	// whose market stays blocked until an operator unwinds it.
	excess := attempt.ExcessInventory()
	excessTripped := e.governor.ReleaseSettled(
		attempt.ConditionID, attempt.Opportunity.Notional, excessValueUSD(attempt, excess), excess)
	tripped := e.governor.Realize(rec.RealizedProfit)
	e.persistExposure(ctx)
	e.resolve(ctx, attempt, domain.OutcomeSettled)

	e.logger.Info("settlement: pair merged",
		"attempt_id", attempt.ID,
		"tx", rec.TxHash,
		"merge_size", fmt.Sprintf("%.2f", rec.MergeSize),
		"realized_profit", fmt.Sprintf("%.4f", rec.RealizedProfit),
		"gas_usd", fmt.Sprintf("%.4f", gasCost))

	if tripped {
		e.emitHalt(ctx, attempt)
	}

	if len(excess) > 0 {
		e.emit(ctx, domain.Event{
			Type:        domain.EventInventoryStuck,
			AttemptID:   attempt.ID,
			ConditionID: attempt.ConditionID,
			Outcome:     string(attempt.Outcome),
			Detail:      formatInventory(excess),
			Critical:    true,
			At:          e.now(),
		})
		if excessTripped {
			e.emitHalt(ctx, attempt)
		}
	}
}

// failSettlement marks the merge as terminally failed. The matched pair
// stays in the wallet as stranded inventory and exposure stays reserved.
func (e *Engine) failSettlement(ctx context.Context, attempt *domain.ArbAttempt, rec *domain.SettlementRecord) {
	rec.Status = domain.SettlementFailedTerminal
	e.saveSettlement(ctx, rec)

	inventory := make(map[string]float64, 2)
	for _, leg := range []*domain.Leg{&attempt.YesLeg, &attempt.NoLeg} {
		if leg.FilledSize > 0 {
			inventory[leg.TokenID] += leg.FilledSize
		}
	}
	tripped := e.governor.RecordUnhedged(attempt.ConditionID, inventory)
	e.persistExposure(ctx)
	e.resolve(ctx, attempt, domain.OutcomeSettleFailed)

	e.emit(ctx, domain.Event{
		Type:        domain.EventSettlementFailed,
		AttemptID:   attempt.ID,
		ConditionID: attempt.ConditionID,
		Outcome:     string(domain.OutcomeSettleFailed),
		Detail: fmt.Sprintf("merge exhausted %d tries, %.2f shares stranded: %s",
			rec.Tries, rec.MergeSize, rec.Error),
		Critical: true,
		At:       e.now(),
	})
	if tripped {
		e.emitHalt(ctx, attempt)
	}
}

// settleBackoff pauses between merge retries. Returns false if the
// context died while waiting.
func (e *Engine) settleBackoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.cfg.PollInterval):
		return true
	}
}

func (e *Engine) saveSettlement(ctx context.Context, rec *domain.SettlementRecord) {
	if err := e.ledger.SaveSettlement(ctx, rec); err != nil {
		e.logger.Error("settlement: record persist failed",
			"attempt_id", rec.AttemptID, "error", err)
	}
}

// excessValueUSD prices leftover shares at the limit price each leg
// paid for them, the capital actually sunk into the one-sided position.
func excessValueUSD(attempt *domain.ArbAttempt, excess map[string]float64) float64 {
	var total float64
	for _, leg := range []*domain.Leg{&attempt.YesLeg, &attempt.NoLeg} {
		if over, ok := excess[leg.TokenID]; ok {
			total += over * leg.LimitPrice
		}
	}
	return total
}

func formatInventory(inventory map[string]float64) string {
	tokens := make([]string, 0, len(inventory))
	for tokenID := range inventory {
		tokens = append(tokens, tokenID)
	}
	sort.Strings(tokens)

	parts := make([]string, 0, len(tokens))
	for _, tokenID := range tokens {
		id := tokenID
		if len(id) > 12 {
			id = id[:12] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%.2f", id, inventory[tokenID]))
	}
	return strings.Join(parts, " ")
}

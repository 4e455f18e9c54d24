package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// runAttempt drives one arbitrage attempt end to end: submit both legs
// concurrently, poll fills until completion or timeout, then either
// settle the pair on-chain or escalate whatever inventory is left.
func (e *Engine) runAttempt(ctx context.Context, market domain.Market, opp domain.Opportunity) {
	attempt := e.newAttempt(market, opp)

	if err := e.ledger.SaveAttempt(ctx, &attempt); err != nil {
		e.logger.Error("coordinator: attempt persist failed, releasing",
			"condition_id", attempt.ConditionID, "error", err)
		e.governor.Release(attempt.ConditionID, opp.Notional)
		return
	}
	attempt.YesLeg.AttemptID = attempt.ID
	attempt.NoLeg.AttemptID = attempt.ID

	yesErr, noErr := e.submitLegs(ctx, &attempt)
	e.saveAttempt(ctx, &attempt)

	if yesErr != nil && noErr != nil {
		e.logger.Error("coordinator: both legs rejected",
			"attempt_id", attempt.ID, "yes_error", yesErr, "no_error", noErr)
		e.resolve(ctx, &attempt, domain.OutcomeSubmitFailed)
		e.governor.Release(attempt.ConditionID, opp.Notional)
		e.persistExposure(ctx)
		return
	}
	if yesErr != nil || noErr != nil {
		// One leg is live without its hedge. Cancel it immediately and
		// reconcile on whatever filled in the meantime.
		e.logger.Warn("coordinator: single leg rejected, canceling the other",
			"attempt_id", attempt.ID, "yes_error", yesErr, "no_error", noErr)
		e.cancelOpenLegs(ctx, &attempt)
		e.resolveTimedOut(ctx, &attempt)
		return
	}

	e.pollUntilResolved(ctx, &attempt)
}

func (e *Engine) newAttempt(market domain.Market, opp domain.Opportunity) domain.ArbAttempt {
	now := e.now()
	newLeg := func(tok domain.Token, price float64) domain.Leg {
		return domain.Leg{
			ID:         uuid.NewString(),
			TokenID:    tok.TokenID,
			Outcome:    tok.Outcome,
			Side:       "BUY",
			LimitPrice: price,
			Size:       opp.Size,
			Status:     domain.LegPending,
			UpdatedAt:  now,
		}
	}
	return domain.ArbAttempt{
		ConditionID: market.ConditionID,
		Question:    market.Question,
		Opportunity: opp,
		YesLeg:      newLeg(market.YesToken(), opp.YesAsk),
		NoLeg:       newLeg(market.NoToken(), opp.NoAsk),
		Outcome:     domain.OutcomePending,
		CreatedAt:   now,
	}
}

// submitLegs dispatches both orders without waiting on each other.
// Sequential submission would reopen the latency gap the parallel race
// exists to close.
func (e *Engine) submitLegs(ctx context.Context, attempt *domain.ArbAttempt) (yesErr, noErr error) {
	market := e.byCondition[attempt.ConditionID]

	var g errgroup.Group
	g.Go(func() error {
		yesErr = e.submitLeg(ctx, &attempt.YesLeg, market.NegRisk, attempt.ConditionID)
		return nil
	})
	g.Go(func() error {
		noErr = e.submitLeg(ctx, &attempt.NoLeg, market.NegRisk, attempt.ConditionID)
		return nil
	})
	_ = g.Wait()
	return yesErr, noErr
}

func (e *Engine) submitLeg(ctx context.Context, leg *domain.Leg, negRisk bool, conditionID string) error {
	ack, err := e.venue.SubmitLimitOrder(ctx, domain.OrderRequest{
		TokenID:     leg.TokenID,
		ConditionID: conditionID,
		Price:       leg.LimitPrice,
		Size:        leg.Size,
		Side:        leg.Side,
		NegRisk:     negRisk,
	})
	now := e.now()
	leg.SubmittedAt = now
	leg.UpdatedAt = now
	if err != nil {
		leg.Status = domain.LegFailed
		return err
	}

	leg.VenueOrderID = ack.OrderID
	leg.Status = domain.LegOpen
	if ack.TakenSize > 0 {
		leg.FilledSize = ack.TakenSize
		if ack.TakenSize >= leg.Size {
			leg.Status = domain.LegFilled
		} else {
			leg.Status = domain.LegPartially
		}
	}
	e.logger.Info("coordinator: leg submitted",
		"attempt_id", leg.AttemptID,
		"outcome", leg.Outcome,
		"order_id", ack.OrderID,
		"price", leg.LimitPrice,
		"taken", ack.TakenSize)
	return nil
}

// pollUntilResolved re-queries both legs on a fixed cadence until both
// fill or the attempt deadline passes. Engine shutdown takes the same
// exit as a timeout: cancel, reconcile, classify.
func (e *Engine) pollUntilResolved(ctx context.Context, attempt *domain.ArbAttempt) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.cfg.AttemptTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Warn("coordinator: shutdown during attempt, canceling legs",
				"attempt_id", attempt.ID)
			e.cancelOpenLegs(context.WithoutCancel(ctx), attempt)
			e.resolveTimedOut(context.WithoutCancel(ctx), attempt)
			return
		case <-deadline.C:
			e.logger.Warn("coordinator: attempt timeout",
				"attempt_id", attempt.ID,
				"yes_filled", attempt.YesLeg.FilledSize,
				"no_filled", attempt.NoLeg.FilledSize)
			e.cancelOpenLegs(ctx, attempt)
			e.resolveTimedOut(ctx, attempt)
			return
		case <-ticker.C:
			changed := e.refreshLeg(ctx, &attempt.YesLeg)
			changed = e.refreshLeg(ctx, &attempt.NoLeg) || changed
			if changed {
				e.saveAttempt(ctx, attempt)
			}
			if attempt.YesLeg.Filled() && attempt.NoLeg.Filled() {
				e.settle(ctx, attempt)
				return
			}
		}
	}
}

// refreshLeg pulls the venue's view of a leg. Returns true if anything
// changed. Query errors leave the leg untouched until the next tick.
func (e *Engine) refreshLeg(ctx context.Context, leg *domain.Leg) bool {
	if leg.Status.Terminal() || leg.VenueOrderID == "" {
		return false
	}
	state, err := e.venue.OrderStatus(ctx, leg.VenueOrderID)
	if err != nil {
		e.logger.Debug("coordinator: status query failed",
			"order_id", leg.VenueOrderID, "error", err)
		return false
	}
	return applyOrderState(leg, state, e.now())
}

// cancelOpenLegs cancels every leg not yet terminal, then re-queries
// each one. A cancel can race a fill at the venue; the re-query is what
// decides which one won.
func (e *Engine) cancelOpenLegs(ctx context.Context, attempt *domain.ArbAttempt) {
	for _, leg := range []*domain.Leg{&attempt.YesLeg, &attempt.NoLeg} {
		if leg.Status.Terminal() || leg.VenueOrderID == "" {
			continue
		}
		alreadyFinal, err := e.venue.CancelOrder(ctx, leg.VenueOrderID)
		if err != nil {
			e.logger.Warn("coordinator: cancel failed, re-querying anyway",
				"order_id", leg.VenueOrderID, "error", err)
		} else if alreadyFinal {
			e.logger.Info("coordinator: cancel raced a final state",
				"order_id", leg.VenueOrderID)
		}

		state, qerr := e.venue.OrderStatus(ctx, leg.VenueOrderID)
		if qerr != nil {
			e.logger.Error("coordinator: post-cancel query failed, keeping last known state",
				"order_id", leg.VenueOrderID, "error", qerr)
			continue
		}
		applyOrderState(leg, state, e.now())
		if !leg.Status.Terminal() {
			// Cancel was acked but the venue still reports the order
			// open. Treat it as canceled at the last observed fill.
			leg.Status = domain.LegCanceled
			leg.UpdatedAt = e.now()
		}
	}
	e.saveAttempt(ctx, attempt)
}

// resolveTimedOut classifies an attempt whose legs are no longer live:
// settle what can be merged, escalate what cannot, release the rest.
func (e *Engine) resolveTimedOut(ctx context.Context, attempt *domain.ArbAttempt) {
	mergeSize := attempt.MergeSize()

	switch {
	case mergeSize >= e.cfg.MinSettleableSize:
		// A partial pair is still a pair. Merge what matched; any
		// excess on one side is escalated after settlement.
		e.settle(ctx, attempt)

	case attempt.Unhedged():
		e.escalateInventory(ctx, attempt, domain.OutcomeUnhedged)

	case attempt.YesLeg.HasFill() || attempt.NoLeg.HasFill():
		// Both sides filled crumbs below the settleable minimum.
		e.escalateInventory(ctx, attempt, domain.OutcomeBelowSettleable)

	default:
		outcome := domain.OutcomeAbandoned
		if attempt.YesLeg.Status == domain.LegFailed || attempt.NoLeg.Status == domain.LegFailed {
			outcome = domain.OutcomeSubmitFailed
		}
		e.resolve(ctx, attempt, outcome)
		e.governor.Release(attempt.ConditionID, attempt.Opportunity.Notional)
		e.persistExposure(ctx)
	}
}

// escalateInventory records stranded shares with the risk governor.
// Exposure stays reserved and the market stays blocked until an
// operator resolves the position outside the core.
func (e *Engine) escalateInventory(ctx context.Context, attempt *domain.ArbAttempt, outcome domain.AttemptOutcome) {
	inventory := make(map[string]float64, 2)
	for _, leg := range []*domain.Leg{&attempt.YesLeg, &attempt.NoLeg} {
		if leg.FilledSize > 0 {
			inventory[leg.TokenID] += leg.FilledSize
		}
	}

	tripped := e.governor.RecordUnhedged(attempt.ConditionID, inventory)
	e.resolve(ctx, attempt, outcome)
	e.persistExposure(ctx)

	e.emit(ctx, domain.Event{
		Type:        domain.EventInventoryStuck,
		AttemptID:   attempt.ID,
		ConditionID: attempt.ConditionID,
		Outcome:     string(outcome),
		Detail:      formatInventory(inventory),
		Critical:    true,
		At:          e.now(),
	})
	if tripped {
		e.emitHalt(ctx, attempt)
	}
}

// resolve stamps the terminal outcome, persists it and emits the
// attempt_resolved event.
func (e *Engine) resolve(ctx context.Context, attempt *domain.ArbAttempt, outcome domain.AttemptOutcome) {
	now := e.now()
	attempt.Outcome = outcome
	attempt.ResolvedAt = &now
	e.saveAttempt(ctx, attempt)

	e.logger.Info("coordinator: attempt resolved",
		"attempt_id", attempt.ID,
		"condition_id", attempt.ConditionID,
		"outcome", outcome,
		"yes_filled", attempt.YesLeg.FilledSize,
		"no_filled", attempt.NoLeg.FilledSize)

	e.emit(ctx, domain.Event{
		Type:        domain.EventAttemptResolved,
		AttemptID:   attempt.ID,
		ConditionID: attempt.ConditionID,
		Outcome:     string(outcome),
		At:          now,
	})
}

func (e *Engine) emitHalt(ctx context.Context, attempt *domain.ArbAttempt) {
	_, reason := e.governor.Halted()
	e.emit(ctx, domain.Event{
		Type:        domain.EventDailyHaltTriggered,
		AttemptID:   attempt.ID,
		ConditionID: attempt.ConditionID,
		Outcome:     string(attempt.Outcome),
		Detail:      reason,
		Critical:    true,
		At:          e.now(),
	})
}

// saveAttempt persists without letting a storage error interrupt the
// attempt lifecycle; the venue remains the ground truth for order state.
func (e *Engine) saveAttempt(ctx context.Context, attempt *domain.ArbAttempt) {
	if err := e.ledger.SaveAttempt(ctx, attempt); err != nil {
		e.logger.Error("coordinator: attempt persist failed",
			"attempt_id", attempt.ID, "error", err)
	}
}

func (e *Engine) persistExposure(ctx context.Context) {
	if err := e.ledger.SaveExposure(ctx, e.governor.Snapshot()); err != nil {
		e.logger.Error("coordinator: exposure persist failed", "error", err)
	}
}

// applyOrderState copies the venue's view into the leg. Never downgrades
// a terminal status.
func applyOrderState(leg *domain.Leg, state domain.OrderState, now time.Time) bool {
	changed := false
	if state.FilledSize > leg.FilledSize {
		leg.FilledSize = state.FilledSize
		changed = true
	}
	if state.Status != "" && state.Status != leg.Status && !leg.Status.Terminal() {
		leg.Status = state.Status
		changed = true
	}
	if changed {
		leg.UpdatedAt = now
	}
	return changed
}

// Package engine implements the full-set arbitrage loop: it reacts to
// order book updates, detects YES+NO ask pairs priced under $1.00 net
// of costs, races both legs into the CLOB and merges completed pairs
// back into USDC on-chain.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/fullset/internal/application/books"
	"github.com/alejandrodnm/fullset/internal/application/risk"
	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
)

// Config holds the engine tunables. Defaults live in the config package.
type Config struct {
	ProfitThreshold   float64       // minimum net edge to act on
	MinTradeUSD       float64       // below this notional the attempt is abandoned
	MaxTradeUSD       float64       // notional cap per attempt
	CapitalFraction   float64       // share of available capital usable per attempt
	MinSettleableSize float64       // merge sizes below this are escalated, not merged
	DetectorCooldown  time.Duration // per-market silence after emitting a signal
	PollInterval      time.Duration // leg fill polling cadence
	AttemptTimeout    time.Duration // attempt-level deadline
	SettleMaxTries    int           // on-chain merge attempts before terminal failure
	GasEscalation     float64       // gas multiplier growth between merge retries
	BalanceTTL        time.Duration // available-capital cache lifetime
	Fees              domain.FeeSchedule
}

// Engine wires the detector, the leg coordinator and the settlement
// executor around the shared book state and the risk governor.
type Engine struct {
	cfg      Config
	books    *books.State
	governor *risk.Governor
	venue    ports.OrderVenue
	balance  ports.BalanceProvider
	settler  ports.SettlementClient
	ledger   ports.Ledger
	alerts   ports.AlertSink
	logger   *slog.Logger

	// markets indexed both ways: the feed keys updates by token,
	// attempts are keyed by condition.
	byToken     map[string]domain.Market
	byCondition map[string]domain.Market

	mu        sync.Mutex
	lastAlert map[string]time.Time // detector cooldown per condition ID
	balCached float64
	balAt     time.Time
	gasCached float64
	gasAt     time.Time

	updates chan string // token IDs with fresh books
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(
	cfg Config,
	bookState *books.State,
	governor *risk.Governor,
	venue ports.OrderVenue,
	balance ports.BalanceProvider,
	settler ports.SettlementClient,
	ledger ports.Ledger,
	alerts ports.AlertSink,
	markets []domain.Market,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:         cfg,
		books:       bookState,
		governor:    governor,
		venue:       venue,
		balance:     balance,
		settler:     settler,
		ledger:      ledger,
		alerts:      alerts,
		logger:      logger,
		byToken:     make(map[string]domain.Market),
		byCondition: make(map[string]domain.Market),
		lastAlert:   make(map[string]time.Time),
		updates:     make(chan string, 256),
		now:         time.Now,
	}
	for _, m := range markets {
		if !m.Tradable() {
			logger.Warn("engine: skipping non-tradable market",
				"condition_id", m.ConditionID,
				"question", domain.TruncateQuestion(m.Question, m.ConditionID, 60))
			continue
		}
		e.byCondition[m.ConditionID] = m
		for _, tok := range m.Tokens {
			e.byToken[tok.TokenID] = m
		}
	}
	return e
}

// BookSink returns the sink the feed adapter should push updates into.
func (e *Engine) BookSink() ports.BookSink {
	return e.books
}

// Start hooks the engine onto the book state. Must be called before the
// feed starts delivering updates.
func (e *Engine) Start() {
	e.books.SetOnUpdate(func(tokenID string) {
		select {
		case e.updates <- tokenID:
		default:
			// The book state already holds the latest snapshot, a
			// dropped wakeup only delays detection until the next tick.
			e.logger.Debug("engine: update queue full, wakeup dropped", "token_id", tokenID)
		}
	})
}

// Run consumes book updates until the context is canceled, then waits
// for in-flight attempts to resolve.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine: running",
		"markets", len(e.byCondition),
		"profit_threshold", e.cfg.ProfitThreshold,
		"max_trade_usd", e.cfg.MaxTradeUSD)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine: shutdown requested, waiting for open attempts")
			e.wg.Wait()
			return ctx.Err()
		case tokenID := <-e.updates:
			market, ok := e.byToken[tokenID]
			if !ok {
				continue
			}
			e.onBookUpdate(ctx, market)
		}
	}
}

// onBookUpdate runs the detector for the updated market and, if the
// governor admits the opportunity, launches the attempt.
func (e *Engine) onBookUpdate(ctx context.Context, market domain.Market) {
	opp, ok := e.evaluate(ctx, market)
	if !ok {
		return
	}

	admitted, reason := e.governor.Admit(opp)
	if !admitted {
		e.logger.Debug("engine: opportunity not admitted",
			"condition_id", opp.ConditionID,
			"reason", reason,
			"net_edge", opp.NetEdge)
		return
	}

	e.markAlerted(opp.ConditionID)
	e.emit(ctx, domain.Event{
		Type:        domain.EventOpportunityDetected,
		ConditionID: opp.ConditionID,
		Outcome:     string(domain.OutcomePending),
		Detail:      formatOpportunity(opp),
		At:          e.now(),
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runAttempt(ctx, market, opp)
	}()
}

// Recover reconciles ledger state after a restart: unresolved attempts
// keep their markets busy and any resting orders at the venue are
// canceled before new detection starts.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.ledger.OpenAttempts(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	resting, err := e.venue.OpenOrders(ctx)
	if err != nil {
		return err
	}
	restingByID := make(map[string]domain.OrderState, len(resting))
	for _, o := range resting {
		restingByID[o.OrderID] = o
	}

	for i := range open {
		attempt := open[i]
		e.governor.MarkBusy(attempt.ConditionID)
		e.logger.Warn("engine: unresolved attempt found at startup",
			"attempt_id", attempt.ID,
			"condition_id", attempt.ConditionID,
			"outcome", attempt.Outcome)

		for _, leg := range []*domain.Leg{&attempt.YesLeg, &attempt.NoLeg} {
			if leg.VenueOrderID == "" || leg.Status.Terminal() {
				continue
			}
			if _, stillOpen := restingByID[leg.VenueOrderID]; stillOpen {
				if _, err := e.venue.CancelOrder(ctx, leg.VenueOrderID); err != nil {
					e.logger.Error("engine: recovery cancel failed",
						"order_id", leg.VenueOrderID, "error", err)
				}
			}
			state, err := e.venue.OrderStatus(ctx, leg.VenueOrderID)
			if err != nil {
				e.logger.Error("engine: recovery status query failed",
					"order_id", leg.VenueOrderID, "error", err)
				continue
			}
			applyOrderState(leg, state, e.now())
		}

		e.resolveTimedOut(ctx, &attempt)
	}
	return nil
}

// availableCapital returns the venue balance, cached for BalanceTTL.
func (e *Engine) availableCapital(ctx context.Context) (float64, error) {
	e.mu.Lock()
	if e.cfg.BalanceTTL > 0 && e.now().Sub(e.balAt) < e.cfg.BalanceTTL {
		bal := e.balCached
		e.mu.Unlock()
		return bal, nil
	}
	e.mu.Unlock()

	bal, err := e.balance.AvailableCapital(ctx)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.balCached = bal
	e.balAt = e.now()
	e.mu.Unlock()
	return bal, nil
}

// liveGasCost returns the current USD cost of a merge for the fee
// model, cached for a minute. Returns 0 on estimation failure, which
// keeps the configured static gas cost in effect.
func (e *Engine) liveGasCost(ctx context.Context) float64 {
	e.mu.Lock()
	if e.gasCached > 0 && e.now().Sub(e.gasAt) < time.Minute {
		gas := e.gasCached
		e.mu.Unlock()
		return gas
	}
	e.mu.Unlock()

	gas, err := e.settler.EstimateGasCostUSD(ctx)
	if err != nil || gas <= 0 {
		return 0
	}

	e.mu.Lock()
	e.gasCached = gas
	e.gasAt = e.now()
	e.mu.Unlock()
	return gas
}

func (e *Engine) inCooldown(conditionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastAlert[conditionID]
	return ok && e.now().Sub(last) < e.cfg.DetectorCooldown
}

func (e *Engine) markAlerted(conditionID string) {
	e.mu.Lock()
	e.lastAlert[conditionID] = e.now()
	e.mu.Unlock()
}

// emit forwards an event to the alert sink without blocking resolution
// paths on sink errors; Emit implementations are expected to be fast.
func (e *Engine) emit(ctx context.Context, ev domain.Event) {
	if e.alerts != nil {
		e.alerts.Emit(ctx, ev)
	}
}

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/fullset/internal/application/books"
	"github.com/alejandrodnm/fullset/internal/application/risk"
	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
)

const (
	testCondition = "0xc1"
	testYesToken  = "tok-yes"
	testNoToken   = "tok-no"
)

func testMarket() domain.Market {
	return domain.Market{
		ConditionID: testCondition,
		Question:    "Will it rain tomorrow?",
		Tokens: [2]domain.Token{
			{TokenID: testYesToken, Outcome: "Yes"},
			{TokenID: testNoToken, Outcome: "No"},
		},
		Active: true,
	}
}

// fakeVenue scripts order behavior per token via hooks. Safe for the
// concurrent submissions the coordinator performs.
type fakeVenue struct {
	mu        sync.Mutex
	submitFn  func(req domain.OrderRequest) (domain.OrderAck, error)
	statusFn  func(orderID string) (domain.OrderState, error)
	cancelFn  func(orderID string) (bool, error)
	submitted []domain.OrderRequest
	canceled  []string
}

func (v *fakeVenue) SubmitLimitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitted = append(v.submitted, req)
	if v.submitFn != nil {
		return v.submitFn(req)
	}
	return domain.OrderAck{OrderID: "ord-" + req.TokenID, Status: "live"}, nil
}

func (v *fakeVenue) OrderStatus(_ context.Context, orderID string) (domain.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.statusFn != nil {
		return v.statusFn(orderID)
	}
	return domain.OrderState{OrderID: orderID, Status: domain.LegOpen}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceled = append(v.canceled, orderID)
	if v.cancelFn != nil {
		return v.cancelFn(orderID)
	}
	return false, nil
}

func (v *fakeVenue) OpenOrders(context.Context) ([]domain.OrderState, error) {
	return nil, nil
}

func (v *fakeVenue) canceledOrders() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.canceled...)
}

type fakeBalance struct{ capital float64 }

func (b fakeBalance) AvailableCapital(context.Context) (float64, error) {
	return b.capital, nil
}

// fakeSettler scripts on-chain merge behavior and records every call.
type fakeSettler struct {
	mu       sync.Mutex
	mergeFn  func(conditionID string, size, gasMult float64) (string, error)
	waitFn   func(txHash string) error
	gasUSD   float64
	gasMults []float64
}

func (s *fakeSettler) MergePositions(_ context.Context, conditionID string, size, gasMult float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gasMults = append(s.gasMults, gasMult)
	if s.mergeFn != nil {
		return s.mergeFn(conditionID, size, gasMult)
	}
	return fmt.Sprintf("0xtx%d", len(s.gasMults)), nil
}

func (s *fakeSettler) WaitForConfirmation(_ context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitFn != nil {
		return s.waitFn(txHash)
	}
	return nil
}

func (s *fakeSettler) EstimateGasCostUSD(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gasUSD == 0 {
		return 0.20, nil
	}
	return s.gasUSD, nil
}

func (s *fakeSettler) EnsureApprovals(context.Context) error { return nil }

func (s *fakeSettler) recordedGasMults() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.gasMults...)
}

// memLedger is an in-memory ports.Ledger good enough for engine tests.
type memLedger struct {
	mu          sync.Mutex
	nextID      int64
	attempts    map[int64]domain.ArbAttempt
	settlements map[int64]domain.SettlementRecord
	exposure    *domain.ExposureState
}

func newMemLedger() *memLedger {
	return &memLedger{
		attempts:    make(map[int64]domain.ArbAttempt),
		settlements: make(map[int64]domain.SettlementRecord),
	}
}

func (l *memLedger) ApplySchema(context.Context) error { return nil }

func (l *memLedger) SaveAttempt(_ context.Context, attempt *domain.ArbAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if attempt.ID == 0 {
		l.nextID++
		attempt.ID = l.nextID
	}
	l.attempts[attempt.ID] = *attempt
	return nil
}

func (l *memLedger) SaveSettlement(_ context.Context, rec *domain.SettlementRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settlements[rec.AttemptID] = *rec
	return nil
}

func (l *memLedger) OpenAttempts(context.Context) ([]domain.ArbAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.ArbAttempt
	for _, a := range l.attempts {
		if !a.Outcome.Terminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *memLedger) SaveExposure(_ context.Context, state domain.ExposureState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := state.Clone()
	l.exposure = &clone
	return nil
}

func (l *memLedger) LoadExposure(context.Context) (domain.ExposureState, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exposure == nil {
		return domain.ExposureState{}, false, nil
	}
	return l.exposure.Clone(), true, nil
}

func (l *memLedger) Stats(context.Context) (ports.LedgerStats, error) {
	return ports.LedgerStats{}, nil
}

func (l *memLedger) Close() error { return nil }

func (l *memLedger) attempt(id int64) (domain.ArbAttempt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[id]
	return a, ok
}

func (l *memLedger) settlement(attemptID int64) (domain.SettlementRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.settlements[attemptID]
	return s, ok
}

// fakeSink collects emitted events.
type fakeSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *fakeSink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *fakeSink) byType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testRig struct {
	engine   *Engine
	books    *books.State
	governor *risk.Governor
	venue    *fakeVenue
	settler  *fakeSettler
	ledger   *memLedger
	sink     *fakeSink
}

func testConfig() Config {
	return Config{
		ProfitThreshold:   0.01,
		MinTradeUSD:       10,
		MaxTradeUSD:       100,
		CapitalFraction:   0.9,
		MinSettleableSize: 5,
		DetectorCooldown:  5 * time.Second,
		PollInterval:      5 * time.Millisecond,
		AttemptTimeout:    60 * time.Millisecond,
		SettleMaxTries:    3,
		GasEscalation:     2.0,
		Fees: domain.FeeSchedule{
			TakerFeeRate: 0.001,
			GasCostUSD:   0.20,
			SlippageRate: 0.001,
			SafetyMult:   1.3,
		},
	}
}

func newRig(cfg Config, capital float64) *testRig {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bookState := books.NewState()
	governor := risk.NewGovernor(risk.Limits{
		MinTradeUSD:     cfg.MinTradeUSD,
		MaxTradeUSD:     cfg.MaxTradeUSD,
		MaxExposureUSD:  500,
		MaxDailyLossUSD: 50,
		StuckThreshold:  10,
	}, domain.NewExposureState(), logger)

	venue := &fakeVenue{}
	settler := &fakeSettler{}
	ledger := newMemLedger()
	sink := &fakeSink{}

	eng := New(cfg, bookState, governor, venue, fakeBalance{capital: capital},
		settler, ledger, sink, []domain.Market{testMarket()}, logger)

	return &testRig{
		engine:   eng,
		books:    bookState,
		governor: governor,
		venue:    venue,
		settler:  settler,
		ledger:   ledger,
		sink:     sink,
	}
}

// feedBooks seeds best asks for both sides of the test market.
func (r *testRig) feedBooks(yesAsk, noAsk float64) {
	r.books.ApplyUpdate(ports.BookUpdate{
		Seq: 1,
		Book: domain.OrderBook{
			TokenID: testYesToken,
			Asks:    []domain.BookEntry{{Price: yesAsk, Size: 1000}},
		},
	})
	r.books.ApplyUpdate(ports.BookUpdate{
		Seq: 1,
		Book: domain.OrderBook{
			TokenID: testNoToken,
			Asks:    []domain.BookEntry{{Price: noAsk, Size: 1000}},
		},
	})
}

// admitOpportunity runs the detector and reserves exposure, mirroring
// what onBookUpdate does before launching the attempt.
func (r *testRig) admitOpportunity(yesAsk, noAsk float64) (domain.Opportunity, bool) {
	r.feedBooks(yesAsk, noAsk)
	opp, ok := r.engine.evaluate(context.Background(), testMarket())
	if !ok {
		return domain.Opportunity{}, false
	}
	admitted, _ := r.governor.Admit(opp)
	return opp, admitted
}

package engine

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// evaluate recomputes the full-set edge for a market from the current
// best asks. It returns the opportunity only when the net edge clears
// the profit threshold and the market is outside its signal cooldown.
//
// The candidate size computed here is the exact size the coordinator
// will request. MinEdge depends on notional (fixed gas amortizes with
// size), so evaluating at a placeholder size would gate trades against
// a threshold the actual order never sees.
func (e *Engine) evaluate(ctx context.Context, market domain.Market) (domain.Opportunity, bool) {
	if e.inCooldown(market.ConditionID) {
		return domain.Opportunity{}, false
	}

	yesTok, noTok := market.YesToken(), market.NoToken()
	yesAsk, okYes := e.books.BestAsk(yesTok.TokenID)
	noAsk, okNo := e.books.BestAsk(noTok.TokenID)
	if !okYes || !okNo {
		return domain.Opportunity{}, false
	}

	pairCost := yesAsk + noAsk
	if pairCost <= 0 || pairCost >= 1.0 {
		return domain.Opportunity{}, false
	}

	capital, err := e.availableCapital(ctx)
	if err != nil {
		e.logger.Error("detector: balance query failed", "error", err)
		return domain.Opportunity{}, false
	}

	notional := capital * e.cfg.CapitalFraction
	if notional > e.cfg.MaxTradeUSD {
		notional = e.cfg.MaxTradeUSD
	}
	if notional < e.cfg.MinTradeUSD {
		// Not an error: there is simply not enough capital to act.
		e.logger.Debug("detector: notional below minimum, skipping",
			"condition_id", market.ConditionID,
			"notional", fmt.Sprintf("%.2f", notional))
		return domain.Opportunity{}, false
	}

	fees := market.Fees(e.cfg.Fees).WithGasCost(e.liveGasCost(ctx))
	minEdge, err := fees.MinEdge(notional)
	if err != nil {
		e.logger.Error("detector: min edge computation failed", "error", err)
		return domain.Opportunity{}, false
	}

	grossEdge := 1.0 - pairCost
	opp := domain.Opportunity{
		ConditionID: market.ConditionID,
		Question:    market.Question,
		ScannedAt:   e.now(),
		YesAsk:      yesAsk,
		NoAsk:       noAsk,
		YesAskDepth: e.askDepthUSD(yesTok.TokenID),
		NoAskDepth:  e.askDepthUSD(noTok.TokenID),
		GrossEdge:   grossEdge,
		MinEdge:     minEdge,
		NetEdge:     grossEdge - minEdge,
		Size:        notional / pairCost,
		Notional:    notional,
	}

	if !opp.Actionable(e.cfg.ProfitThreshold) {
		return domain.Opportunity{}, false
	}

	e.logger.Info("detector: full-set opportunity",
		"condition_id", opp.ConditionID,
		"question", domain.TruncateQuestion(opp.Question, opp.ConditionID, 60),
		"yes_ask", yesAsk,
		"no_ask", noAsk,
		"gross_edge", fmt.Sprintf("%.4f", grossEdge),
		"net_edge", fmt.Sprintf("%.4f", opp.NetEdge),
		"size", fmt.Sprintf("%.2f", opp.Size))
	return opp, true
}

func (e *Engine) askDepthUSD(tokenID string) float64 {
	book, ok := e.books.Book(tokenID)
	if !ok {
		return 0
	}
	return book.BestAskDepthUSDC()
}

func formatOpportunity(o domain.Opportunity) string {
	return fmt.Sprintf("yes=%.3f no=%.3f net_edge=%.4f size=%.2f expected=%.2f",
		o.YesAsk, o.NoAsk, o.NetEdge, o.Size, o.ExpectedProfitUSD())
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alejandrodnm/fullset/config"
	"github.com/alejandrodnm/fullset/internal/adapters/feed"
	"github.com/alejandrodnm/fullset/internal/adapters/notify"
	"github.com/alejandrodnm/fullset/internal/adapters/onchain"
	"github.com/alejandrodnm/fullset/internal/adapters/polymarket"
	"github.com/alejandrodnm/fullset/internal/application/books"
	"github.com/alejandrodnm/fullset/internal/application/engine"
	"github.com/alejandrodnm/fullset/internal/application/risk"
	"github.com/alejandrodnm/fullset/internal/domain"
	"golang.org/x/sync/errgroup"
)

const stopFile = "STOP_ARB"

func runLive(ctx context.Context, cfg *config.Config, skipConfirm bool) {
	fmt.Printf("\n⚠️  LIVE TRADING MODE — REAL MONEY WILL BE SPENT\n")
	fmt.Printf("   Markets: %d | Max trade: $%.2f | Max exposure: $%.2f | Daily loss limit: $%.2f\n",
		len(cfg.Markets), cfg.Risk.MaxTradeUSD, cfg.Risk.MaxExposureUSD, cfg.Risk.MaxDailyLossUSD)

	if !skipConfirm {
		fmt.Printf("   Press Ctrl+C within 5 seconds to abort...\n\n")
		abortTimer := time.NewTimer(5 * time.Second)
		select {
		case <-abortTimer.C:
		case <-ctx.Done():
			slog.Info("live trading aborted by user")
			return
		}
	}

	ledger := openLedger(ctx, cfg)
	defer ledger.Close()

	// Auth L1/L2 contra el CLOB
	auth, err := polymarket.NewAuthClient(cfg.API.CLOBBase, cfg.API.GammaBase, cfg.PrivateKey)
	if err != nil {
		slog.Error("failed to create auth client", "err", err)
		os.Exit(1)
	}
	if err := auth.EnsureCreds(ctx); err != nil {
		slog.Error("failed to derive API credentials — check PRIVATE_KEY", "err", err)
		os.Exit(1)
	}
	slog.Info("live: authenticated with Polymarket CLOB", "address", auth.Address())

	venue, err := polymarket.NewVenue(auth, cfg.API.RPCURL)
	if err != nil {
		slog.Error("failed to create venue client", "err", err)
		os.Exit(1)
	}

	settler, err := onchain.NewSettleClient(cfg.API.RPCURL, cfg.PrivateKey)
	if err != nil {
		slog.Error("failed to create settlement client", "err", err)
		os.Exit(1)
	}

	slog.Info("live: checking on-chain approvals...")
	if err := settler.EnsureApprovals(ctx); err != nil {
		slog.Error("failed to ensure on-chain approvals", "err", err)
		os.Exit(1)
	}
	slog.Info("live: all approvals verified")

	balance, err := venue.AvailableCapital(ctx)
	if err != nil {
		slog.Error("failed to get USDC.e balance", "err", err)
		os.Exit(1)
	}
	slog.Info("live: wallet balance", "usdc", fmt.Sprintf("$%.2f", balance))
	if balance < cfg.Risk.MinTradeUSD*2 {
		slog.Error("insufficient balance",
			"balance", fmt.Sprintf("$%.2f", balance),
			"required", fmt.Sprintf("$%.2f", cfg.Risk.MinTradeUSD*2))
		os.Exit(1)
	}

	// Mercados a vigilar
	markets := make([]domain.Market, 0, len(cfg.Markets))
	tokenIDs := make([]string, 0, len(cfg.Markets)*2)
	for _, condID := range cfg.Markets {
		m, err := auth.FetchMarket(ctx, condID)
		if err != nil {
			slog.Error("failed to fetch market", "condition_id", condID, "err", err)
			os.Exit(1)
		}
		markets = append(markets, m)
		for _, tok := range m.Tokens {
			tokenIDs = append(tokenIDs, tok.TokenID)
		}
	}

	// Estado del governor: restaurar exposición persistida si existe
	exposure, ok, err := ledger.LoadExposure(ctx)
	if err != nil {
		slog.Error("failed to load exposure snapshot", "err", err)
		os.Exit(1)
	}
	if !ok {
		exposure = domain.NewExposureState()
	} else {
		slog.Info("live: exposure snapshot restored",
			"open_exposure", fmt.Sprintf("$%.2f", exposure.OpenExposureUSD),
			"inventory_shares", exposure.InventoryShares(),
			"halted", exposure.Halted)
		if exposure.Halted {
			slog.Error("trading is halted — run with -clear-halt after resolving the cause",
				"reason", exposure.HaltReason)
			os.Exit(1)
		}
	}

	governor := risk.NewGovernor(risk.Limits{
		MinTradeUSD:     cfg.Risk.MinTradeUSD,
		MaxTradeUSD:     cfg.Risk.MaxTradeUSD,
		MaxExposureUSD:  cfg.Risk.MaxExposureUSD,
		MaxDailyLossUSD: cfg.Risk.MaxDailyLossUSD,
		StuckThreshold:  cfg.Risk.StuckThreshold,
	}, exposure, slog.Default())

	bookState := books.NewState()
	console := notify.NewConsole()

	eng := engine.New(engine.Config{
		ProfitThreshold:   cfg.Engine.ProfitThreshold,
		MinTradeUSD:       cfg.Risk.MinTradeUSD,
		MaxTradeUSD:       cfg.Risk.MaxTradeUSD,
		CapitalFraction:   cfg.Engine.CapitalFraction,
		MinSettleableSize: cfg.Engine.MinSettleableSize,
		DetectorCooldown:  cfg.Cooldown(),
		PollInterval:      cfg.PollInterval(),
		AttemptTimeout:    cfg.AttemptTimeout(),
		SettleMaxTries:    cfg.Engine.SettleMaxTries,
		GasEscalation:     cfg.Engine.GasEscalation,
		BalanceTTL:        cfg.BalanceTTL(),
		Fees: domain.FeeSchedule{
			TakerFeeRate: cfg.Fees.TakerFeeRate,
			GasCostUSD:   cfg.Fees.GasCostUSD,
			SlippageRate: cfg.Fees.SlippageRate,
			SafetyMult:   cfg.Fees.SafetyMult,
		},
	}, bookState, governor, venue, venue, settler, ledger, console, markets, slog.Default())

	// Reconciliación de arranque antes de aceptar updates
	if err := eng.Recover(ctx); err != nil {
		slog.Error("startup reconciliation failed", "err", err)
		os.Exit(1)
	}
	eng.Start()

	// Snapshot inicial de books por REST; el WS aplica deltas encima
	wsFeed := feed.New(cfg.API.WSBase, tokenIDs, eng.BookSink(), feed.Options{}, slog.Default())
	if seed, err := auth.FetchOrderBooks(ctx, tokenIDs); err != nil {
		slog.Warn("initial book snapshot failed, waiting for WS snapshots", "err", err)
	} else {
		wsFeed.Seed(seed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return wsFeed.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return watchStopFile(gctx, cancel) })

	slog.Info("live trading started — press Ctrl+C or create STOP_ARB file to exit")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("live trading exited with error", "err", err)
	}

	// Persistir exposición final y cerrar con el reporte de sesión
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	finalExposure := governor.Snapshot()
	if err := ledger.SaveExposure(shutdownCtx, finalExposure); err != nil {
		slog.Error("failed to persist exposure snapshot", "err", err)
	}

	stats, err := ledger.Stats(shutdownCtx)
	if err != nil {
		slog.Error("failed to read ledger stats", "err", err)
	} else {
		console.PrintSessionReport(stats, finalExposure)
	}

	slog.Info("fullset stopped cleanly")
}

// watchStopFile cancels the run when the operator drops a STOP_ARB file
// next to the binary. Useful when the process has no attached terminal.
func watchStopFile(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(stopFile); err == nil {
				slog.Info("STOP_ARB file detected — shutting down")
				os.Remove(stopFile)
				cancel()
				return nil
			}
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/fullset/config"
	"github.com/alejandrodnm/fullset/internal/adapters/notify"
	"github.com/alejandrodnm/fullset/internal/adapters/storage"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.Bool("report", false, "print ledger report and exit")
	clearHalt := flag.Bool("clear-halt", false, "clear a persisted trading halt and exit")
	yes := flag.Bool("yes", false, "skip the live trading confirmation window")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *report {
		runReport(ctx, cfg)
		return
	}
	if *clearHalt {
		runClearHalt(ctx, cfg)
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	slog.Info("fullset starting",
		"config", *configPath,
		"markets", len(cfg.Markets),
		"profit_threshold", cfg.Engine.ProfitThreshold,
		"max_trade_usd", cfg.Risk.MaxTradeUSD,
	)

	runLive(ctx, cfg, *yes)
}

// runReport prints the aggregated ledger stats and exits.
func runReport(ctx context.Context, cfg *config.Config) {
	ledger := openLedger(ctx, cfg)
	defer ledger.Close()

	stats, err := ledger.Stats(ctx)
	if err != nil {
		slog.Error("failed to read ledger stats", "err", err)
		os.Exit(1)
	}
	exposure, _, err := ledger.LoadExposure(ctx)
	if err != nil {
		slog.Error("failed to read exposure snapshot", "err", err)
		os.Exit(1)
	}

	notify.NewConsole().PrintSessionReport(stats, exposure)

	open, err := ledger.OpenAttempts(ctx)
	if err != nil {
		slog.Error("failed to read open attempts", "err", err)
		os.Exit(1)
	}
	if len(open) > 0 {
		fmt.Printf("── UNRESOLVED ATTEMPTS (%d) ──\n", len(open))
		for _, a := range open {
			fmt.Printf("  #%-4d %-14s yes %s@%.3f  no %s@%.3f  %s\n",
				a.ID, shortCond(a.ConditionID),
				a.YesLeg.Status, a.YesLeg.LimitPrice,
				a.NoLeg.Status, a.NoLeg.LimitPrice,
				a.CreatedAt.Format("2006-01-02 15:04"))
		}
		fmt.Println()
	}

	dailies, err := ledger.DailyStats(ctx)
	if err != nil {
		slog.Error("failed to read daily stats", "err", err)
		os.Exit(1)
	}
	if len(dailies) > 0 {
		fmt.Printf("── DAILY BREAKDOWN ──\n")
		fmt.Printf("  %-12s %9s %9s %10s %9s\n", "Date", "Attempts", "Settled", "PnL", "Gas")
		for _, d := range dailies {
			fmt.Printf("  %-12s %9d %9d $%9.4f $%8.4f\n",
				d.Date.Format("2006-01-02"), d.Attempts, d.Settled, d.RealizedPnL, d.GasCostUSD)
		}
		fmt.Println()
	}
}

// runClearHalt resets a persisted halt after manual intervention.
func runClearHalt(ctx context.Context, cfg *config.Config) {
	ledger := openLedger(ctx, cfg)
	defer ledger.Close()

	exposure, ok, err := ledger.LoadExposure(ctx)
	if err != nil {
		slog.Error("failed to read exposure snapshot", "err", err)
		os.Exit(1)
	}
	if !ok || !exposure.Halted {
		slog.Info("no active halt to clear")
		return
	}

	reason := exposure.HaltReason
	exposure.Halted = false
	exposure.HaltReason = ""
	exposure.StuckCount = 0
	if err := ledger.SaveExposure(ctx, exposure); err != nil {
		slog.Error("failed to save exposure snapshot", "err", err)
		os.Exit(1)
	}
	slog.Info("halt cleared", "previous_reason", reason)
}

func openLedger(ctx context.Context, cfg *config.Config) *storage.SQLiteLedger {
	ledger, err := storage.NewSQLiteLedger(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open ledger", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	if err := ledger.ApplySchema(ctx); err != nil {
		slog.Error("failed to apply ledger schema", "err", err)
		os.Exit(1)
	}
	return ledger
}

func shortCond(s string) string {
	if len(s) > 14 {
		return s[:12] + "..."
	}
	return s
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

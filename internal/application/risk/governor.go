// Package risk implementa el governor de riesgo: el único escritor del
// estado de exposición y la puerta previa a toda colocación de órdenes.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// Limits son los parámetros de riesgo, cargados desde config.
type Limits struct {
	MinTradeUSD     float64
	MaxTradeUSD     float64
	MaxExposureUSD  float64
	MaxDailyLossUSD float64
	StuckThreshold  int
}

// Motivos de rechazo del pre-trade check, registrados en logs y stats.
const (
	ReasonHalted      = "halted"
	ReasonSizeBounds  = "size_out_of_bounds"
	ReasonExposureCap = "exposure_cap"
	ReasonMarketBusy  = "market_busy"
	ReasonDailyLoss   = "daily_loss_limit"
)

// Motivos de halt global.
const (
	HaltDailyLoss      = "daily_loss_limit_reached"
	HaltStuckInventory = "stuck_inventory_threshold"
)

// Governor serializa todas las mutaciones de exposición. El detector y
// el coordinador lo consultan concurrentemente; sólo él escribe.
type Governor struct {
	mu     sync.Mutex
	limits Limits
	state  domain.ExposureState
	busy   map[string]bool // condition IDs con intento en vuelo o inventario varado
	logger *slog.Logger
	now    func() time.Time
}

// NewGovernor crea el governor partiendo del estado dado. Tras un
// arranque en frío usar domain.NewExposureState().
func NewGovernor(limits Limits, initial domain.ExposureState, logger *slog.Logger) *Governor {
	if initial.Inventory == nil {
		initial.Inventory = make(map[string]float64)
	}
	return &Governor{
		limits: limits,
		state:  initial,
		busy:   make(map[string]bool),
		logger: logger,
		now:    time.Now,
	}
}

// Admit ejecuta el pre-trade check y, si pasa, reserva la exposición y
// marca el mercado como ocupado en una sola sección crítica. El caller
// debe llamar Release (o RecordUnhedged) al resolver el intento.
func (g *Governor) Admit(opp domain.Opportunity) (ok bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDayLocked()

	switch {
	case g.state.Halted:
		reason = ReasonHalted
	case opp.Notional < g.limits.MinTradeUSD || opp.Notional > g.limits.MaxTradeUSD:
		reason = ReasonSizeBounds
	case g.state.OpenExposureUSD+opp.Notional > g.limits.MaxExposureUSD:
		reason = ReasonExposureCap
	case g.busy[opp.ConditionID]:
		reason = ReasonMarketBusy
	case g.state.RealizedDailyPnL <= -g.limits.MaxDailyLossUSD:
		reason = ReasonDailyLoss
	}
	if reason != "" {
		g.logger.Debug("risk: opportunity rejected",
			"condition_id", opp.ConditionID,
			"reason", reason,
			"notional", fmt.Sprintf("%.2f", opp.Notional))
		return false, reason
	}

	g.state.OpenExposureUSD += opp.Notional
	g.busy[opp.ConditionID] = true
	return true, ""
}

// Release libera la exposición reservada de un intento resuelto sin
// inventario varado (liquidado o abandonado sin fills).
func (g *Governor) Release(conditionID string, notional float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.OpenExposureUSD -= notional
	if g.state.OpenExposureUSD < 0 {
		g.state.OpenExposureUSD = 0
	}
	delete(g.busy, conditionID)
}

// ReleaseSettled libera la exposición de un intento liquidado. Si la
// liquidación dejó shares excedentes a un solo lado, su coste sigue
// reservado y el mercado sigue ocupado, igual que cualquier otro
// inventario varado; sólo un intento limpio desocupa el mercado.
// Devuelve true si el excedente disparó el halt global.
func (g *Governor) ReleaseSettled(conditionID string, notional, excessValueUSD float64, excess map[string]float64) (tripped bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	release := notional - excessValueUSD
	if release < 0 {
		release = 0
	}
	g.state.OpenExposureUSD -= release
	if g.state.OpenExposureUSD < 0 {
		g.state.OpenExposureUSD = 0
	}

	if len(excess) == 0 {
		delete(g.busy, conditionID)
		return false
	}

	for tokenID, shares := range excess {
		if shares > 0 {
			g.state.Inventory[tokenID] += shares
		}
	}
	g.state.StuckCount++
	g.logger.Warn("risk: settled with excess inventory",
		"condition_id", conditionID,
		"excess_value_usd", fmt.Sprintf("%.2f", excessValueUSD),
		"stuck_count", g.state.StuckCount)

	if g.limits.StuckThreshold > 0 && g.state.StuckCount >= g.limits.StuckThreshold && !g.state.Halted {
		g.haltLocked(HaltStuckInventory)
		return true
	}
	return false
}

// Realize acumula el P&L realizado del día. Devuelve true si esta
// realización cruzó el límite de pérdida diaria y disparó el halt.
func (g *Governor) Realize(pnl float64) (tripped bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDayLocked()
	g.state.RealizedDailyPnL += pnl

	if g.state.RealizedDailyPnL <= -g.limits.MaxDailyLossUSD && !g.state.Halted {
		g.haltLocked(HaltDailyLoss)
		return true
	}
	return false
}

// RecordUnhedged registra inventario varado tras un intento incompleto.
// La exposición sigue reservada y el mercado ocupado hasta que un
// operador la resuelva fuera del core. Devuelve true si el contador de
// inventario varado disparó el halt global.
func (g *Governor) RecordUnhedged(conditionID string, inventory map[string]float64) (tripped bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for tokenID, shares := range inventory {
		if shares > 0 {
			g.state.Inventory[tokenID] += shares
		}
	}
	g.state.StuckCount++
	g.logger.Warn("risk: unhedged inventory recorded",
		"condition_id", conditionID,
		"stuck_count", g.state.StuckCount)

	if g.limits.StuckThreshold > 0 && g.state.StuckCount >= g.limits.StuckThreshold && !g.state.Halted {
		g.haltLocked(HaltStuckInventory)
		return true
	}
	return false
}

// MarkBusy marca un mercado como ocupado durante la reconciliación de
// arranque, cuando el ledger reporta intentos sin resolver.
func (g *Governor) MarkBusy(conditionID string) {
	g.mu.Lock()
	g.busy[conditionID] = true
	g.mu.Unlock()
}

// Halted indica si el motor está parado y por qué.
func (g *Governor) Halted() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Halted, g.state.HaltReason
}

// ClearHalt levanta el halt manualmente y resetea el contador de
// inventario varado. El inventario en sí no se toca.
func (g *Governor) ClearHalt() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.Halted = false
	g.state.HaltReason = ""
	g.state.StuckCount = 0
	g.logger.Info("risk: halt cleared manually")
}

// Snapshot devuelve una copia del estado para persistir o reportar.
func (g *Governor) Snapshot() domain.ExposureState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Clone()
}

func (g *Governor) haltLocked(reason string) {
	g.state.Halted = true
	g.state.HaltReason = reason
	g.logger.Error("risk: global halt tripped",
		"reason", reason,
		"daily_pnl", fmt.Sprintf("%.2f", g.state.RealizedDailyPnL),
		"stuck_count", g.state.StuckCount)
}

// rollDayLocked resetea el P&L diario al cambiar el día UTC. Un halt
// por pérdida diaria NO se levanta solo; requiere ClearHalt.
func (g *Governor) rollDayLocked() {
	day := g.now().UTC().Truncate(24 * time.Hour)
	if !g.state.Day.Equal(day) {
		g.state.Day = day
		g.state.RealizedDailyPnL = 0
	}
}

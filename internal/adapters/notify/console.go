package notify

// console.go — salida de alertas y reporte de sesión por stdout.
//
// Las alertas críticas (settlement fallido, inventario atrapado, halt
// diario) se imprimen con prefijo !! para que destaquen en el log.
// El reporte de cierre agrega los totales del ledger en una tabla.

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.AlertSink.
type Console struct {
	out io.Writer
}

// NewConsole crea un sink que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un sink para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Emit imprime el evento. Nunca bloquea el pipeline de ejecución.
func (c *Console) Emit(_ context.Context, ev domain.Event) {
	now := ev.At
	if now.IsZero() {
		now = time.Now()
	}
	ts := now.Format("15:04:05")

	prefix := "  "
	if ev.Critical {
		prefix = "!!"
	}

	label := shortCondition(ev.ConditionID)
	switch ev.Type {
	case domain.EventOpportunityDetected:
		fmt.Fprintf(c.out, "%s [%s] OPP  %s %s\n", prefix, ts, label, ev.Detail)
	case domain.EventAttemptResolved:
		fmt.Fprintf(c.out, "%s [%s] ATT#%d %s %s %s\n", prefix, ts, ev.AttemptID, label, ev.Outcome, ev.Detail)
	case domain.EventSettlementFailed:
		fmt.Fprintf(c.out, "%s [%s] SETTLEMENT FAILED att#%d %s %s\n", prefix, ts, ev.AttemptID, label, ev.Detail)
	case domain.EventInventoryStuck:
		fmt.Fprintf(c.out, "%s [%s] STUCK INVENTORY att#%d %s %s\n", prefix, ts, ev.AttemptID, label, ev.Detail)
	case domain.EventDailyHaltTriggered:
		fmt.Fprintf(c.out, "%s [%s] TRADING HALTED %s\n", prefix, ts, ev.Detail)
	default:
		fmt.Fprintf(c.out, "%s [%s] %s %s %s\n", prefix, ts, ev.Type, label, ev.Detail)
	}
}

// PrintSessionReport imprime el resumen de cierre con los totales del ledger.
func (c *Console) PrintSessionReport(stats ports.LedgerStats, exposure domain.ExposureState) {
	fmt.Fprintf(c.out, "\n=== SESSION REPORT ===\n\n")

	table := tablewriter.NewWriter(c.out)
	table.Header("Attempts", "Settled", "Abandoned", "Unhedged", "SettleFail", "Merged", "Gas$", "PnL$")
	table.Append(
		fmt.Sprintf("%d", stats.Attempts),
		fmt.Sprintf("%d", stats.Settled),
		fmt.Sprintf("%d", stats.Abandoned),
		fmt.Sprintf("%d", stats.Unhedged),
		fmt.Sprintf("%d", stats.SettleFailed),
		fmt.Sprintf("%.2f", stats.MergedSizeTotal),
		fmt.Sprintf("$%.4f", stats.GasSpentUSD),
		fmt.Sprintf("$%.4f", stats.RealizedPnL),
	)
	table.Render()

	if stats.Attempts > 0 {
		settleRate := float64(stats.Settled) / float64(stats.Attempts) * 100
		fmt.Fprintf(c.out, "\n  Settle rate: %.1f%%  (%d/%d)\n", settleRate, stats.Settled, stats.Attempts)
	}

	if exposure.OpenExposureUSD > 0 || exposure.InventoryShares() > 0 {
		fmt.Fprintf(c.out, "\n  --- OPEN RISK ---\n")
		fmt.Fprintf(c.out, "  Exposure:  $%.2f\n", exposure.OpenExposureUSD)
		if shares := exposure.InventoryShares(); shares > 0 {
			fmt.Fprintf(c.out, "  Inventory: %.2f shares sin hedge (%d escalaciones)\n",
				shares, exposure.StuckCount)
		}
	}
	if exposure.Halted {
		fmt.Fprintf(c.out, "\n  !! HALTED: %s (requiere intervención manual)\n", exposure.HaltReason)
	}
	fmt.Fprintln(c.out)
}

func shortCondition(s string) string {
	if len(s) > 14 {
		return s[:12] + "..."
	}
	return s
}

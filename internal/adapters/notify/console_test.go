package notify_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/fullset/internal/adapters/notify"
	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
	"github.com/stretchr/testify/assert"
)

func TestConsole_Emit_CriticalPrefix(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)

	c.Emit(context.Background(), domain.Event{
		Type:        domain.EventSettlementFailed,
		AttemptID:   42,
		ConditionID: "0xc1c1c1c1c1c1c1c1",
		Detail:      "merge exhausted retries",
		Critical:    true,
		At:          time.Now(),
	})

	out := buf.String()
	assert.Contains(t, out, "!!")
	assert.Contains(t, out, "SETTLEMENT FAILED")
	assert.Contains(t, out, "att#42")
	assert.Contains(t, out, "0xc1c1c1c1c1...")
}

func TestConsole_Emit_AttemptResolved(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)

	c.Emit(context.Background(), domain.Event{
		Type:        domain.EventAttemptResolved,
		AttemptID:   7,
		ConditionID: "0xabc",
		Outcome:     string(domain.OutcomeSettled),
		Detail:      "profit $1.84",
	})

	out := buf.String()
	assert.Contains(t, out, "ATT#7")
	assert.Contains(t, out, "SETTLED")
	assert.NotContains(t, out, "!!")
}

func TestConsole_SessionReport(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)

	stats := ports.LedgerStats{
		Attempts:        10,
		Settled:         8,
		Abandoned:       1,
		Unhedged:        1,
		RealizedPnL:     14.72,
		GasSpentUSD:     1.60,
		MergedSizeTotal: 800,
	}
	exposure := domain.ExposureState{
		OpenExposureUSD: 98.0,
		Inventory:       map[string]float64{"tok-yes": 100},
		StuckCount:      1,
		Halted:          true,
		HaltReason:      "stuck_inventory_threshold",
	}

	c.PrintSessionReport(stats, exposure)

	out := buf.String()
	assert.Contains(t, out, "SESSION REPORT")
	assert.Contains(t, out, "80.0%") // settle rate
	assert.Contains(t, out, "$14.7200")
	assert.Contains(t, out, "OPEN RISK")
	assert.Contains(t, out, "HALTED: stuck_inventory_threshold")
}

func TestConsole_SessionReport_Clean(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf)

	c.PrintSessionReport(ports.LedgerStats{}, domain.NewExposureState())

	out := buf.String()
	assert.NotContains(t, out, "OPEN RISK")
	assert.NotContains(t, out, "HALTED")
}

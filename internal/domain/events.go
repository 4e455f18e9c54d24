package domain

import "time"

// EventType identifica los eventos estructurados que el core emite al
// alert sink. El formato de entrega es responsabilidad del sink.
type EventType string

const (
	EventOpportunityDetected EventType = "opportunity_detected"
	EventAttemptResolved     EventType = "attempt_resolved"
	EventSettlementFailed    EventType = "settlement_failed"
	EventInventoryStuck      EventType = "inventory_stuck"
	EventDailyHaltTriggered  EventType = "daily_halt_triggered"
)

// Event es un evento estructurado del core. Siempre lleva attempt id,
// market id y outcome, el contrato mínimo con el sink.
type Event struct {
	Type        EventType
	AttemptID   int64
	ConditionID string
	Outcome     string
	Detail      string
	Critical    bool // fallos terminales que requieren acción humana
	At          time.Time
}

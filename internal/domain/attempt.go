package domain

import (
	"math"
	"time"
)

// LegStatus representa el ciclo de vida de un leg en el CLOB.
// Las transiciones solo ocurren con respuestas confirmadas del venue,
// nunca de forma optimista.
type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegOpen      LegStatus = "OPEN"
	LegPartially LegStatus = "PARTIALLY_FILLED"
	LegFilled    LegStatus = "FILLED"
	LegCanceled  LegStatus = "CANCELED"
	LegFailed    LegStatus = "FAILED"
)

// Terminal devuelve true si el leg no puede cambiar más de estado.
func (s LegStatus) Terminal() bool {
	return s == LegFilled || s == LegCanceled || s == LegFailed
}

// Leg es un lado (YES o NO) de un intento de arbitraje.
// Propiedad exclusiva del coordinador durante su lifetime.
type Leg struct {
	ID           string // UUID local
	AttemptID    int64
	TokenID      string
	Outcome      string // "Yes" | "No"
	Side         string // siempre "BUY"
	LimitPrice   float64
	Size         float64 // shares pedidos
	VenueOrderID string  // asignado por el CLOB al aceptar
	Status       LegStatus
	FilledSize   float64 // shares llenados
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

// HasFill devuelve true si el leg tiene algún fill (parcial o completo).
func (l Leg) HasFill() bool {
	return l.FilledSize > 0
}

// Filled devuelve true si el leg está completamente llenado.
func (l Leg) Filled() bool {
	return l.Status == LegFilled
}

// CostUSD devuelve el capital gastado en los fills de este leg.
func (l Leg) CostUSD() float64 {
	return l.FilledSize * l.LimitPrice
}

// AttemptOutcome clasifica cómo terminó un ArbAttempt.
type AttemptOutcome string

const (
	OutcomePending         AttemptOutcome = "PENDING"
	OutcomeSettled         AttemptOutcome = "SETTLED"           // par mergeado y confirmado
	OutcomeAbandoned       AttemptOutcome = "ABANDONED"         // sin fills, legs cancelados
	OutcomeUnhedged        AttemptOutcome = "UNHEDGED"          // un solo lado llenó, inventario sin hedge
	OutcomeSettleFailed    AttemptOutcome = "SETTLEMENT_FAILED" // merge agotó retries, capital atrapado
	OutcomeSubmitFailed    AttemptOutcome = "SUBMIT_FAILED"     // el venue rechazó algún leg
	OutcomeBelowSettleable AttemptOutcome = "BELOW_SETTLEABLE"  // fills cruzados pero merge size < mínimo
)

// Terminal devuelve true si el attempt no admite más transiciones.
func (o AttemptOutcome) Terminal() bool {
	return o != OutcomePending
}

// ArbAttempt agrega los dos legs de un intento de arbitraje más la
// Opportunity que lo disparó. El ID es monotónicamente creciente.
type ArbAttempt struct {
	ID          int64
	ConditionID string
	Question    string
	Opportunity Opportunity
	YesLeg      Leg
	NoLeg       Leg
	Outcome     AttemptOutcome
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	Settlement  *SettlementRecord
}

// MergeSize devuelve los shares mergeables: min(yes_filled, no_filled).
func (a ArbAttempt) MergeSize() float64 {
	return math.Min(a.YesLeg.FilledSize, a.NoLeg.FilledSize)
}

// Unhedged devuelve true si exactamente un lado tiene fills.
// Es el caso de inventario sin hedge que debe escalarse al Risk Governor.
func (a ArbAttempt) Unhedged() bool {
	return a.YesLeg.HasFill() != a.NoLeg.HasFill()
}

// ExcessInventory devuelve los shares llenados por encima del merge size,
// por token. Cero en un attempt perfectamente emparejado.
func (a ArbAttempt) ExcessInventory() map[string]float64 {
	merge := a.MergeSize()
	excess := make(map[string]float64, 2)
	if over := a.YesLeg.FilledSize - merge; over > 1e-9 {
		excess[a.YesLeg.TokenID] = over
	}
	if over := a.NoLeg.FilledSize - merge; over > 1e-9 {
		excess[a.NoLeg.TokenID] = over
	}
	return excess
}

// CapitalSpentUSD devuelve el capital total gastado en fills de ambos legs.
func (a ArbAttempt) CapitalSpentUSD() float64 {
	return a.YesLeg.CostUSD() + a.NoLeg.CostUSD()
}

// SettlementStatus es el estado de confirmación del merge on-chain.
type SettlementStatus string

const (
	SettlementPending         SettlementStatus = "PENDING"
	SettlementConfirmed       SettlementStatus = "CONFIRMED"
	SettlementFailedRetryable SettlementStatus = "FAILED_RETRYABLE"
	SettlementFailedTerminal  SettlementStatus = "FAILED_TERMINAL"
)

// SettlementRecord es el resultado del merge on-chain de un attempt.
// Solo el Settlement Executor lo muta.
type SettlementRecord struct {
	AttemptID      int64
	ConditionID    string
	MergeSize      float64 // shares mergeados = min(yes_filled, no_filled)
	TxHash         string
	Status         SettlementStatus
	Tries          int     // intentos de tx realizados
	GasMult        float64 // multiplicador de gas del último intento
	GasCostUSD     float64
	RealizedProfit float64 // USDC recibidos - capital gastado - gas
	Error          string
	ExecutedAt     time.Time
}

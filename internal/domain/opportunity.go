package domain

import "time"

// Opportunity es el snapshot de una condición de arbitraje full-set:
// la suma de los best asks YES+NO está por debajo de $1.00 después de costes.
// Es un value object; no se persiste más allá del registro en el ledger.
type Opportunity struct {
	ConditionID string
	Question    string
	ScannedAt   time.Time

	YesAsk float64 // mejor ask del token YES
	NoAsk  float64 // mejor ask del token NO

	// Profundidad USDC en el best ask de cada lado (diagnóstico de fillable).
	YesAskDepth float64
	NoAskDepth  float64

	GrossEdge float64 // 1.0 - (YesAsk + NoAsk)
	MinEdge   float64 // edge mínimo requerido según FeeSchedule.MinEdge
	NetEdge   float64 // GrossEdge - MinEdge

	// Size es el número de shares por leg que el coordinador pedirá.
	// El detector y el coordinador DEBEN usar el mismo size: el MinEdge
	// depende del notional (el gas fijo se amortiza con el tamaño).
	Size     float64
	Notional float64 // USDC por par = Size * (YesAsk + NoAsk)
}

// PairCost devuelve el coste de comprar un par completo a los asks actuales.
func (o Opportunity) PairCost() float64 {
	return o.YesAsk + o.NoAsk
}

// Actionable devuelve true si el edge neto supera el threshold de profit.
func (o Opportunity) Actionable(profitThreshold float64) bool {
	return o.NetEdge > profitThreshold
}

// ExpectedProfitUSD devuelve la ganancia esperada en USD al tamaño pedido.
func (o Opportunity) ExpectedProfitUSD() float64 {
	return o.NetEdge * o.Notional
}

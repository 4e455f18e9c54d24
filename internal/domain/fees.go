package domain

import "fmt"

// FeeSchedule modela los costes de ejecutar un par completo YES+NO:
// taker fee por leg, gas fijo del merge on-chain y slippage esperado.
type FeeSchedule struct {
	TakerFeeRate float64 // fracción del notional, por leg
	GasCostUSD   float64 // coste fijo del mergePositions en USD
	SlippageRate float64 // fracción del notional, una vez por par
	SafetyMult   float64 // margen sobre el coste total (>= 1)
}

// MinEdge devuelve el edge mínimo (en unidades de precio) que un par
// debe superar para ser rentable al notional dado. El gas es fijo, así
// que el edge requerido decrece con el tamaño: evaluar con un tamaño
// placeholder produce thresholds inconsistentes con la orden real.
func (f FeeSchedule) MinEdge(tradeSize float64) (float64, error) {
	if tradeSize <= 0 {
		return 0, fmt.Errorf("trade size must be positive, got %.4f", tradeSize)
	}

	takerCost := 2 * tradeSize * f.TakerFeeRate // un fee por leg
	slipCost := tradeSize * f.SlippageRate
	totalCost := takerCost + f.GasCostUSD + slipCost

	safety := f.SafetyMult
	if safety < 1 {
		safety = 1
	}

	edge := totalCost / tradeSize * safety
	if edge < 0 {
		edge = 0
	}
	return edge, nil
}

// WithGasCost devuelve una copia del schedule con el gas estimado
// on-chain en vez del default de config. Valores no positivos se ignoran.
func (f FeeSchedule) WithGasCost(gasUSD float64) FeeSchedule {
	if gasUSD > 0 {
		f.GasCostUSD = gasUSD
	}
	return f
}

package domain

import "time"

// ExposureState son los contadores de riesgo acumulados. Un único writer
// (el Risk Governor) los muta; el detector y el coordinador solo leen.
//
// Invariante: tras un attempt completamente resuelto, el inventario abierto
// en YES y NO vuelve a cero salvo escalación explícita de inventario sin hedge.
type ExposureState struct {
	OpenExposureUSD  float64            // capital comprometido en attempts abiertos
	Inventory        map[string]float64 // token → shares sin hedge (solo escalaciones)
	RealizedDailyPnL float64            // P&L realizado del día UTC actual
	Day              time.Time          // día UTC al que pertenece RealizedDailyPnL
	StuckCount       int                // escalaciones de inventario acumuladas
	Halted           bool
	HaltReason       string
}

// NewExposureState devuelve un estado limpio para el día actual.
func NewExposureState() ExposureState {
	return ExposureState{
		Inventory: make(map[string]float64),
		Day:       time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// InventoryShares devuelve el total de shares sin hedge en todos los tokens.
func (e ExposureState) InventoryShares() float64 {
	var total float64
	for _, s := range e.Inventory {
		total += s
	}
	return total
}

// Clone devuelve una copia profunda, segura para leer fuera del lock del Governor.
func (e ExposureState) Clone() ExposureState {
	out := e
	out.Inventory = make(map[string]float64, len(e.Inventory))
	for k, v := range e.Inventory {
		out.Inventory[k] = v
	}
	return out
}

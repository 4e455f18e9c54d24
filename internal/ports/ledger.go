package ports

import (
	"context"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// LedgerStats agrega los totales de la sesión para el reporte de cierre.
type LedgerStats struct {
	Attempts        int
	Settled         int
	Abandoned       int
	Unhedged        int
	SettleFailed    int
	RealizedPnL     float64
	GasSpentUSD     float64
	MergedSizeTotal float64
}

// Ledger persiste intentos, legs y liquidaciones. Cada transición de
// estado se escribe antes de avanzar; tras un crash el ledger es la
// fuente de verdad para la reconciliación.
type Ledger interface {
	// ApplySchema crea las tablas si no existen.
	ApplySchema(ctx context.Context) error

	// SaveAttempt inserta o actualiza un intento con sus dos legs.
	// Asigna attempt.ID en la primera inserción.
	SaveAttempt(ctx context.Context, attempt *domain.ArbAttempt) error

	// SaveSettlement inserta o actualiza el registro de liquidación.
	SaveSettlement(ctx context.Context, rec *domain.SettlementRecord) error

	// OpenAttempts devuelve los intentos sin outcome terminal.
	// Usado en la recuperación de arranque.
	OpenAttempts(ctx context.Context) ([]domain.ArbAttempt, error)

	// SaveExposure persiste el snapshot de exposición vigente.
	SaveExposure(ctx context.Context, state domain.ExposureState) error

	// LoadExposure carga el último snapshot. ok=false si no hay ninguno.
	LoadExposure(ctx context.Context) (state domain.ExposureState, ok bool, err error)

	// Stats agrega los totales de todos los intentos registrados.
	Stats(ctx context.Context) (LedgerStats, error)

	Close() error
}

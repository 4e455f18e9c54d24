package storage

// sqlite.go — ledger de ejecución durable.
//
// Estrategia:
//   - `attempts` + `legs`: cada transición de estado se escribe ANTES de
//     avanzar. Tras un crash, los attempts sin outcome terminal son la
//     entrada de la reconciliación de arranque.
//   - `settlements`: una fila por attempt con merge, actualizada en cada
//     retry (tx hash, gas mult, tries).
//   - `exposure`: snapshot único (id=1) del estado del Risk Governor,
//     sobrescrito en cada cambio. Inventario serializado como JSON.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
-- Un intento de arbitraje = dos legs + un outcome
CREATE TABLE IF NOT EXISTS attempts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    condition_id TEXT     NOT NULL,
    question     TEXT,
    yes_ask      REAL     NOT NULL DEFAULT 0,
    no_ask       REAL     NOT NULL DEFAULT 0,
    net_edge     REAL     NOT NULL DEFAULT 0,
    size         REAL     NOT NULL DEFAULT 0,
    notional     REAL     NOT NULL DEFAULT 0,
    outcome      TEXT     NOT NULL DEFAULT 'PENDING',
    created_at   DATETIME NOT NULL,
    resolved_at  DATETIME
);

CREATE TABLE IF NOT EXISTS legs (
    id             TEXT PRIMARY KEY,
    attempt_id     INTEGER NOT NULL REFERENCES attempts(id),
    token_id       TEXT    NOT NULL,
    outcome_side   TEXT    NOT NULL,
    side           TEXT    NOT NULL,
    limit_price    REAL    NOT NULL,
    size           REAL    NOT NULL,
    venue_order_id TEXT,
    status         TEXT    NOT NULL,
    filled_size    REAL    NOT NULL DEFAULT 0,
    submitted_at   DATETIME,
    updated_at     DATETIME
);

CREATE TABLE IF NOT EXISTS settlements (
    attempt_id      INTEGER PRIMARY KEY REFERENCES attempts(id),
    condition_id    TEXT     NOT NULL,
    merge_size      REAL     NOT NULL,
    tx_hash         TEXT,
    status          TEXT     NOT NULL,
    tries           INTEGER  NOT NULL DEFAULT 0,
    gas_mult        REAL     NOT NULL DEFAULT 1,
    gas_cost_usd    REAL     NOT NULL DEFAULT 0,
    realized_profit REAL     NOT NULL DEFAULT 0,
    error           TEXT,
    executed_at     DATETIME
);

-- Snapshot único del estado de exposición
CREATE TABLE IF NOT EXISTS exposure (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    open_exposure_usd  REAL     NOT NULL DEFAULT 0,
    inventory_json     TEXT     NOT NULL DEFAULT '{}',
    realized_daily_pnl REAL     NOT NULL DEFAULT 0,
    day                DATETIME NOT NULL,
    stuck_count        INTEGER  NOT NULL DEFAULT 0,
    halted             INTEGER  NOT NULL DEFAULT 0,
    halt_reason        TEXT     NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON attempts(outcome);
CREATE INDEX IF NOT EXISTS idx_attempts_cond    ON attempts(condition_id);
CREATE INDEX IF NOT EXISTS idx_legs_attempt     ON legs(attempt_id);
`

// SQLiteLedger implementa ports.Ledger usando SQLite (pure Go, sin CGo).
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger abre (o crea) la base de datos en la ruta dada.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteLedger: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	return &SQLiteLedger{db: db}, nil
}

// ApplySchema crea las tablas si no existen.
func (s *SQLiteLedger) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage.ApplySchema: %w", err)
	}
	return nil
}

// SaveAttempt inserta o actualiza un intento y sus dos legs en una sola
// transacción. En la primera inserción asigna attempt.ID y lo propaga a
// los legs.
func (s *SQLiteLedger) SaveAttempt(ctx context.Context, attempt *domain.ArbAttempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveAttempt: begin tx: %w", err)
	}
	defer tx.Rollback()

	if attempt.ID == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attempts
				(condition_id, question, yes_ask, no_ask, net_edge, size, notional, outcome, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			attempt.ConditionID,
			attempt.Question,
			attempt.Opportunity.YesAsk,
			attempt.Opportunity.NoAsk,
			attempt.Opportunity.NetEdge,
			attempt.Opportunity.Size,
			attempt.Opportunity.Notional,
			string(attempt.Outcome),
			attempt.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("storage.SaveAttempt: insert: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("storage.SaveAttempt: last insert id: %w", err)
		}
		attempt.ID = id
		attempt.YesLeg.AttemptID = id
		attempt.NoLeg.AttemptID = id
	} else {
		var resolvedAt *time.Time
		if attempt.ResolvedAt != nil {
			t := attempt.ResolvedAt.UTC()
			resolvedAt = &t
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE attempts SET outcome = ?, resolved_at = ? WHERE id = ?`,
			string(attempt.Outcome), resolvedAt, attempt.ID,
		); err != nil {
			return fmt.Errorf("storage.SaveAttempt: update %d: %w", attempt.ID, err)
		}
	}

	for _, leg := range []*domain.Leg{&attempt.YesLeg, &attempt.NoLeg} {
		if err := upsertLeg(ctx, tx, leg); err != nil {
			return fmt.Errorf("storage.SaveAttempt: leg %s: %w", leg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveAttempt: commit: %w", err)
	}
	return nil
}

func upsertLeg(ctx context.Context, tx *sql.Tx, leg *domain.Leg) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO legs
			(id, attempt_id, token_id, outcome_side, side, limit_price, size,
			 venue_order_id, status, filled_size, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			status         = excluded.status,
			filled_size    = excluded.filled_size,
			updated_at     = excluded.updated_at
	`,
		leg.ID,
		leg.AttemptID,
		leg.TokenID,
		leg.Outcome,
		leg.Side,
		leg.LimitPrice,
		leg.Size,
		leg.VenueOrderID,
		string(leg.Status),
		leg.FilledSize,
		nullableTime(leg.SubmittedAt),
		nullableTime(leg.UpdatedAt),
	)
	return err
}

// SaveSettlement inserta o actualiza el registro de liquidación.
func (s *SQLiteLedger) SaveSettlement(ctx context.Context, rec *domain.SettlementRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements
			(attempt_id, condition_id, merge_size, tx_hash, status, tries,
			 gas_mult, gas_cost_usd, realized_profit, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attempt_id) DO UPDATE SET
			merge_size      = excluded.merge_size,
			tx_hash         = excluded.tx_hash,
			status          = excluded.status,
			tries           = excluded.tries,
			gas_mult        = excluded.gas_mult,
			gas_cost_usd    = excluded.gas_cost_usd,
			realized_profit = excluded.realized_profit,
			error           = excluded.error,
			executed_at     = excluded.executed_at
	`,
		rec.AttemptID,
		rec.ConditionID,
		rec.MergeSize,
		rec.TxHash,
		string(rec.Status),
		rec.Tries,
		rec.GasMult,
		rec.GasCostUSD,
		rec.RealizedProfit,
		rec.Error,
		nullableTime(rec.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveSettlement: attempt %d: %w", rec.AttemptID, err)
	}
	return nil
}

// OpenAttempts devuelve los intentos sin outcome terminal, con sus legs
// y settlement (si existe). Entrada de la reconciliación de arranque.
func (s *SQLiteLedger) OpenAttempts(ctx context.Context) ([]domain.ArbAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, condition_id, question, yes_ask, no_ask, net_edge, size, notional,
		       outcome, created_at
		FROM attempts
		WHERE outcome = ?
		ORDER BY id
	`, string(domain.OutcomePending))
	if err != nil {
		return nil, fmt.Errorf("storage.OpenAttempts: query: %w", err)
	}
	defer rows.Close()

	var attempts []domain.ArbAttempt
	for rows.Next() {
		var a domain.ArbAttempt
		var outcome string
		if err := rows.Scan(
			&a.ID,
			&a.ConditionID,
			&a.Question,
			&a.Opportunity.YesAsk,
			&a.Opportunity.NoAsk,
			&a.Opportunity.NetEdge,
			&a.Opportunity.Size,
			&a.Opportunity.Notional,
			&outcome,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage.OpenAttempts: scan: %w", err)
		}
		a.Outcome = domain.AttemptOutcome(outcome)
		a.Opportunity.ConditionID = a.ConditionID
		a.Opportunity.Question = a.Question
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.OpenAttempts: rows: %w", err)
	}

	for i := range attempts {
		if err := s.loadLegs(ctx, &attempts[i]); err != nil {
			return nil, err
		}
	}
	return attempts, nil
}

func (s *SQLiteLedger) loadLegs(ctx context.Context, a *domain.ArbAttempt) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, outcome_side, side, limit_price, size,
		       venue_order_id, status, filled_size, submitted_at, updated_at
		FROM legs
		WHERE attempt_id = ?
	`, a.ID)
	if err != nil {
		return fmt.Errorf("storage.loadLegs: attempt %d: %w", a.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var leg domain.Leg
		var status string
		var venueID sql.NullString
		var submittedAt, updatedAt sql.NullTime
		if err := rows.Scan(
			&leg.ID,
			&leg.TokenID,
			&leg.Outcome,
			&leg.Side,
			&leg.LimitPrice,
			&leg.Size,
			&venueID,
			&status,
			&leg.FilledSize,
			&submittedAt,
			&updatedAt,
		); err != nil {
			return fmt.Errorf("storage.loadLegs: scan: %w", err)
		}
		leg.AttemptID = a.ID
		leg.VenueOrderID = venueID.String
		leg.Status = domain.LegStatus(status)
		leg.SubmittedAt = submittedAt.Time
		leg.UpdatedAt = updatedAt.Time

		if leg.Outcome == "Yes" {
			a.YesLeg = leg
		} else {
			a.NoLeg = leg
		}
	}
	return rows.Err()
}

// SaveExposure sobrescribe el snapshot de exposición (fila única id=1).
func (s *SQLiteLedger) SaveExposure(ctx context.Context, state domain.ExposureState) error {
	inv, err := json.Marshal(state.Inventory)
	if err != nil {
		return fmt.Errorf("storage.SaveExposure: marshal inventory: %w", err)
	}
	halted := 0
	if state.Halted {
		halted = 1
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO exposure
			(id, open_exposure_usd, inventory_json, realized_daily_pnl, day,
			 stuck_count, halted, halt_reason)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			open_exposure_usd  = excluded.open_exposure_usd,
			inventory_json     = excluded.inventory_json,
			realized_daily_pnl = excluded.realized_daily_pnl,
			day                = excluded.day,
			stuck_count        = excluded.stuck_count,
			halted             = excluded.halted,
			halt_reason        = excluded.halt_reason
	`,
		state.OpenExposureUSD,
		string(inv),
		state.RealizedDailyPnL,
		state.Day.UTC(),
		state.StuckCount,
		halted,
		state.HaltReason,
	); err != nil {
		return fmt.Errorf("storage.SaveExposure: upsert: %w", err)
	}
	return nil
}

// LoadExposure carga el último snapshot. ok=false si no hay ninguno.
func (s *SQLiteLedger) LoadExposure(ctx context.Context) (domain.ExposureState, bool, error) {
	var state domain.ExposureState
	var invJSON string
	var halted int

	err := s.db.QueryRowContext(ctx, `
		SELECT open_exposure_usd, inventory_json, realized_daily_pnl, day,
		       stuck_count, halted, halt_reason
		FROM exposure WHERE id = 1
	`).Scan(
		&state.OpenExposureUSD,
		&invJSON,
		&state.RealizedDailyPnL,
		&state.Day,
		&state.StuckCount,
		&halted,
		&state.HaltReason,
	)
	if err == sql.ErrNoRows {
		return domain.ExposureState{}, false, nil
	}
	if err != nil {
		return domain.ExposureState{}, false, fmt.Errorf("storage.LoadExposure: %w", err)
	}

	state.Inventory = make(map[string]float64)
	if err := json.Unmarshal([]byte(invJSON), &state.Inventory); err != nil {
		return domain.ExposureState{}, false, fmt.Errorf("storage.LoadExposure: inventory: %w", err)
	}
	state.Halted = halted == 1
	return state, true, nil
}

// Stats agrega los totales de todos los intentos registrados.
func (s *SQLiteLedger) Stats(ctx context.Context) (ports.LedgerStats, error) {
	var st ports.LedgerStats

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'SETTLED'           THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'ABANDONED'         THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'UNHEDGED'          THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'SETTLEMENT_FAILED' THEN 1 ELSE 0 END), 0)
		FROM attempts
	`).Scan(&st.Attempts, &st.Settled, &st.Abandoned, &st.Unhedged, &st.SettleFailed)
	if err != nil {
		return st, fmt.Errorf("storage.Stats: attempts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_profit), 0),
		       COALESCE(SUM(gas_cost_usd), 0),
		       COALESCE(SUM(CASE WHEN status = 'CONFIRMED' THEN merge_size ELSE 0 END), 0)
		FROM settlements
	`).Scan(&st.RealizedPnL, &st.GasSpentUSD, &st.MergedSizeTotal)
	if err != nil {
		return st, fmt.Errorf("storage.Stats: settlements: %w", err)
	}
	return st, nil
}

// DailyStat es el resumen de un día UTC de operación.
type DailyStat struct {
	Date        time.Time
	Attempts    int
	Settled     int
	RealizedPnL float64
	GasCostUSD  float64
}

// DailyStats agrega los intentos por día UTC, más recientes primero.
func (s *SQLiteLedger) DailyStats(ctx context.Context) ([]DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(a.created_at),
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN a.outcome = 'SETTLED' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(st.realized_profit), 0),
		       COALESCE(SUM(st.gas_cost_usd), 0)
		FROM attempts a
		LEFT JOIN settlements st ON st.attempt_id = a.id
		GROUP BY date(a.created_at)
		ORDER BY date(a.created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.DailyStats: query: %w", err)
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var d DailyStat
		var day string
		if err := rows.Scan(&day, &d.Attempts, &d.Settled, &d.RealizedPnL, &d.GasCostUSD); err != nil {
			return nil, fmt.Errorf("storage.DailyStats: scan: %w", err)
		}
		d.Date, _ = time.Parse("2006-01-02", day)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

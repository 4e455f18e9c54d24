package domain

import "time"

// Market representa un mercado de predicción binario en Polymarket.
// Inmutable después de la carga; uno por par YES/NO monitorizado.
type Market struct {
	ConditionID  string
	QuestionID   string
	Question     string    // enriquecido desde Gamma
	Slug         string    // enriquecido desde Gamma
	EndDate      time.Time // fecha de resolución
	TakerBaseFee float64   // fee taker real del mercado (0 = usar default de config)
	Tokens       [2]Token
	NegRisk      bool // mercados NegRisk no se pueden mergear, se excluyen
	Active       bool
	Closed       bool
}

// Token es uno de los dos lados del mercado (YES/NO).
type Token struct {
	TokenID string
	Outcome string  // "Yes" | "No"
	Price   float64 // último precio mid del CLOB
}

// YesToken devuelve el token YES del mercado.
func (m Market) YesToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "Yes" {
			return t
		}
	}
	return m.Tokens[0]
}

// NoToken devuelve el token NO del mercado.
func (m Market) NoToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "No" {
			return t
		}
	}
	return m.Tokens[1]
}

// HoursToResolution devuelve las horas hasta que el mercado se resuelve.
// Devuelve 0 si EndDate no está definido.
func (m Market) HoursToResolution() float64 {
	if m.EndDate.IsZero() {
		return 0
	}
	h := time.Until(m.EndDate).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// Fees devuelve el fee schedule efectivo del mercado: el taker fee real
// si la API lo devuelve, o el default del schedule de config si no.
func (m Market) Fees(defaults FeeSchedule) FeeSchedule {
	if m.TakerBaseFee > 0 {
		defaults.TakerFeeRate = m.TakerBaseFee
	}
	return defaults
}

// Tradable devuelve true si el mercado acepta nuevos attempts.
func (m Market) Tradable() bool {
	return m.Active && !m.Closed && !m.NegRisk
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen caracteres.
// Si la pregunta está vacía usa los primeros caracteres del conditionID como fallback.
func TruncateQuestion(question, conditionID string, maxLen int) string {
	q := question
	if q == "" {
		if len(conditionID) > 20 {
			q = conditionID[:20] + "..."
		} else {
			q = conditionID
		}
	}
	if len(q) > maxLen {
		q = q[:maxLen-3] + "..."
	}
	return q
}

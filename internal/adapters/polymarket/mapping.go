package polymarket

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// mapClobMarket convierte la respuesta de GET /markets/{cid} a domain.Market.
func mapClobMarket(r clobMarket) domain.Market {
	m := domain.Market{
		ConditionID: r.ConditionID,
		QuestionID:  r.QuestionID,
		Question:    r.Question,
		Slug:        r.MarketSlug,
		NegRisk:     r.NegRisk,
		Active:      r.Active && r.AcceptingOrders,
		Closed:      r.Closed,
	}

	// El CLOB reporta el taker fee en basis points.
	if r.TakerBaseFee > 0 {
		m.TakerBaseFee = r.TakerBaseFee / 10000
	}

	m.EndDate = parseEndDate(r.EndDateISO)

	for i, t := range r.Tokens {
		if i >= 2 {
			break
		}
		m.Tokens[i] = domain.Token{
			TokenID: t.TokenID,
			Outcome: t.Outcome,
			Price:   t.Price,
		}
	}
	return m
}

// enrichFromGamma aplica la metadata de Gamma sobre un mercado existente.
// Solo rellena lo que el CLOB no trae.
func enrichFromGamma(m *domain.Market, gm gammaMarket) {
	if m.Question == "" {
		m.Question = gm.Question
	}
	if m.Slug == "" {
		m.Slug = gm.Slug
	}
	if m.EndDate.IsZero() {
		m.EndDate = parseEndDate(gm.EndDateISO)
	}
}

// parseEndDate intenta los formatos de fecha que usa Polymarket.
func parseEndDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// mapOrderBooks convierte la respuesta batch de /books a un map tokenID→OrderBook.
func mapOrderBooks(raw []orderBookResponse) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		result[r.AssetID] = domain.OrderBook{
			TokenID: r.AssetID,
			Bids:    mapBookEntries(r.Bids, false),
			Asks:    mapBookEntries(r.Asks, true),
		}
	}
	return result
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}

// mapOrderState convierte una orden de la Data API a domain.OrderState.
func mapOrderState(o clobOpenOrder) domain.OrderState {
	size := parseDecimal(o.OriginalSize)
	filled := parseDecimal(o.SizeMatched)

	status := domain.LegOpen
	upper := strings.ToUpper(o.Status)
	switch {
	case strings.Contains(upper, "MATCHED"):
		status = domain.LegFilled
	case strings.Contains(upper, "CANCEL") || strings.Contains(upper, "INVALID"):
		status = domain.LegCanceled
	case filled > 0 && filled < size:
		status = domain.LegPartially
	}
	// La Data API puede reportar LIVE con el size completo casado.
	if status == domain.LegOpen && size > 0 && filled >= size {
		status = domain.LegFilled
	}

	return domain.OrderState{
		OrderID:     o.ID,
		TokenID:     o.AssetID,
		ConditionID: o.Market,
		Status:      status,
		Price:       parseDecimal(o.Price),
		Size:        size,
		FilledSize:  filled,
	}
}

// parseDecimal convierte los strings decimales de la Data API
// ("21.04", "100") a float64. Devuelve 0 si está vacío o es inválido.
func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// parseMicroUnits convierte un entero en micro-unidades ("1000000" = 1.0)
// a float64. El POST /order responde en este formato.
func parseMicroUnits(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v / 1_000_000
}

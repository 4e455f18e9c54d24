package polymarket

// markets.go — carga de metadata de los mercados monitorizados.
//
// Los condition IDs vienen de config; el CLOB da los tokens y flags de
// trading, Gamma completa pregunta/slug/fecha cuando el CLOB no los trae.

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// FetchMarket devuelve el mercado identificado por su condition ID.
// Implementa ports.MarketProvider.
func (c *Client) FetchMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	var raw clobMarket
	url := fmt.Sprintf("%s/markets/%s", c.clobBase, conditionID)
	if err := c.get(ctx, c.snapshotLimiter, url, &raw); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket.FetchMarket %s: %w", conditionID, err)
	}
	if raw.ConditionID == "" || len(raw.Tokens) < 2 {
		return domain.Market{}, fmt.Errorf("polymarket.FetchMarket %s: market not found or malformed", conditionID)
	}

	m := mapClobMarket(raw)

	// El enriquecimiento es opcional: sin él solo perdemos legibilidad.
	if gm, err := c.fetchGammaMarket(ctx, conditionID); err != nil {
		slog.Warn("gamma enrichment failed, continuing", "condition_id", conditionID, "err", err)
	} else {
		enrichFromGamma(&m, gm)
	}

	return m, nil
}

// fetchGammaMarket consulta Gamma por un único condition ID.
func (c *Client) fetchGammaMarket(ctx context.Context, conditionID string) (gammaMarket, error) {
	var resp gammaMarketsResponse
	url := fmt.Sprintf("%s/markets?condition_ids=%s", c.gammaBase, conditionID)
	if err := c.get(ctx, c.gammaLimiter, url, &resp); err != nil {
		return gammaMarket{}, err
	}
	if len(resp) == 0 {
		return gammaMarket{}, fmt.Errorf("no gamma metadata for %s", conditionID)
	}
	return resp[0], nil
}

// FetchOrderBooks obtiene un snapshot REST de los libros para los tokens
// dados con el endpoint batch. Usado al arrancar para sembrar el estado
// antes de que el websocket entregue su primer snapshot.
func (c *Client) FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	if len(tokenIDs) == 0 {
		return map[string]domain.OrderBook{}, nil
	}

	body := make([]orderBookRequest, len(tokenIDs))
	for i, id := range tokenIDs {
		body[i] = orderBookRequest{TokenID: id}
	}

	var resp []orderBookResponse
	if err := c.post(ctx, c.snapshotLimiter, c.clobBase+"/books", body, &resp); err != nil {
		return nil, fmt.Errorf("polymarket.FetchOrderBooks: %w", err)
	}
	return mapOrderBooks(resp), nil
}

package ports

import (
	"context"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// OrderVenue coloca, cancela y consulta órdenes reales en el CLOB.
type OrderVenue interface {
	// SubmitLimitOrder firma y envía una orden límite GTC al CLOB.
	SubmitLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error)

	// OrderStatus consulta el estado actual de una orden por su ID de venue.
	OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error)

	// CancelOrder cancela una orden. alreadyFinal=true indica que el venue
	// la reportó como ya llenada o cancelada; el caller debe re-consultar
	// el estado antes de dar el leg por inactivo.
	CancelOrder(ctx context.Context, orderID string) (alreadyFinal bool, err error)

	// OpenOrders devuelve todas las órdenes abiertas de esta wallet.
	// Usado en la reconciliación de arranque.
	OpenOrders(ctx context.Context) ([]domain.OrderState, error)
}

// BalanceProvider expone el capital disponible. La frescura del cache es
// responsabilidad del colaborador, no del core.
type BalanceProvider interface {
	AvailableCapital(ctx context.Context) (float64, error)
}

// MarketProvider obtiene la metadata de los mercados monitorizados.
type MarketProvider interface {
	// FetchMarket devuelve el mercado identificado por su condition ID.
	FetchMarket(ctx context.Context, conditionID string) (domain.Market, error)
}

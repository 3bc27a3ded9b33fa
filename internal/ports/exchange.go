package ports

import (
	"context"
	"time"

	"spotLadderBot/internal/domain"
)

// OrderRequest describes an order to be placed on the exchange.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Price         float64 // limit price (ignored for market orders)
	TriggerPrice  float64 // stop trigger (stop orders only)
	Size          float64
	ClientOrderID string // carries the trade's group key for attribution
}

// OrderResponse represents the essential details returned for an order.
type OrderResponse struct {
	OrderID       string    // Exchange's order id
	ClientOrderID string    // Our correlation id
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Price         float64   // Price of the order (0 for market orders initially)
	AvgPrice      float64   // Average filled price
	ExecutedQty   float64   // Quantity filled
	Status        string    // Exchange-native status (e.g. NEW, FILLED, CANCELED)
	Timestamp     time.Time // Time the order response was generated
}

// ExchangeClient defines the interface for interacting with a spot exchange.
// This abstraction decouples the core trade lifecycle from any specific
// exchange implementation.
type ExchangeClient interface {
	// PlaceOrder places a market, limit, or stop order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// AmendOrder replaces the price and/or size of a working order. A zero
	// value leaves that attribute unchanged. Returns the replacement order
	// (its id may differ on venues without native amend support).
	AmendOrder(ctx context.Context, symbol, orderID string, newPrice, newSize float64) (*OrderResponse, error)

	// CancelOrder cancels an existing open order by its id.
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResponse, error)

	// GetOpenOrders retrieves all working orders for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error)

	// GetTicker retrieves the last traded price for a symbol.
	GetTicker(ctx context.Context, symbol string) (float64, error)

	// GetAccountBalances retrieves free balances per asset.
	GetAccountBalances(ctx context.Context) (map[string]float64, error)

	// SubscribeOrderEvents starts the exchange's asynchronous push feed of
	// per-order state changes. The adapter owns reconnection; handler and
	// errHandler are invoked from the stream goroutine. Returns channels to
	// observe (doneCh) and stop (stopCh) the subscription.
	SubscribeOrderEvents(ctx context.Context, handler func(event *domain.OrderEvent), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

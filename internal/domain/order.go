package domain

import "time"

// Order represents an exchange-facing order as this system tracks it.
type Order struct {
	OrderID       string      // exchange-assigned id
	ClientOrderID string      // our id, prefixed with the trade's group key
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         float64     // limit price (0 for market)
	TriggerPrice  float64     // stop trigger (stop orders only)
	Size          float64
	Filled        float64
	Status        OrderStatus
	ParentTradeID string      // set for protective/TP orders
	CreatedAt     time.Time
}

// Remaining returns the unfilled size of the order.
func (o *Order) Remaining() float64 {
	r := o.Size - o.Filled
	if r < 0 {
		return 0
	}
	return r
}

// IsOpen reports whether the order is still working on the exchange.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

package domain

import "time"

// Fill is the record of one execution against an order. Fee and slippage are
// explicit, auditable values: slippage is fillPrice minus the reference close
// for market orders and always 0 for limit orders.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Price    float64
	Volume   float64
	Fee      float64 // quote-currency fee charged on this fill
	Slippage float64
	Time     time.Time
}

// OrderEvent is one entry of the exchange's asynchronous per-order feed.
type OrderEvent struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Volume        float64 // cumulative filled volume
	Size          float64 // original order size
	Price         float64 // limit/trigger price as reported
	Timestamp     time.Time
}

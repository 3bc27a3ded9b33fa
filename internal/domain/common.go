package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the opposing side (used for protective and exit orders).
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType represents the type of an exchange order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus represents the lifecycle status of an exchange order.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// TradeStatus represents the lifecycle status of a managed trade.
type TradeStatus string

const (
	StatusPending TradeStatus = "PENDING"
	StatusActive  TradeStatus = "ACTIVE"
	StatusTP1Hit  TradeStatus = "TP1_HIT"
	StatusClosing TradeStatus = "CLOSING"
	StatusClosed  TradeStatus = "CLOSED"
)

// IsMonitorable reports whether the per-trade monitor loop should keep
// running for a trade in this status.
func (s TradeStatus) IsMonitorable() bool {
	return s == StatusActive || s == StatusTP1Hit
}

// CloseReason indicates why a trade was retired.
type CloseReason string

const (
	CloseReasonStopLoss     CloseReason = "SL"
	CloseReasonTakeProfit   CloseReason = "TP"
	CloseReasonCancel       CloseReason = "CANCEL"
	CloseReasonSetupFailure CloseReason = "SETUP_FAILURE"
	CloseReasonExternal     CloseReason = "EXTERNAL" // closed/canceled on the exchange, not by us
)

package domain

import (
	"encoding/json"
	"fmt"
)

// CommandAction tags the variants of a trade command.
type CommandAction string

const (
	ActionAdd    CommandAction = "add"
	ActionAmend  CommandAction = "amend"
	ActionCancel CommandAction = "cancel"
)

// AddCommand requests a new trade to be managed from a plan.
type AddCommand struct {
	Plan    TradePlan `json:"plan"`
	UserRef int64     `json:"userref,omitempty"`
}

// AmendCommand changes targets of an existing trade. All values are absolute
// replacements, never deltas, so redelivery of the same command is a no-op.
type AmendCommand struct {
	TradeID          string       `json:"trade_id,omitempty"`
	OrderID          string       `json:"order_id,omitempty"`
	NewStopLossPrice *float64     `json:"new_stop_loss_price,omitempty"`
	NewTP1Price      *float64     `json:"new_tp1_price,omitempty"`
	NewTP2Price      *float64     `json:"new_tp2_price,omitempty"`
	NewTakeProfits   []TakeProfit `json:"new_take_profits,omitempty"`
}

// CancelCommand aborts management of a trade.
type CancelCommand struct {
	TradeID string `json:"trade_id,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

// Command is a tagged union of the three trade command variants. Exactly one
// variant is set; Validate enforces this at the bus boundary before dispatch.
type Command struct {
	Action CommandAction
	Add    *AddCommand
	Amend  *AmendCommand
	Cancel *CancelCommand
}

// commandWire is the on-the-wire envelope (flat, action-tagged JSON).
type commandWire struct {
	Action CommandAction `json:"action"`

	// add
	Plan    *TradePlan `json:"plan,omitempty"`
	UserRef int64      `json:"userref,omitempty"`

	// amend / cancel
	TradeID          string       `json:"trade_id,omitempty"`
	OrderID          string       `json:"order_id,omitempty"`
	NewStopLossPrice *float64     `json:"new_stop_loss_price,omitempty"`
	NewTP1Price      *float64     `json:"new_tp1_price,omitempty"`
	NewTP2Price      *float64     `json:"new_tp2_price,omitempty"`
	NewTakeProfits   []TakeProfit `json:"new_take_profits,omitempty"`
}

// MarshalJSON encodes the command in the flat wire format.
func (c Command) MarshalJSON() ([]byte, error) {
	w := commandWire{Action: c.Action}
	switch c.Action {
	case ActionAdd:
		if c.Add != nil {
			plan := c.Add.Plan
			w.Plan = &plan
			w.UserRef = c.Add.UserRef
		}
	case ActionAmend:
		if c.Amend != nil {
			w.TradeID = c.Amend.TradeID
			w.OrderID = c.Amend.OrderID
			w.NewStopLossPrice = c.Amend.NewStopLossPrice
			w.NewTP1Price = c.Amend.NewTP1Price
			w.NewTP2Price = c.Amend.NewTP2Price
			w.NewTakeProfits = c.Amend.NewTakeProfits
		}
	case ActionCancel:
		if c.Cancel != nil {
			w.TradeID = c.Cancel.TradeID
			w.OrderID = c.Cancel.OrderID
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the flat wire format into the tagged union.
func (c *Command) UnmarshalJSON(data []byte) error {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Action = w.Action
	c.Add, c.Amend, c.Cancel = nil, nil, nil
	switch w.Action {
	case ActionAdd:
		add := AddCommand{UserRef: w.UserRef}
		if w.Plan != nil {
			add.Plan = *w.Plan
		}
		c.Add = &add
	case ActionAmend:
		c.Amend = &AmendCommand{
			TradeID:          w.TradeID,
			OrderID:          w.OrderID,
			NewStopLossPrice: w.NewStopLossPrice,
			NewTP1Price:      w.NewTP1Price,
			NewTP2Price:      w.NewTP2Price,
			NewTakeProfits:   w.NewTakeProfits,
		}
	case ActionCancel:
		c.Cancel = &CancelCommand{TradeID: w.TradeID, OrderID: w.OrderID}
	}
	return nil
}

// Validate checks the command is well formed. Malformed commands are rejected
// at the bus boundary and never retried.
func (c *Command) Validate() error {
	switch c.Action {
	case ActionAdd:
		if c.Add == nil {
			return fmt.Errorf("add command missing payload")
		}
		return c.Add.Plan.Validate()
	case ActionAmend:
		if c.Amend == nil {
			return fmt.Errorf("amend command missing payload")
		}
		a := c.Amend
		if a.TradeID == "" && a.OrderID == "" {
			return fmt.Errorf("amend command requires trade_id or order_id")
		}
		if a.NewStopLossPrice == nil && a.NewTP1Price == nil && a.NewTP2Price == nil && len(a.NewTakeProfits) == 0 {
			return fmt.Errorf("amend command carries no changes")
		}
		if a.NewStopLossPrice != nil && *a.NewStopLossPrice <= 0 {
			return fmt.Errorf("new_stop_loss_price must be positive")
		}
		if a.NewTP1Price != nil && *a.NewTP1Price <= 0 {
			return fmt.Errorf("new_tp1_price must be positive")
		}
		if a.NewTP2Price != nil && *a.NewTP2Price <= 0 {
			return fmt.Errorf("new_tp2_price must be positive")
		}
		return nil
	case ActionCancel:
		if c.Cancel == nil {
			return fmt.Errorf("cancel command missing payload")
		}
		if c.Cancel.TradeID == "" && c.Cancel.OrderID == "" {
			return fmt.Errorf("cancel command requires trade_id or order_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown command action %q", c.Action)
	}
}

// GroupKey returns the enqueue-time serialization key. Commands with the
// same key are processed in submission order; unrelated keys may
// interleave. Amend and cancel keys are identifier-scoped here; the bus
// consumer re-resolves them to the owning trade's key at dispatch so
// commands addressing one trade through different identifiers still take
// the same lock.
func (c *Command) GroupKey() string {
	switch c.Action {
	case ActionAdd:
		if c.Add != nil && c.Add.UserRef != 0 {
			return fmt.Sprintf("slb%d", c.Add.UserRef)
		}
		return "add:" + c.Add.Plan.Symbol
	case ActionAmend:
		if c.Amend.TradeID != "" {
			return c.Amend.TradeID
		}
		return c.Amend.OrderID
	case ActionCancel:
		if c.Cancel.TradeID != "" {
			return c.Cancel.TradeID
		}
		return c.Cancel.OrderID
	}
	return ""
}

// Validate checks plan coherence: required fields, positive sizes, and a
// protective stop on the correct side of the entry.
func (p *TradePlan) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("plan symbol is required")
	}
	if p.Side != Buy && p.Side != Sell {
		return fmt.Errorf("plan side must be BUY or SELL, got %q", p.Side)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("plan entry_price must be positive")
	}
	if p.PositionSize <= 0 {
		return fmt.Errorf("plan position_size must be positive")
	}
	if p.StopLossPrice <= 0 {
		return fmt.Errorf("plan stop_loss_price must be positive")
	}
	if p.Side == Buy && p.StopLossPrice >= p.EntryPrice {
		return fmt.Errorf("stop loss %v must be below entry %v for a buy plan", p.StopLossPrice, p.EntryPrice)
	}
	if p.Side == Sell && p.StopLossPrice <= p.EntryPrice {
		return fmt.Errorf("stop loss %v must be above entry %v for a sell plan", p.StopLossPrice, p.EntryPrice)
	}
	if len(p.TakeProfits) == 0 {
		return fmt.Errorf("plan requires at least one take-profit target")
	}
	for i, tp := range p.TakeProfits {
		if tp.Price <= 0 {
			return fmt.Errorf("take-profit %d price must be positive", i+1)
		}
		if p.Side == Buy && tp.Price <= p.EntryPrice {
			return fmt.Errorf("take-profit %d price %v must be above entry %v for a buy plan", i+1, tp.Price, p.EntryPrice)
		}
		if p.Side == Sell && tp.Price >= p.EntryPrice {
			return fmt.Errorf("take-profit %d price %v must be below entry %v for a sell plan", i+1, tp.Price, p.EntryPrice)
		}
	}
	return nil
}

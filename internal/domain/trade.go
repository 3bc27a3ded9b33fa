package domain

import (
	"fmt"
	"math"
	"time"
)

// DustSize is the threshold below which a remaining position size is
// considered fully exited (exchange lot rounding leaves residue).
const DustSize = 1e-8

// TakeProfit is one laddered exit target of a trade.
type TakeProfit struct {
	Price         float64 `json:"price"`
	PercentToSell float64 `json:"percentage_to_sell"`
	IsHit         bool    `json:"is_hit"`
}

// TradePlan is the externally supplied description of a trade to manage:
// entry, protective stop, and one or two laddered take-profit targets.
type TradePlan struct {
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	EntryPrice    float64      `json:"entry_price"`
	PositionSize  float64      `json:"position_size"`
	StopLossPrice float64      `json:"stop_loss_price"`
	TakeProfits   []TakeProfit `json:"take_profits"`
}

// TradeEntry is the ledger's unit of work: one managed position lifecycle.
// It is mutated only through the ledger's atomic update contract.
type TradeEntry struct {
	TradeID       string       // unique, immutable
	Symbol        string       // e.g. "BTCUSDT"
	Side          OrderSide    // BUY or SELL
	Status        TradeStatus  // see TradeStatus state machine
	EntryPrice    float64
	PositionSize  float64      // original size at entry
	RemainingSize float64      // monotonically non-increasing, 0 on full exit
	StopLossPrice float64
	TakeProfits   []TakeProfit // 1-2 targets, percentages sum to 100

	// External order ids bound to this trade. Both nil while status is not
	// CLOSED signals "nothing live on the exchange for this trade".
	EntryOrderID    *string
	StopLossOrderID *string

	// UserRef correlates all orders belonging to this trade for
	// reconciliation matching (the group key).
	UserRef int64

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64 // optimistic-concurrency counter, managed by the ledger
}

// Clone returns a deep copy. Atomic-update callbacks receive a clone so a
// failed CAS attempt never leaks partial mutations into a shared value.
func (t *TradeEntry) Clone() *TradeEntry {
	if t == nil {
		return nil
	}
	cp := *t
	cp.TakeProfits = make([]TakeProfit, len(t.TakeProfits))
	copy(cp.TakeProfits, t.TakeProfits)
	if t.EntryOrderID != nil {
		id := *t.EntryOrderID
		cp.EntryOrderID = &id
	}
	if t.StopLossOrderID != nil {
		id := *t.StopLossOrderID
		cp.StopLossOrderID = &id
	}
	return &cp
}

// NextTakeProfit returns the first unhit target and its index, or nil.
func (t *TradeEntry) NextTakeProfit() (*TakeProfit, int) {
	for i := range t.TakeProfits {
		if !t.TakeProfits[i].IsHit {
			return &t.TakeProfits[i], i
		}
	}
	return nil, -1
}

// IsFullyExited reports whether nothing of the position remains.
func (t *TradeEntry) IsFullyExited() bool {
	return t.RemainingSize <= DustSize
}

// GroupKey returns the correlation key shared by all orders of this trade.
func (t *TradeEntry) GroupKey() string {
	return fmt.Sprintf("slb%d", t.UserRef)
}

// NormalizeTakeProfits rewrites a supplied target list so the sell
// percentages sum to exactly 100:
//   - more than two targets: the first two are kept and rescaled;
//   - two targets: percentages rescaled proportionally to 100;
//   - one target below 100%: split into two legs, the remainder resting at
//     the same price, unless the second leg's notional (at entry price)
//     would fall below minNotional, in which case it collapses to a single
//     100% target;
//   - zero targets or a zero percentage sum: normalization is impossible.
//
// The result is written back on every ledger write of a plan.
func NormalizeTakeProfits(tps []TakeProfit, entryPrice, size, minNotional float64) ([]TakeProfit, error) {
	if len(tps) == 0 {
		return nil, fmt.Errorf("at least one take-profit target is required")
	}
	if len(tps) > 2 {
		tps = tps[:2]
	}

	var sum float64
	for _, tp := range tps {
		if tp.Price <= 0 {
			return nil, fmt.Errorf("take-profit price must be positive, got %v", tp.Price)
		}
		if tp.PercentToSell < 0 {
			return nil, fmt.Errorf("take-profit percentage cannot be negative, got %v", tp.PercentToSell)
		}
		sum += tp.PercentToSell
	}
	if sum <= 0 {
		return nil, fmt.Errorf("take-profit percentages sum to zero, normalization impossible")
	}

	out := make([]TakeProfit, len(tps))
	copy(out, tps)

	if len(out) == 1 {
		if out[0].PercentToSell >= 100 || math.Abs(out[0].PercentToSell-100) < 1e-9 {
			out[0].PercentToSell = 100
			return out, nil
		}
		// Split the remainder into a second leg at the same price.
		secondPct := 100 - out[0].PercentToSell
		secondNotional := entryPrice * size * secondPct / 100
		if secondNotional < minNotional {
			out[0].PercentToSell = 100
			return out, nil
		}
		out = append(out, TakeProfit{Price: out[0].Price, PercentToSell: secondPct})
		return out, nil
	}

	// Rescale two legs proportionally so the sum is exactly 100.
	out[0].PercentToSell = out[0].PercentToSell / sum * 100
	out[1].PercentToSell = 100 - out[0].PercentToSell

	// Collapse if the second leg is uneconomical.
	if entryPrice*size*out[1].PercentToSell/100 < minNotional {
		out[0].PercentToSell = 100
		out = out[:1]
	}
	return out, nil
}

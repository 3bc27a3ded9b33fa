// Package matching implements the deterministic bar-matching engine: a pure
// function mapping the open orders of one symbol and one completed price bar
// to fills. It is used directly in simulation mode, and it defines the fill
// semantics live reconciliation must agree with.
package matching

import (
	"sort"

	"spotLadderBot/internal/domain"
)

// Result is the outcome of matching one bar against a set of open orders.
type Result struct {
	Fills    []*domain.Fill
	Canceled []string // order ids canceled as OCO counterparts of a fill
}

// Match evaluates orders against a completed bar. Rules:
//   - market orders fill fully at the bar close;
//   - limit buys fill at the limit price if bar low <= limit;
//   - limit sells fill at the limit price if bar high >= limit;
//   - sell-side stops fill at the trigger price if bar low <= trigger.
//
// Orders sharing a ParentTradeID form an OCO group: when one leg fills, the
// other legs are canceled in the same step. Stops are evaluated before all
// other orders so a same-bar stop/take-profit collision always resolves in
// favor of the stop. That is a policy decision (protect capital first), not
// an artifact of iteration order.
//
// The input slice is not mutated; repeated runs over the same input produce
// identical output.
func Match(orders []*domain.Order, bar *domain.Kline) *Result {
	res := &Result{}
	if bar == nil || len(orders) == 0 {
		return res
	}

	// Work over a sorted copy so the outcome does not depend on caller
	// ordering. Stops first, then markets, then limits; id breaks ties.
	work := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if o != nil && o.IsOpen() && o.Remaining() > 0 {
			work = append(work, o)
		}
	}
	sort.SliceStable(work, func(i, j int) bool {
		pi, pj := typePriority(work[i].Type), typePriority(work[j].Type)
		if pi != pj {
			return pi < pj
		}
		return work[i].OrderID < work[j].OrderID
	})

	canceled := make(map[string]bool)
	for _, o := range work {
		if canceled[o.OrderID] {
			continue
		}
		price, ok := fillPrice(o, bar)
		if !ok {
			continue
		}
		res.Fills = append(res.Fills, &domain.Fill{
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Side:    o.Side,
			Price:   price,
			Volume:  o.Remaining(),
			Time:    bar.CloseTime,
		})
		// Cancel the OCO counterparts in the same step.
		if o.ParentTradeID != "" {
			for _, other := range work {
				if other.OrderID == o.OrderID || canceled[other.OrderID] {
					continue
				}
				if other.ParentTradeID == o.ParentTradeID {
					canceled[other.OrderID] = true
					res.Canceled = append(res.Canceled, other.OrderID)
				}
			}
		}
	}
	return res
}

func typePriority(t domain.OrderType) int {
	switch t {
	case domain.OrderTypeStop:
		return 0
	case domain.OrderTypeMarket:
		return 1
	default:
		return 2
	}
}

// fillPrice reports whether the order executes within the bar and at what price.
func fillPrice(o *domain.Order, bar *domain.Kline) (float64, bool) {
	switch o.Type {
	case domain.OrderTypeMarket:
		return bar.Close, true
	case domain.OrderTypeLimit:
		if o.Side == domain.Buy && bar.Low <= o.Price {
			return o.Price, true
		}
		if o.Side == domain.Sell && bar.High >= o.Price {
			return o.Price, true
		}
	case domain.OrderTypeStop:
		// Protective sell stop on a long position.
		if o.Side == domain.Sell && bar.Low <= o.TriggerPrice {
			return o.TriggerPrice, true
		}
		// Buy stop (protects a short) mirrors on the bar high.
		if o.Side == domain.Buy && bar.High >= o.TriggerPrice {
			return o.TriggerPrice, true
		}
	}
	return 0, false
}

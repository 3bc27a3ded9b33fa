package reconciler

import (
	"math"
	"sort"
	"strings"

	"spotLadderBot/internal/domain"
)

// Attribution weights. Group-key and side agreement dominate; size and
// price proximity each contribute at most 1 point, so an order can only
// clear the threshold if at least one of the strong signals agrees.
const (
	groupKeyWeight       = 4.0
	sideWeight           = 2.0
	attributionThreshold = 3.0
)

// scoreCandidate rates how plausibly order is the protective stop of
// trade. It is a heuristic: without exchange-side client-order-id
// support true attribution is ambiguous, so the output only needs to be
// deterministic and reproducible, not provably correct.
func scoreCandidate(order *domain.Order, trade *domain.TradeEntry) float64 {
	score := 0.0
	if trade.GroupKey() != "" && strings.HasPrefix(order.ClientOrderID, trade.GroupKey()) {
		score += groupKeyWeight
	}
	if order.Side == trade.Side.Opposite() {
		score += sideWeight
	}
	score += proximity(order.Size, trade.RemainingSize)
	score += proximity(stopPrice(order), trade.StopLossPrice)
	return score
}

// proximity maps the relative difference between got and want onto
// (0, 1], with 1 for an exact match.
func proximity(got, want float64) float64 {
	if want <= 0 || got <= 0 {
		return 0
	}
	rel := math.Abs(got-want) / want
	return 1 / (1 + rel)
}

// stopPrice is the price a conditional order will act at: the trigger
// when present, the limit otherwise.
func stopPrice(order *domain.Order) float64 {
	if order.TriggerPrice > 0 {
		return order.TriggerPrice
	}
	return order.Price
}

// bestMatch picks the candidate trade the order most plausibly belongs
// to. Candidates are evaluated in trade-id order and only a strictly
// higher score displaces the incumbent, so ties resolve to the
// first-seen candidate and repeated runs over the same inputs always
// agree. Returns nil when no candidate clears the threshold.
func bestMatch(order *domain.Order, candidates []*domain.TradeEntry) (*domain.TradeEntry, float64) {
	sorted := append([]*domain.TradeEntry(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TradeID < sorted[j].TradeID })

	var best *domain.TradeEntry
	bestScore := 0.0
	for _, cand := range sorted {
		s := scoreCandidate(order, cand)
		if s > bestScore {
			best = cand
			bestScore = s
		}
	}
	if bestScore < attributionThreshold {
		return nil, bestScore
	}
	return best, bestScore
}

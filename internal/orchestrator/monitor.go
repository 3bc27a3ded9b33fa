package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/metrics"
	"spotLadderBot/internal/ports"
)

// spawnMonitor starts the per-trade monitor loop unless one is already
// running for the trade.
func (o *Orchestrator) spawnMonitor(tradeID string) {
	o.mu.Lock()
	if _, running := o.monitors[tradeID]; running {
		o.mu.Unlock()
		return
	}
	o.monitors[tradeID] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.monitors, tradeID)
			o.mu.Unlock()
		}()
		o.runMonitor(o.baseCtx, tradeID)
	}()
}

// runMonitor polls the live price for one trade and executes laddered
// exits. The status check at the top of every iteration is the soft
// cancellation point: a concurrent cancel stops the loop before its next
// action.
func (o *Orchestrator) runMonitor(ctx context.Context, tradeID string) {
	op := "runMonitor"
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entry, err := o.ledger.Get(ctx, tradeID)
		if err != nil {
			o.logger.Error(ctx, err, op+": ledger read failed", map[string]interface{}{"tradeID": tradeID})
			continue
		}
		if entry == nil || !entry.Status.IsMonitorable() {
			o.logger.Info(ctx, op+": trade left monitorable state, stopping", map[string]interface{}{"tradeID": tradeID})
			return
		}

		price, err := o.exchange.GetTicker(ctx, entry.Symbol)
		if err != nil {
			o.logger.Warn(ctx, op+": price poll failed", map[string]interface{}{"symbol": entry.Symbol, "error": err.Error()})
			continue
		}
		o.wallet.Mark(entry.Symbol, price)
		_, quote := domain.SplitSymbol(entry.Symbol)
		metrics.Equity.Set(o.wallet.Value(quote, nil))

		tp, idx := entry.NextTakeProfit()
		if tp == nil {
			// All targets hit; the final-exit path should already have
			// retired the trade.
			o.logger.Warn(ctx, op+": monitorable trade with no pending target", map[string]interface{}{"tradeID": tradeID})
			continue
		}
		crossed := (entry.Side == domain.Buy && price >= tp.Price) ||
			(entry.Side == domain.Sell && price <= tp.Price)
		if !crossed {
			continue
		}

		if err := o.executeTakeProfit(ctx, entry, idx, price); err != nil {
			o.logger.Error(ctx, err, op+": take-profit execution failed, will retry next poll", map[string]interface{}{
				"tradeID": tradeID,
				"target":  idx,
			})
		}
	}
}

// executeTakeProfit runs one laddered exit: amend the stop down to the
// post-exit remainder, market-sell the leg, mark the target hit. The final
// target (or a dust remainder) retires the trade instead.
func (o *Orchestrator) executeTakeProfit(ctx context.Context, entry *domain.TradeEntry, idx int, price float64) error {
	op := "executeTakeProfit"
	tp := entry.TakeProfits[idx]

	sizeSold := entry.PositionSize * tp.PercentToSell / 100
	if sizeSold > entry.RemainingSize {
		sizeSold = entry.RemainingSize
	}
	remaining := entry.RemainingSize - sizeSold

	if idx == len(entry.TakeProfits)-1 || remaining <= domain.DustSize {
		return o.closeAtTarget(ctx, entry, idx, price)
	}

	o.logger.Info(ctx, op+": target crossed", map[string]interface{}{
		"tradeID":  entry.TradeID,
		"target":   idx,
		"tpPrice":  tp.Price,
		"price":    price,
		"sizeSold": sizeSold,
	})

	// Amend the protective stop down before selling the leg so the stop
	// never covers more than the position.
	var newStopID string
	if entry.StopLossOrderID != nil {
		oldStopID := *entry.StopLossOrderID
		if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
			cur.StopLossOrderID = nil
			return cur
		}); err != nil {
			return err
		}
		resp, err := o.exchange.AmendOrder(ctx, entry.Symbol, oldStopID, 0, remaining)
		if err != nil {
			// Leave the stop unbound; the reconciliation listener re-arms
			// it from the ledger's recorded price and remaining size.
			o.logger.Error(ctx, err, op+": stop resize failed, deferring to reconciliation", map[string]interface{}{
				"tradeID": entry.TradeID,
				"stopID":  oldStopID,
			})
		} else {
			newStopID = resp.OrderID
		}
	}

	resp := o.marketExit(ctx, entry, sizeSold, "take_profit")
	if resp == nil {
		// Nothing sold and is_hit not set; the next poll retries the whole
		// step with the same absolute values.
		if newStopID != "" {
			o.rebindStop(ctx, entry.TradeID, newStopID)
		}
		return fmt.Errorf("%s: take-profit leg not sold: %w", op, ports.ErrOrderPlacementFailed)
	}

	if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		if !cur.Status.IsMonitorable() {
			return nil
		}
		cur.RemainingSize = remaining
		cur.TakeProfits[idx].IsHit = true
		cur.Status = domain.StatusTP1Hit
		if newStopID != "" {
			cur.StopLossOrderID = &newStopID
		}
		return cur
	}); err != nil {
		return err
	}
	o.logger.Info(ctx, op+": partial exit complete", map[string]interface{}{
		"tradeID":   entry.TradeID,
		"remaining": remaining,
		"newStopID": newStopID,
	})
	return nil
}

// closeAtTarget exits the rest of the position at the final target: cancel
// the stop, sell the remainder at market, retire the ledger entry.
func (o *Orchestrator) closeAtTarget(ctx context.Context, entry *domain.TradeEntry, idx int, price float64) error {
	op := "closeAtTarget"
	o.logger.Info(ctx, op+": final target crossed", map[string]interface{}{
		"tradeID":   entry.TradeID,
		"target":    idx,
		"price":     price,
		"remaining": entry.RemainingSize,
	})

	if entry.StopLossOrderID != nil {
		stopID := *entry.StopLossOrderID
		if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
			cur.StopLossOrderID = nil
			return cur
		}); err != nil {
			return err
		}
		if _, err := o.exchange.CancelOrder(ctx, entry.Symbol, stopID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			// Rebind and retry next poll; selling with the stop still armed
			// would double-sell once it triggers.
			o.rebindStop(ctx, entry.TradeID, stopID)
			return err
		}
	}

	if entry.RemainingSize > domain.DustSize {
		if resp := o.marketExit(ctx, entry, entry.RemainingSize, "final_exit"); resp == nil {
			return fmt.Errorf("%s: final exit not sold: %w", op, ports.ErrOrderPlacementFailed)
		}
	}

	if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.Status = domain.StatusClosed
		cur.RemainingSize = 0
		cur.TakeProfits[idx].IsHit = true
		cur.EntryOrderID = nil
		cur.StopLossOrderID = nil
		return cur
	}); err != nil {
		return err
	}
	if err := o.ledger.Delete(ctx, entry.TradeID); err != nil {
		return err
	}
	metrics.OpenTrades.Dec()
	o.logger.Info(ctx, op+": trade closed", map[string]interface{}{"tradeID": entry.TradeID, "reason": domain.CloseReasonTakeProfit})
	return nil
}

// rebindStop writes a stop order id back onto a trade.
func (o *Orchestrator) rebindStop(ctx context.Context, tradeID, stopID string) {
	if _, err := o.ledger.UpdateAtomically(ctx, tradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.StopLossOrderID = &stopID
		return cur
	}); err != nil {
		o.logger.Error(ctx, err, "rebindStop: failed", map[string]interface{}{"tradeID": tradeID, "stopID": stopID})
	}
}

// Package reconciler aligns the ledger with the exchange's actual order
// state by consuming the asynchronous order-event feed. Mismatches are
// never fatal: the only self-healing action is re-arming a protective
// stop; everything else is defensive (close the trade) or observational
// (foreign-order audit).
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/metrics"
	"spotLadderBot/internal/ports"
	"spotLadderBot/internal/retry"
	"spotLadderBot/internal/wallet"
)

// priceTolerance is the relative price difference below which an adopted
// stop is left where the exchange has it instead of amending it.
const priceTolerance = 1e-4

type Config struct {
	FeeRate float64
	Retry   retry.Config
}

// Listener subscribes to order events and reconciles them into the
// ledger. It is one of the two writers to the ledger; every mutation
// goes through the atomic update contract.
type Listener struct {
	ledger   ports.Ledger
	exchange ports.ExchangeClient
	events   ports.OrderEventStore
	audit    ports.AuditLog
	wallet   *wallet.Wallet
	logger   ports.Logger
	cfg      Config
}

func New(ledger ports.Ledger, exchange ports.ExchangeClient, events ports.OrderEventStore, audit ports.AuditLog, w *wallet.Wallet, logger ports.Logger, cfg Config) (*Listener, error) {
	if ledger == nil || exchange == nil || events == nil || audit == nil || w == nil || logger == nil {
		return nil, errors.New("reconciler requires ledger, exchange, events, audit, wallet, and logger")
	}
	return &Listener{
		ledger:   ledger,
		exchange: exchange,
		events:   events,
		audit:    audit,
		wallet:   w,
		logger:   logger,
		cfg:      cfg,
	}, nil
}

// Run subscribes to the order-event feed and blocks until the context is
// cancelled or the feed terminates. Reconnection is the exchange
// adapter's job; Run returning with a nil context error means the feed
// gave up.
func (l *Listener) Run(ctx context.Context) error {
	op := "reconciler.Run"
	doneCh, stopCh, err := l.exchange.SubscribeOrderEvents(ctx,
		func(ev *domain.OrderEvent) {
			if err := l.HandleEvent(ctx, ev); err != nil {
				l.logger.Error(ctx, err, op+": event handling failed", map[string]interface{}{"orderID": ev.OrderID})
			}
		},
		func(err error) {
			l.logger.Warn(ctx, op+": feed error", map[string]interface{}{"error": err.Error()})
		},
	)
	if err != nil {
		return fmt.Errorf("%s: subscribe: %w", op, err)
	}

	select {
	case <-ctx.Done():
		close(stopCh)
		<-doneCh
		return ctx.Err()
	case <-doneCh:
		return fmt.Errorf("%s: order-event feed terminated: %w", op, ports.ErrConnectionFailed)
	}
}

// HandleEvent reconciles a single order event. Every event is appended
// to the durable event store first so other components (entry-fill
// waits, audits) can observe it even if reconciliation bails out.
func (l *Listener) HandleEvent(ctx context.Context, ev *domain.OrderEvent) error {
	if ev == nil || ev.OrderID == "" {
		return nil
	}
	if err := l.events.AppendOrderEvent(ctx, ev); err != nil {
		l.logger.Warn(ctx, "handleEvent: event store append failed", map[string]interface{}{
			"orderID": ev.OrderID,
			"error":   err.Error(),
		})
	}

	trade, err := l.ledger.FindByOrderID(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if trade != nil {
		return l.reconcileBound(ctx, trade, ev)
	}
	return l.reconcileUnbound(ctx, ev)
}

// reconcileBound handles events for orders the ledger already tracks.
func (l *Listener) reconcileBound(ctx context.Context, trade *domain.TradeEntry, ev *domain.OrderEvent) error {
	op := "reconcileBound"

	// A trade being torn down by its own cancel command emits cancel
	// events for its legs; acting on them would fight the teardown.
	if trade.Status == domain.StatusClosing || trade.Status == domain.StatusClosed {
		metrics.ReconciliationTotal.WithLabelValues("suppressed").Inc()
		return nil
	}

	if trade.EntryOrderID != nil && *trade.EntryOrderID == ev.OrderID {
		if ev.Status == domain.OrderStatusCanceled {
			l.logger.Warn(ctx, op+": entry order canceled externally, closing trade", map[string]interface{}{
				"tradeID": trade.TradeID,
				"orderID": ev.OrderID,
			})
			metrics.ReconciliationTotal.WithLabelValues("entry_canceled").Inc()
			return l.closeTrade(ctx, trade)
		}
		// Fills on the entry are the orchestrator's business; it is
		// already waiting on this order's events.
		metrics.ReconciliationTotal.WithLabelValues("observed").Inc()
		return nil
	}

	if trade.StopLossOrderID != nil && *trade.StopLossOrderID == ev.OrderID {
		switch ev.Status {
		case domain.OrderStatusCanceled:
			if !trade.Status.IsMonitorable() {
				metrics.ReconciliationTotal.WithLabelValues("observed").Inc()
				return nil
			}
			return l.rearmStop(ctx, trade, ev)
		case domain.OrderStatusClosed:
			return l.stopFilled(ctx, trade, ev)
		}
	}

	metrics.ReconciliationTotal.WithLabelValues("observed").Inc()
	return nil
}

// rearmStop re-places a protective stop whose exchange order was
// canceled behind our back. The position must not stay unprotected, so
// this is the one reconciliation path that places orders.
func (l *Listener) rearmStop(ctx context.Context, trade *domain.TradeEntry, ev *domain.OrderEvent) error {
	op := "rearmStop"
	l.logger.Warn(ctx, op+": stop canceled externally, re-arming", map[string]interface{}{
		"tradeID": trade.TradeID,
		"orderID": ev.OrderID,
		"price":   trade.StopLossPrice,
		"size":    trade.RemainingSize,
	})

	var resp *ports.OrderResponse
	err := retry.Do(ctx, l.cfg.Retry, l.logger, op, func(ctx context.Context) error {
		r, err := l.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        trade.Symbol,
			Side:          trade.Side.Opposite(),
			Type:          domain.OrderTypeStop,
			TriggerPrice:  trade.StopLossPrice,
			Size:          trade.RemainingSize,
			ClientOrderID: fmt.Sprintf("%s-r-%d", trade.GroupKey(), time.Now().UnixMilli()),
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		metrics.ReconciliationTotal.WithLabelValues("rearm_failed").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	newID := resp.OrderID
	updated, err := l.ledger.UpdateAtomically(ctx, trade.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		if !cur.Status.IsMonitorable() {
			return nil
		}
		cur.StopLossOrderID = &newID
		return cur
	})
	if err != nil {
		return fmt.Errorf("%s: rebind: %w", op, err)
	}
	if updated == nil || updated.StopLossOrderID == nil || *updated.StopLossOrderID != newID {
		// The trade left the monitorable states while we were placing;
		// the replacement stop is now an orphan.
		if _, cerr := l.exchange.CancelOrder(ctx, trade.Symbol, newID); cerr != nil {
			l.logger.Error(ctx, cerr, op+": failed to cancel orphaned replacement stop", map[string]interface{}{"orderID": newID})
		}
		metrics.ReconciliationTotal.WithLabelValues("suppressed").Inc()
		return nil
	}
	metrics.ReconciliationTotal.WithLabelValues("stop_rearmed").Inc()
	return nil
}

// stopFilled retires a trade whose protective stop executed.
func (l *Listener) stopFilled(ctx context.Context, trade *domain.TradeEntry, ev *domain.OrderEvent) error {
	op := "stopFilled"
	fillPrice := ev.Price
	if fillPrice <= 0 {
		fillPrice = trade.StopLossPrice
	}
	fillVolume := ev.Volume
	if fillVolume <= 0 {
		fillVolume = trade.RemainingSize
	}
	l.logger.Info(ctx, op+": stopped out", map[string]interface{}{
		"tradeID": trade.TradeID,
		"orderID": ev.OrderID,
		"price":   fillPrice,
		"volume":  fillVolume,
	})

	// The stop was placed directly on the exchange, so the wallet has no
	// lock for it; settle the sale as a fresh place-and-fill.
	exit := &domain.Order{
		OrderID:       ev.OrderID,
		ClientOrderID: ev.ClientOrderID,
		Symbol:        trade.Symbol,
		Side:          trade.Side.Opposite(),
		Type:          domain.OrderTypeStop,
		Price:         fillPrice,
		Size:          fillVolume,
		Status:        domain.OrderStatusOpen,
		ParentTradeID: trade.TradeID,
	}
	if err := l.wallet.Place(exit, fillPrice); err == nil {
		if _, err := l.wallet.Fill(exit, fillPrice, fillVolume, l.cfg.FeeRate); err != nil {
			l.logger.Error(ctx, err, op+": wallet fill accounting failed", map[string]interface{}{"tradeID": trade.TradeID})
		}
	} else {
		l.logger.Warn(ctx, op+": wallet could not settle stop fill", map[string]interface{}{
			"tradeID": trade.TradeID,
			"error":   err.Error(),
		})
	}
	metrics.FillsTotal.WithLabelValues("stop").Inc()
	metrics.ReconciliationTotal.WithLabelValues("stop_filled").Inc()
	return l.closeTrade(ctx, trade)
}

// reconcileUnbound handles events for orders no ledger entry references.
func (l *Listener) reconcileUnbound(ctx context.Context, ev *domain.OrderEvent) error {
	op := "reconcileUnbound"

	switch ev.Status {
	case domain.OrderStatusCanceled, domain.OrderStatusClosed:
		// Cancel-and-replace flows unbind the old id before touching the
		// exchange, so its terminal event arrives unbound. Nothing to do.
		metrics.ReconciliationTotal.WithLabelValues("ignored").Inc()
		return nil
	case domain.OrderStatusOpen:
	default:
		metrics.ReconciliationTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	trades, err := l.ledger.GetBySymbol(ctx, ev.Symbol)
	if err != nil {
		return err
	}

	order := orderFromEvent(ev)
	if ev.Type == domain.OrderTypeStop {
		var stopless []*domain.TradeEntry
		for _, t := range trades {
			if t.Status.IsMonitorable() && t.StopLossOrderID == nil {
				stopless = append(stopless, t)
			}
		}
		if match, score := bestMatch(order, stopless); match != nil {
			return l.adoptStop(ctx, match, ev, score)
		}
	}

	// Our own orders carry the trade's group key as a client-order-id
	// prefix; such an order mid-setup is simply not bound yet.
	for _, t := range trades {
		if ev.ClientOrderID != "" && strings.HasPrefix(ev.ClientOrderID, t.GroupKey()) {
			metrics.ReconciliationTotal.WithLabelValues("observed").Inc()
			return nil
		}
	}

	l.logger.Warn(ctx, op+": open order not tracked by any trade", map[string]interface{}{
		"orderID": ev.OrderID,
		"symbol":  ev.Symbol,
		"side":    ev.Side,
		"type":    ev.Type,
	})
	metrics.ReconciliationTotal.WithLabelValues("foreign").Inc()
	if err := l.audit.RecordForeignOrder(ctx, order, "open order with no ledger attribution"); err != nil {
		return fmt.Errorf("%s: audit: %w", op, err)
	}
	return nil
}

// adoptStop binds an unattributed conditional order to the stop-less
// trade it most plausibly protects, and amends its price into line with
// the ledger's intent when they disagree.
func (l *Listener) adoptStop(ctx context.Context, trade *domain.TradeEntry, ev *domain.OrderEvent, score float64) error {
	op := "adoptStop"
	l.logger.Info(ctx, op+": attributing conditional order", map[string]interface{}{
		"tradeID": trade.TradeID,
		"orderID": ev.OrderID,
		"score":   score,
	})

	boundID := ev.OrderID
	observed := stopPrice(orderFromEvent(ev))
	if observed > 0 && math.Abs(observed-trade.StopLossPrice)/trade.StopLossPrice > priceTolerance {
		resp, err := l.exchange.AmendOrder(ctx, trade.Symbol, ev.OrderID, trade.StopLossPrice, trade.RemainingSize)
		if err != nil {
			// Bind as-is; a misplaced stop beats no stop. The monitor's
			// next amend will move it.
			l.logger.Warn(ctx, op+": could not align adopted stop price", map[string]interface{}{
				"orderID": ev.OrderID,
				"error":   err.Error(),
			})
		} else {
			boundID = resp.OrderID
		}
	}

	updated, err := l.ledger.UpdateAtomically(ctx, trade.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		if !cur.Status.IsMonitorable() || cur.StopLossOrderID != nil {
			return nil
		}
		id := boundID
		cur.StopLossOrderID = &id
		return cur
	})
	if err != nil {
		return fmt.Errorf("%s: bind: %w", op, err)
	}
	if updated == nil || updated.StopLossOrderID == nil || *updated.StopLossOrderID != boundID {
		metrics.ReconciliationTotal.WithLabelValues("suppressed").Inc()
		return nil
	}
	metrics.ReconciliationTotal.WithLabelValues("adopted").Inc()
	return nil
}

// closeTrade retires a ledger entry after reconciliation decided the
// position no longer exists on the exchange.
func (l *Listener) closeTrade(ctx context.Context, trade *domain.TradeEntry) error {
	wasMonitorable := trade.Status.IsMonitorable()
	if _, err := l.ledger.UpdateAtomically(ctx, trade.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.Status = domain.StatusClosed
		cur.RemainingSize = 0
		cur.EntryOrderID = nil
		cur.StopLossOrderID = nil
		return cur
	}); err != nil {
		return fmt.Errorf("closeTrade: %w", err)
	}
	if err := l.ledger.Delete(ctx, trade.TradeID); err != nil {
		return fmt.Errorf("closeTrade: delete: %w", err)
	}
	if wasMonitorable {
		metrics.OpenTrades.Dec()
	}
	return nil
}

func orderFromEvent(ev *domain.OrderEvent) *domain.Order {
	order := &domain.Order{
		OrderID:       ev.OrderID,
		ClientOrderID: ev.ClientOrderID,
		Symbol:        ev.Symbol,
		Side:          ev.Side,
		Type:          ev.Type,
		Size:          ev.Size,
		Filled:        ev.Volume,
		Status:        ev.Status,
		CreatedAt:     ev.Timestamp,
	}
	if ev.Type == domain.OrderTypeStop {
		order.TriggerPrice = ev.Price
	} else {
		order.Price = ev.Price
	}
	return order
}

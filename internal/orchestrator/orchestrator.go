// Package orchestrator owns the per-trade control flow: it turns bus
// commands into exchange orders and ledger transitions, arms protective
// stops, and runs one monitor loop per live trade for laddered exits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/metrics"
	"spotLadderBot/internal/ports"
	"spotLadderBot/internal/retry"
	"spotLadderBot/internal/risk"
	"spotLadderBot/internal/wallet"
)

// Config holds configuration for the Orchestrator.
type Config struct {
	PollInterval     time.Duration // monitor price-poll interval (default 5s)
	EntryFillTimeout time.Duration // max wait for entry-fill confirmation (default 2m)
	FeeRate          float64       // taker fee rate mirrored into the wallet
	Retry            retry.Config  // backoff budget for transient exchange errors
}

// Orchestrator drives the trade-lifecycle state machine. All ledger
// mutations go through the atomic update contract; the monitor loops and
// the reconciliation listener may write the same trades concurrently.
type Orchestrator struct {
	ledger   ports.Ledger
	exchange ports.ExchangeClient
	events   ports.OrderEventStore
	wallet   *wallet.Wallet
	risk     *risk.Manager
	logger   ports.Logger
	cfg      Config

	baseCtx context.Context // lifecycle context for monitor goroutines

	mu       sync.Mutex
	monitors map[string]struct{} // trade ids with a running monitor
	wg       sync.WaitGroup
}

// New creates an Orchestrator. All dependencies are required.
func New(ledger ports.Ledger, exchange ports.ExchangeClient, events ports.OrderEventStore, w *wallet.Wallet, riskMgr *risk.Manager, logger ports.Logger, cfg Config) (*Orchestrator, error) {
	if ledger == nil || exchange == nil || events == nil || w == nil || riskMgr == nil || logger == nil {
		return nil, errors.New("orchestrator requires ledger, exchange, events, wallet, risk, and logger")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.EntryFillTimeout <= 0 {
		cfg.EntryFillTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		ledger:   ledger,
		exchange: exchange,
		events:   events,
		wallet:   w,
		risk:     riskMgr,
		logger:   logger,
		cfg:      cfg,
		baseCtx:  context.Background(),
		monitors: make(map[string]struct{}),
	}, nil
}

// Start binds the lifecycle context that monitor goroutines run under.
// Must be called before commands are handled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx = ctx
}

// Wait blocks until all monitor goroutines have exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ResumeSymbol restarts monitor loops for every monitorable trade of a
// symbol, typically after a process restart.
func (o *Orchestrator) ResumeSymbol(ctx context.Context, symbol string) error {
	trades, err := o.ledger.GetBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ResumeSymbol: %w", err)
	}
	for _, t := range trades {
		if t.Status.IsMonitorable() {
			o.logger.Info(ctx, "ResumeSymbol: resuming monitor", map[string]interface{}{"tradeID": t.TradeID, "status": t.Status})
			o.spawnMonitor(t.TradeID)
		}
	}
	return nil
}

// HandleCommand implements bus.CommandHandler. A nil return acknowledges
// the delivery; transient errors leave it claimed for reclaim.
func (o *Orchestrator) HandleCommand(ctx context.Context, qc *ports.QueuedCommand) error {
	switch qc.Command.Action {
	case domain.ActionAdd:
		return o.handleAdd(ctx, qc.ID, qc.Command.Add)
	case domain.ActionAmend:
		return o.handleAmend(ctx, qc.Command.Amend)
	case domain.ActionCancel:
		return o.handleCancel(ctx, qc.Command.Cancel)
	default:
		return fmt.Errorf("unknown command action %q: %w", qc.Command.Action, ports.ErrInvalidRequest)
	}
}

// ResolveGroupKey implements bus.GroupKeyResolver. Amend and cancel
// commands may address a trade by trade id or by a bound order id; both
// resolve to the owning trade's group key so they serialize under one
// lock. Unresolvable commands keep their enqueue-time key.
func (o *Orchestrator) ResolveGroupKey(ctx context.Context, qc *ports.QueuedCommand) string {
	var tradeID, orderID string
	switch qc.Command.Action {
	case domain.ActionAmend:
		if qc.Command.Amend == nil {
			return qc.GroupKey
		}
		tradeID, orderID = qc.Command.Amend.TradeID, qc.Command.Amend.OrderID
	case domain.ActionCancel:
		if qc.Command.Cancel == nil {
			return qc.GroupKey
		}
		tradeID, orderID = qc.Command.Cancel.TradeID, qc.Command.Cancel.OrderID
	default:
		return qc.GroupKey
	}
	entry, err := o.resolveTrade(ctx, tradeID, orderID)
	if err != nil || entry == nil {
		return qc.GroupKey
	}
	return entry.GroupKey()
}

// addTradeID derives a stable trade id from the command's stream id, so a
// redelivered add maps onto the trade its first delivery created instead of
// minting a new one.
func addTradeID(commandID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("add-%d", commandID))).String()
}

// handleAdd validates the plan, records a PENDING trade, and runs entry
// setup through to an armed stop and a running monitor. The stream
// delivers at least once; the trade id doubles as the idempotency key, so
// a redelivery finds the existing trade and never buys twice.
func (o *Orchestrator) handleAdd(ctx context.Context, commandID int64, cmd *domain.AddCommand) error {
	op := "handleAdd"
	plan := cmd.Plan

	tradeID := addTradeID(commandID)
	existing, err := o.ledger.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == domain.StatusPending && existing.EntryOrderID == nil {
			// The first delivery wrote the ledger entry and crashed before
			// anything reached the exchange; resume setup from there.
			o.logger.Warn(ctx, op+": resuming setup of redelivered add", map[string]interface{}{
				"commandID": commandID,
				"tradeID":   tradeID,
			})
			return o.enterPosition(ctx, existing)
		}
		o.logger.Warn(ctx, op+": redelivered add already applied, skipping", map[string]interface{}{
			"commandID": commandID,
			"tradeID":   tradeID,
			"status":    existing.Status,
		})
		return nil
	}

	open, err := o.ledger.GetBySymbol(ctx, plan.Symbol)
	if err != nil {
		return err
	}
	if err := o.risk.ValidatePlan(ctx, &plan, len(open)); err != nil {
		o.logger.Warn(ctx, op+": plan rejected", map[string]interface{}{"symbol": plan.Symbol, "error": err.Error()})
		return err
	}
	tps, err := domain.NormalizeTakeProfits(plan.TakeProfits, plan.EntryPrice, plan.PositionSize, o.risk.MinNotional())
	if err != nil {
		return fmt.Errorf("%s: take-profit normalization: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	userRef := cmd.UserRef
	if userRef == 0 {
		// Reconciliation needs a non-zero correlation key per trade.
		userRef = time.Now().UnixNano() % 1_000_000_000
	}

	entry := &domain.TradeEntry{
		TradeID:       tradeID,
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		Status:        domain.StatusPending,
		EntryPrice:    plan.EntryPrice,
		PositionSize:  plan.PositionSize,
		RemainingSize: plan.PositionSize,
		StopLossPrice: plan.StopLossPrice,
		TakeProfits:   tps,
		UserRef:       userRef,
	}
	if err := o.ledger.Write(ctx, entry); err != nil {
		return err
	}
	o.logger.Info(ctx, op+": trade recorded", map[string]interface{}{
		"tradeID": entry.TradeID,
		"symbol":  entry.Symbol,
		"side":    entry.Side,
		"size":    entry.PositionSize,
	})

	return o.enterPosition(ctx, entry)
}

// enterPosition places the entry order, waits for fill confirmation, arms
// the protective stop, and promotes the trade to ACTIVE. Setup failures
// retire the trade rather than leaving partial state dangling.
func (o *Orchestrator) enterPosition(ctx context.Context, entry *domain.TradeEntry) error {
	op := "enterPosition"
	groupKey := entry.GroupKey()

	entryOrder := &domain.Order{
		ClientOrderID: fmt.Sprintf("%s-e-%d", groupKey, time.Now().UnixMilli()),
		Symbol:        entry.Symbol,
		Side:          entry.Side,
		Type:          domain.OrderTypeLimit,
		Price:         entry.EntryPrice,
		Size:          entry.PositionSize,
		Status:        domain.OrderStatusOpen,
		ParentTradeID: entry.TradeID,
	}
	if !o.wallet.CanPlace(entryOrder, entry.EntryPrice) {
		// Business rejection: the trade stays PENDING and nothing reaches
		// the exchange; its state is the report.
		o.logger.Warn(ctx, op+": insufficient balance for entry, trade left PENDING", map[string]interface{}{
			"tradeID": entry.TradeID,
			"symbol":  entry.Symbol,
			"size":    entry.PositionSize,
		})
		return nil
	}

	var resp *ports.OrderResponse
	err := retry.Do(ctx, o.cfg.Retry, o.logger, op+" place entry", func(ctx context.Context) error {
		r, err := o.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        entry.Symbol,
			Side:          entry.Side,
			Type:          domain.OrderTypeLimit,
			Price:         entry.EntryPrice,
			Size:          entry.PositionSize,
			ClientOrderID: entryOrder.ClientOrderID,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		o.forceClose(ctx, entry.TradeID, domain.CloseReasonSetupFailure, err)
		return nil
	}
	entryOrder.OrderID = resp.OrderID

	if err := o.wallet.Place(entryOrder, entry.EntryPrice); err != nil {
		o.logger.Warn(ctx, op+": wallet lock failed, continuing with exchange as source of truth", map[string]interface{}{
			"tradeID": entry.TradeID,
			"error":   err.Error(),
		})
	}
	if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.EntryOrderID = &entryOrder.OrderID
		return cur
	}); err != nil {
		return err
	}

	fillPrice, err := o.waitForEntryFill(ctx, entry, entryOrder, resp)
	if err != nil {
		o.logger.Error(ctx, err, op+": entry fill not confirmed, unwinding", map[string]interface{}{"tradeID": entry.TradeID})
		if _, cerr := o.exchange.CancelOrder(ctx, entry.Symbol, entryOrder.OrderID); cerr != nil && !errors.Is(cerr, ports.ErrOrderNotFound) {
			o.logger.Error(ctx, cerr, op+": failed to cancel unfilled entry order", map[string]interface{}{"orderID": entryOrder.OrderID})
		}
		o.wallet.Cancel(entryOrder, entry.EntryPrice)
		o.forceClose(ctx, entry.TradeID, domain.CloseReasonSetupFailure, err)
		return nil
	}

	if _, err := o.wallet.Fill(entryOrder, fillPrice, entry.PositionSize, o.cfg.FeeRate); err != nil {
		o.logger.Error(ctx, err, op+": wallet fill accounting failed", map[string]interface{}{"tradeID": entry.TradeID})
	}
	metrics.FillsTotal.WithLabelValues("entry").Inc()
	o.logger.Info(ctx, op+": entry filled", map[string]interface{}{
		"tradeID":   entry.TradeID,
		"fillPrice": fillPrice,
		"size":      entry.PositionSize,
	})

	stopResp, err := o.placeStop(ctx, entry, entry.StopLossPrice, entry.PositionSize)
	if err != nil {
		// The position is unprotected; unwind at market rather than leave
		// it dangling.
		o.logger.Error(ctx, err, op+": stop placement failed, unwinding position", map[string]interface{}{"tradeID": entry.TradeID})
		o.marketExit(ctx, entry, entry.PositionSize, "setup_unwind")
		o.forceClose(ctx, entry.TradeID, domain.CloseReasonSetupFailure, err)
		return nil
	}

	updated, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		if cur.Status != domain.StatusPending {
			return nil // cancelled mid-setup
		}
		cur.StopLossOrderID = &stopResp.OrderID
		cur.Status = domain.StatusActive
		return cur
	})
	if err != nil {
		return err
	}
	if updated == nil || updated.Status != domain.StatusActive {
		// A concurrent cancel won; retire the stop we just placed.
		o.logger.Warn(ctx, op+": trade cancelled during setup, removing stop", map[string]interface{}{"tradeID": entry.TradeID})
		if _, cerr := o.exchange.CancelOrder(ctx, entry.Symbol, stopResp.OrderID); cerr != nil && !errors.Is(cerr, ports.ErrOrderNotFound) {
			o.logger.Error(ctx, cerr, op+": failed to cancel orphaned stop", map[string]interface{}{"orderID": stopResp.OrderID})
		}
		return nil
	}

	metrics.OpenTrades.Inc()
	o.logger.Info(ctx, op+": trade active", map[string]interface{}{
		"tradeID":     entry.TradeID,
		"stopOrderID": stopResp.OrderID,
	})
	o.spawnMonitor(entry.TradeID)
	return nil
}

// waitForEntryFill blocks until the entry order is confirmed filled,
// preferring the order-event store and falling back to polling the
// exchange's open orders. Returns the fill price.
func (o *Orchestrator) waitForEntryFill(ctx context.Context, entry *domain.TradeEntry, order *domain.Order, resp *ports.OrderResponse) (float64, error) {
	op := "waitForEntryFill"
	if resp.Status == "FILLED" {
		if resp.AvgPrice > 0 {
			return resp.AvgPrice, nil
		}
		return entry.EntryPrice, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.EntryFillTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return 0, fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
			}
			return 0, fmt.Errorf("%s: order %s not filled within %s: %w", op, order.OrderID, o.cfg.EntryFillTimeout, ports.ErrTimeout)
		case <-ticker.C:
		}

		ev, err := o.events.LatestOrderEvent(waitCtx, order.OrderID)
		if err != nil {
			o.logger.Debug(waitCtx, op+": event store read failed", map[string]interface{}{"error": err.Error()})
		} else if ev != nil {
			switch ev.Status {
			case domain.OrderStatusClosed:
				if ev.Price > 0 {
					return ev.Price, nil
				}
				return entry.EntryPrice, nil
			case domain.OrderStatusCanceled:
				return 0, fmt.Errorf("%s: entry order %s canceled externally: %w", op, order.OrderID, ports.ErrOrderNotFound)
			}
			continue
		}

		// No event yet; ask the exchange directly.
		openOrders, err := o.exchange.GetOpenOrders(waitCtx, entry.Symbol)
		if err != nil {
			o.logger.Debug(waitCtx, op+": open-orders poll failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		stillOpen := false
		for _, oo := range openOrders {
			if oo.OrderID == order.OrderID {
				stillOpen = true
				break
			}
		}
		if !stillOpen {
			// Gone from the book with no event recorded: treat as filled at
			// the limit price; the reconciliation listener corrects drift.
			o.logger.Warn(waitCtx, op+": order left the book without an event, assuming filled", map[string]interface{}{"orderID": order.OrderID})
			return entry.EntryPrice, nil
		}
	}
}

// placeStop places the protective stop for a trade with the retry budget.
func (o *Orchestrator) placeStop(ctx context.Context, entry *domain.TradeEntry, triggerPrice, size float64) (*ports.OrderResponse, error) {
	var resp *ports.OrderResponse
	err := retry.Do(ctx, o.cfg.Retry, o.logger, "place protective stop", func(ctx context.Context) error {
		r, err := o.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        entry.Symbol,
			Side:          entry.Side.Opposite(),
			Type:          domain.OrderTypeStop,
			TriggerPrice:  triggerPrice,
			Size:          size,
			ClientOrderID: fmt.Sprintf("%s-s-%d", entry.GroupKey(), time.Now().UnixMilli()),
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// marketExit sells (or buys back) size at market, mirroring the fill into
// the wallet. Failures are logged, not returned: callers use it on paths
// that are already unwinding.
func (o *Orchestrator) marketExit(ctx context.Context, entry *domain.TradeEntry, size float64, role string) *ports.OrderResponse {
	op := "marketExit"
	order := &domain.Order{
		ClientOrderID: fmt.Sprintf("%s-x-%d", entry.GroupKey(), time.Now().UnixMilli()),
		Symbol:        entry.Symbol,
		Side:          entry.Side.Opposite(),
		Type:          domain.OrderTypeMarket,
		Size:          size,
		ParentTradeID: entry.TradeID,
	}

	var resp *ports.OrderResponse
	err := retry.Do(ctx, o.cfg.Retry, o.logger, op, func(ctx context.Context) error {
		r, err := o.exchange.PlaceOrder(ctx, ports.OrderRequest{
			Symbol:        order.Symbol,
			Side:          order.Side,
			Type:          domain.OrderTypeMarket,
			Size:          size,
			ClientOrderID: order.ClientOrderID,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, err, op+": market exit failed", map[string]interface{}{
			"tradeID": entry.TradeID,
			"size":    size,
			"role":    role,
		})
		return nil
	}
	order.OrderID = resp.OrderID

	fillPrice := resp.AvgPrice
	if fillPrice <= 0 {
		fillPrice = o.wallet.Position(entry.Symbol).LastMark
	}
	if fillPrice > 0 {
		if err := o.wallet.Place(order, fillPrice); err == nil {
			if _, err := o.wallet.Fill(order, fillPrice, size, o.cfg.FeeRate); err != nil {
				o.logger.Error(ctx, err, op+": wallet fill accounting failed", map[string]interface{}{"tradeID": entry.TradeID})
			}
		}
	}
	metrics.FillsTotal.WithLabelValues(role).Inc()
	return resp
}

// forceClose retires a trade after an unrecoverable setup failure.
func (o *Orchestrator) forceClose(ctx context.Context, tradeID string, reason domain.CloseReason, cause error) {
	o.logger.Error(ctx, cause, "forceClose: retiring trade", map[string]interface{}{
		"tradeID": tradeID,
		"reason":  reason,
	})
	if _, err := o.ledger.UpdateAtomically(ctx, tradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.Status = domain.StatusClosed
		cur.EntryOrderID = nil
		cur.StopLossOrderID = nil
		return cur
	}); err != nil {
		o.logger.Error(ctx, err, "forceClose: ledger update failed", map[string]interface{}{"tradeID": tradeID})
		return
	}
	if err := o.ledger.Delete(ctx, tradeID); err != nil {
		o.logger.Error(ctx, err, "forceClose: ledger delete failed", map[string]interface{}{"tradeID": tradeID})
	}
}

// resolveTrade looks a trade up by trade id or bound order id.
func (o *Orchestrator) resolveTrade(ctx context.Context, tradeID, orderID string) (*domain.TradeEntry, error) {
	if tradeID != "" {
		return o.ledger.Get(ctx, tradeID)
	}
	return o.ledger.FindByOrderID(ctx, orderID)
}

// handleAmend applies absolute replacement targets to a trade. While
// PENDING only the ledger changes; while the stop is live the exchange
// order is amended first so a redelivery converges to the same state.
func (o *Orchestrator) handleAmend(ctx context.Context, cmd *domain.AmendCommand) error {
	op := "handleAmend"
	entry, err := o.resolveTrade(ctx, cmd.TradeID, cmd.OrderID)
	if err != nil {
		return err
	}
	if entry == nil {
		o.logger.Warn(ctx, op+": no trade matches, ignoring", map[string]interface{}{
			"tradeID": cmd.TradeID,
			"orderID": cmd.OrderID,
		})
		return nil
	}
	if entry.Status == domain.StatusClosing || entry.Status == domain.StatusClosed {
		o.logger.Warn(ctx, op+": trade is retiring, ignoring amend", map[string]interface{}{"tradeID": entry.TradeID, "status": entry.Status})
		return nil
	}

	newTPs := make([]domain.TakeProfit, len(entry.TakeProfits))
	copy(newTPs, entry.TakeProfits)
	if len(cmd.NewTakeProfits) > 0 {
		newTPs, err = domain.NormalizeTakeProfits(cmd.NewTakeProfits, entry.EntryPrice, entry.PositionSize, o.risk.MinNotional())
		if err != nil {
			return fmt.Errorf("%s: %w: %w", op, ports.ErrInvalidRequest, err)
		}
	} else {
		if cmd.NewTP1Price != nil && len(newTPs) >= 1 && !newTPs[0].IsHit {
			newTPs[0].Price = *cmd.NewTP1Price
		}
		if cmd.NewTP2Price != nil && len(newTPs) >= 2 && !newTPs[1].IsHit {
			newTPs[1].Price = *cmd.NewTP2Price
		}
	}

	// Amend the live stop on the exchange before touching the ledger.
	var newStopID string
	if cmd.NewStopLossPrice != nil && entry.Status.IsMonitorable() && entry.StopLossOrderID != nil {
		oldStopID := *entry.StopLossOrderID
		// Unbind first so the listener treats the cancel leg of the
		// replacement as ours, not as external drift.
		if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
			cur.StopLossOrderID = nil
			return cur
		}); err != nil {
			return err
		}
		resp, err := o.exchange.AmendOrder(ctx, entry.Symbol, oldStopID, *cmd.NewStopLossPrice, 0)
		if err != nil {
			// Rebind the old id; if the cancel leg did land, the listener
			// self-heals from the recorded price.
			if _, rerr := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
				cur.StopLossOrderID = &oldStopID
				return cur
			}); rerr != nil {
				o.logger.Error(ctx, rerr, op+": failed to rebind stop after amend failure", map[string]interface{}{"tradeID": entry.TradeID})
			}
			return err
		}
		newStopID = resp.OrderID
	}

	if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		if cmd.NewStopLossPrice != nil {
			cur.StopLossPrice = *cmd.NewStopLossPrice
		}
		cur.TakeProfits = newTPs
		if newStopID != "" {
			cur.StopLossOrderID = &newStopID
		}
		return cur
	}); err != nil {
		return err
	}
	o.logger.Info(ctx, op+": trade amended", map[string]interface{}{
		"tradeID":   entry.TradeID,
		"status":    entry.Status,
		"newStopID": newStopID,
	})
	return nil
}

// handleCancel retires a trade through CLOSING. Cancelling releases the
// trade from management; it does not liquidate the position.
func (o *Orchestrator) handleCancel(ctx context.Context, cmd *domain.CancelCommand) error {
	op := "handleCancel"
	entry, err := o.resolveTrade(ctx, cmd.TradeID, cmd.OrderID)
	if err != nil {
		return err
	}
	if entry == nil {
		o.logger.Warn(ctx, op+": no trade matches, ignoring", map[string]interface{}{
			"tradeID": cmd.TradeID,
			"orderID": cmd.OrderID,
		})
		return nil
	}
	if entry.Status == domain.StatusClosed {
		return nil
	}
	prior := entry.Status

	// CLOSING is the soft-cancel signal the monitor loop observes before
	// its next action. The bindings to cancel come from the post-CLOSING
	// entry: a monitor mid-amend may have swapped in a replacement stop
	// between our read and this write, and cancelling the stale id would
	// leave the live replacement on the book.
	closing, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.Status = domain.StatusClosing
		return cur
	})
	if err != nil {
		return err
	}
	if closing == nil {
		return nil // retired concurrently
	}

	if closing.EntryOrderID != nil && prior == domain.StatusPending {
		if _, err := o.exchange.CancelOrder(ctx, entry.Symbol, *closing.EntryOrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			o.revertCancel(ctx, entry.TradeID, prior)
			return err
		}
		o.wallet.Cancel(&domain.Order{OrderID: *closing.EntryOrderID}, entry.EntryPrice)
	}
	if closing.StopLossOrderID != nil {
		if _, err := o.exchange.CancelOrder(ctx, entry.Symbol, *closing.StopLossOrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			o.revertCancel(ctx, entry.TradeID, prior)
			return err
		}
	}

	if _, err := o.ledger.UpdateAtomically(ctx, entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.Status = domain.StatusClosed
		cur.EntryOrderID = nil
		cur.StopLossOrderID = nil
		return cur
	}); err != nil {
		return err
	}
	if err := o.ledger.Delete(ctx, entry.TradeID); err != nil {
		return err
	}
	if prior.IsMonitorable() {
		metrics.OpenTrades.Dec()
	}
	o.logger.Info(ctx, op+": trade cancelled", map[string]interface{}{"tradeID": entry.TradeID, "priorStatus": prior})
	return nil
}

// revertCancel restores the prior status after a failed cancellation so the
// trade does not silently vanish from management.
func (o *Orchestrator) revertCancel(ctx context.Context, tradeID string, prior domain.TradeStatus) {
	if _, err := o.ledger.UpdateAtomically(ctx, tradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.Status = prior
		return cur
	}); err != nil {
		o.logger.Error(ctx, err, "revertCancel: failed to restore prior status", map[string]interface{}{"tradeID": tradeID, "prior": prior})
	}
}

// Package simulator replays historical or synthetic price bars against a
// trade plan, using the bar-matching engine for fills and the wallet for
// balance accounting. It exercises the same entry/stop/take-profit
// lifecycle as live execution, without an exchange.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/matching"
	"spotLadderBot/internal/ports"
	"spotLadderBot/internal/wallet"
)

type Config struct {
	InitialQuote float64 // starting quote-asset balance
	FeeRate      float64 // taker fee applied to every fill
	MinNotional  float64 // exchange minimum-notional floor
}

// Result summarizes one simulated trade lifecycle.
type Result struct {
	EntryFilled   bool
	StoppedOut    bool
	TargetsHit    int
	BarsProcessed int
	Fills         []*domain.Fill
	TotalFees     float64
	TotalSlippage float64
	RealizedPnL   float64
	FinalValue    float64 // wallet value marked at the last bar close
}

// Simulator drives one plan through a bar series.
type Simulator struct {
	logger ports.Logger
	cfg    Config
}

func New(logger ports.Logger, cfg Config) (*Simulator, error) {
	if logger == nil {
		return nil, errors.New("simulator requires a logger")
	}
	if cfg.InitialQuote <= 0 {
		return nil, fmt.Errorf("initial quote balance must be positive: %w", ports.ErrInvalidRequest)
	}
	return &Simulator{logger: logger, cfg: cfg}, nil
}

// Run replays the bars against the plan. The entry rests as a limit
// order; once it fills, a protective stop and one limit leg per
// take-profit target are rested. The stop and the final target form an
// OCO pair; an intermediate target fill instead resizes the stop to the
// remaining position, matching live behavior.
func (s *Simulator) Run(ctx context.Context, plan *domain.TradePlan, bars []*domain.Kline) (*Result, error) {
	op := "simulator.Run"
	if plan == nil || len(bars) == 0 {
		return nil, fmt.Errorf("%s: plan and bars are required: %w", op, ports.ErrInvalidRequest)
	}
	tps, err := domain.NormalizeTakeProfits(plan.TakeProfits, plan.EntryPrice, plan.PositionSize, s.cfg.MinNotional)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	_, quote := domain.SplitSymbol(plan.Symbol)
	if quote == "" {
		return nil, fmt.Errorf("%s: cannot split symbol %q: %w", op, plan.Symbol, ports.ErrInvalidRequest)
	}
	w := wallet.New(map[string]float64{quote: s.cfg.InitialQuote})

	st := &simState{
		plan:      plan,
		tps:       tps,
		wallet:    w,
		remaining: plan.PositionSize,
		nextID:    1,
	}
	entry := st.newOrder(plan.Side, domain.OrderTypeLimit, plan.EntryPrice, 0, plan.PositionSize, "")
	if !w.CanPlace(entry, plan.EntryPrice) {
		return nil, fmt.Errorf("%s: insufficient initial balance for entry: %w", op, ports.ErrInsufficientFunds)
	}
	if err := w.Place(entry, plan.EntryPrice); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	st.open = []*domain.Order{entry}
	st.entryID = entry.OrderID

	result := &Result{}
	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, err)
		}
		if bar == nil {
			continue
		}
		result.BarsProcessed++
		w.Mark(plan.Symbol, bar.Close)

		matched := matching.Match(st.open, bar)
		for _, id := range matched.Canceled {
			st.cancelOpen(id)
		}
		for _, fill := range matched.Fills {
			settled, err := st.settle(fill, s.cfg.FeeRate)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			if settled == nil {
				// The leg was canceled earlier in this bar (stop fill
				// retires the whole ladder); the engine matched it
				// against a stale snapshot.
				continue
			}
			result.Fills = append(result.Fills, settled)
			result.TotalFees += settled.Fee
			result.TotalSlippage += settled.Slippage
		}
		if st.done {
			break
		}
	}

	// Release whatever is still resting so the final valuation only
	// reflects held assets.
	for _, o := range st.open {
		refPrice := o.Price
		if o.Type == domain.OrderTypeStop {
			refPrice = o.TriggerPrice
		}
		w.Cancel(o, refPrice)
	}

	result.EntryFilled = st.entryFilled
	result.StoppedOut = st.stoppedOut
	result.TargetsHit = st.targetsHit
	result.FinalValue = w.Value(quote, nil)
	result.RealizedPnL = result.FinalValue - s.cfg.InitialQuote
	s.logger.Info(ctx, op+": replay finished", map[string]interface{}{
		"symbol":     plan.Symbol,
		"bars":       result.BarsProcessed,
		"fills":      len(result.Fills),
		"targetsHit": result.TargetsHit,
		"stoppedOut": result.StoppedOut,
		"pnl":        result.RealizedPnL,
	})
	return result, nil
}

// simState carries the open-order book and trade progress across bars.
type simState struct {
	plan        *domain.TradePlan
	tps         []domain.TakeProfit
	wallet      *wallet.Wallet
	open        []*domain.Order
	entryID     string
	stopID      string
	remaining   float64
	targetsHit  int
	entryFilled bool
	stoppedOut  bool
	done        bool
	nextID      int
}

func (st *simState) newOrder(side domain.OrderSide, typ domain.OrderType, price, trigger, size float64, parent string) *domain.Order {
	id := "sim-" + strconv.Itoa(st.nextID)
	st.nextID++
	return &domain.Order{
		OrderID:       id,
		Symbol:        st.plan.Symbol,
		Side:          side,
		Type:          typ,
		Price:         price,
		TriggerPrice:  trigger,
		Size:          size,
		Status:        domain.OrderStatusOpen,
		ParentTradeID: parent,
	}
}

func (st *simState) cancelOpen(orderID string) {
	for i, o := range st.open {
		if o.OrderID == orderID {
			st.open = append(st.open[:i], st.open[i+1:]...)
			return
		}
	}
}

// settle applies a matched fill to the wallet and advances the trade
// lifecycle. Exit legs are settled as place-and-fill at execution time,
// the way live execution sells at market when a target is crossed;
// resting every exit in the wallet at once would double-lock the base.
func (st *simState) settle(fill *domain.Fill, feeRate float64) (*domain.Fill, error) {
	order := st.findOrder(fill.OrderID)
	if order == nil {
		return nil, nil
	}
	st.cancelOpen(fill.OrderID)

	if fill.OrderID != st.entryID {
		if err := st.wallet.Place(order, fill.Price); err != nil {
			return nil, err
		}
	}
	settled, err := st.wallet.Fill(order, fill.Price, fill.Volume, feeRate)
	if err != nil {
		return nil, err
	}
	settled.Time = fill.Time

	switch fill.OrderID {
	case st.entryID:
		st.entryFilled = true
		st.armExits()
	case st.stopID:
		st.stoppedOut = true
		st.done = true
		// The OCO pairing cancels the final target; drop any
		// intermediate targets still resting.
		st.open = nil
	default:
		st.targetsHit++
		st.remaining -= fill.Volume
		if st.remaining <= domain.DustSize || st.targetsHit == len(st.tps) {
			st.done = true
			st.open = nil
		} else {
			st.resizeStop()
		}
	}
	return settled, nil
}

func (st *simState) findOrder(orderID string) *domain.Order {
	for _, o := range st.open {
		if o.OrderID == orderID {
			return o
		}
	}
	return nil
}

// armExits rests the protective stop and the take-profit ladder after
// the entry fills. The stop and the last target share an OCO group.
func (st *simState) armExits() {
	exitSide := st.plan.Side.Opposite()
	ocoGroup := "oco-" + st.entryID

	stop := st.newOrder(exitSide, domain.OrderTypeStop, 0, st.plan.StopLossPrice, st.remaining, ocoGroup)
	st.stopID = stop.OrderID
	st.open = append(st.open, stop)

	size := st.plan.PositionSize
	for i, tp := range st.tps {
		legSize := size * tp.PercentToSell / 100
		parent := ""
		if i == len(st.tps)-1 {
			parent = ocoGroup
		}
		st.open = append(st.open, st.newOrder(exitSide, domain.OrderTypeLimit, tp.Price, 0, legSize, parent))
	}
}

// resizeStop shrinks the stop to the remaining position after an
// intermediate target fill.
func (st *simState) resizeStop() {
	for _, o := range st.open {
		if o.OrderID == st.stopID {
			o.Size = st.remaining
			return
		}
	}
}

// Package wallet tracks a single-ledger account: free and locked balances
// per asset, per-symbol positions with volume-weighted average entry, and a
// mark-to-market account value. Funds are locked pessimistically at order
// placement time, not after fills.
package wallet

import (
	"fmt"
	"math"
	"sync"
	"time"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"
)

// Position is the per-symbol holding derived from fills.
type Position struct {
	Symbol   string
	Size     float64
	AvgEntry float64 // volume-weighted average entry price
	LastMark float64 // last reference price seen for this symbol
}

type lockInfo struct {
	asset  string
	amount float64 // remaining locked amount for the order
	price  float64 // reference price the lock was computed at
}

// Wallet is safe for concurrent use, though by contract the place/cancel/
// fill operations for one order are never invoked concurrently.
type Wallet struct {
	mu        sync.Mutex
	free      map[string]float64
	locked    map[string]float64
	positions map[string]*Position
	locks     map[string]lockInfo // order id -> active lock
}

// New creates a wallet seeded with free balances per asset.
func New(initial map[string]float64) *Wallet {
	w := &Wallet{
		free:      make(map[string]float64, len(initial)),
		locked:    make(map[string]float64),
		positions: make(map[string]*Position),
		locks:     make(map[string]lockInfo),
	}
	for asset, amount := range initial {
		w.free[asset] = amount
	}
	return w
}

// lockPrice is the price an order's funds are reserved at: the limit or
// trigger price when present, the reference price otherwise.
func lockPrice(o *domain.Order, refPrice float64) float64 {
	switch {
	case o.Type == domain.OrderTypeLimit && o.Price > 0:
		return o.Price
	case o.Type == domain.OrderTypeStop && o.TriggerPrice > 0:
		return o.TriggerPrice
	default:
		return refPrice
	}
}

// CanPlace reports whether sufficient free balance exists for the order:
// quote currency of size*price for buys, base-asset holdings for sells.
func (w *Wallet) CanPlace(o *domain.Order, refPrice float64) bool {
	base, quote := domain.SplitSymbol(o.Symbol)
	if base == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if o.Side == domain.Buy {
		return w.free[quote] >= o.Size*lockPrice(o, refPrice)
	}
	return w.free[base] >= o.Size
}

// Place reserves the order's funds immediately. Returns
// ports.ErrInsufficientFunds when the free balance does not cover it.
func (w *Wallet) Place(o *domain.Order, refPrice float64) error {
	base, quote := domain.SplitSymbol(o.Symbol)
	if base == "" {
		return fmt.Errorf("wallet: cannot split symbol %q: %w", o.Symbol, ports.ErrInvalidRequest)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	price := lockPrice(o, refPrice)
	asset, amount := quote, o.Size*price
	if o.Side == domain.Sell {
		asset, amount = base, o.Size
	}
	if w.free[asset] < amount {
		return fmt.Errorf("wallet: %s balance %.8f below required %.8f: %w", asset, w.free[asset], amount, ports.ErrInsufficientFunds)
	}
	w.free[asset] -= amount
	w.locked[asset] += amount
	w.locks[o.OrderID] = lockInfo{asset: asset, amount: amount, price: price}
	return nil
}

// Cancel refunds the unfilled remainder of a placed order's lock.
func (w *Wallet) Cancel(o *domain.Order, refPrice float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[o.OrderID]
	if !ok {
		return
	}
	w.locked[l.asset] -= l.amount
	w.free[l.asset] += l.amount
	delete(w.locks, o.OrderID)
}

// Mark records the latest reference price for a symbol (bar close in
// simulation, ticker in live mode). It is the base for market-order
// slippage accounting and mark-to-market valuation.
func (w *Wallet) Mark(symbol string, price float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pos := w.positions[symbol]
	if pos == nil {
		pos = &Position{Symbol: symbol}
		w.positions[symbol] = pos
	}
	pos.LastMark = price
}

// Fill settles one execution: consumes the proportional lock, updates the
// realized balances and the position's size and volume-weighted average
// entry, and returns the fill record with its fee and slippage. Slippage is
// fillPrice - last mark for market orders and 0 for limit/stop orders.
func (w *Wallet) Fill(o *domain.Order, fillPrice, fillVolume, feeRate float64) (*domain.Fill, error) {
	base, quote := domain.SplitSymbol(o.Symbol)
	if base == "" {
		return nil, fmt.Errorf("wallet: cannot split symbol %q: %w", o.Symbol, ports.ErrInvalidRequest)
	}
	if fillVolume <= 0 || fillPrice <= 0 {
		return nil, fmt.Errorf("wallet: fill price/volume must be positive: %w", ports.ErrInvalidRequest)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	pos := w.positions[o.Symbol]
	if pos == nil {
		pos = &Position{Symbol: o.Symbol}
		w.positions[o.Symbol] = pos
	}

	fee := fillVolume * fillPrice * feeRate
	slippage := 0.0
	if o.Type == domain.OrderTypeMarket && pos.LastMark > 0 {
		slippage = fillPrice - pos.LastMark
	}

	l, locked := w.locks[o.OrderID]
	if o.Side == domain.Buy {
		cost := fillVolume * fillPrice
		if locked {
			release := math.Min(l.amount, fillVolume*l.price)
			w.locked[l.asset] -= release
			w.free[l.asset] += release
			l.amount -= release
		}
		w.free[quote] -= cost + fee
		w.free[base] += fillVolume
		// VWAP over the accumulated long.
		newSize := pos.Size + fillVolume
		pos.AvgEntry = (pos.AvgEntry*pos.Size + fillPrice*fillVolume) / newSize
		pos.Size = newSize
	} else {
		if locked {
			release := math.Min(l.amount, fillVolume)
			w.locked[l.asset] -= release
			w.free[l.asset] += release
			l.amount -= release
		}
		w.free[base] -= fillVolume
		w.free[quote] += fillVolume*fillPrice - fee
		pos.Size -= fillVolume
		if pos.Size <= domain.DustSize {
			pos.Size = 0
			pos.AvgEntry = 0
		}
	}
	if locked {
		if l.amount <= domain.DustSize {
			delete(w.locks, o.OrderID)
		} else {
			w.locks[o.OrderID] = l
		}
	}

	return &domain.Fill{
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    fillPrice,
		Volume:   fillVolume,
		Fee:      fee,
		Slippage: slippage,
		Time:     time.Now().UTC(),
	}, nil
}

// Free returns the free balance of an asset.
func (w *Wallet) Free(asset string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.free[asset]
}

// Locked returns the locked balance of an asset.
func (w *Wallet) Locked(asset string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locked[asset]
}

// Position returns a copy of the per-symbol position, or a zero position.
func (w *Wallet) Position(symbol string) Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pos := w.positions[symbol]; pos != nil {
		return *pos
	}
	return Position{Symbol: symbol}
}

// Value returns the mark-to-market account value in quote terms: all quote
// balances at face value plus base holdings priced at the given marks
// (falling back to each position's last mark).
func (w *Wallet) Value(quoteAsset string, marks map[string]float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := w.free[quoteAsset] + w.locked[quoteAsset]
	for symbol, pos := range w.positions {
		base, quote := domain.SplitSymbol(symbol)
		if quote != quoteAsset || base == "" {
			continue
		}
		mark := pos.LastMark
		if m, ok := marks[symbol]; ok {
			mark = m
		}
		total += (w.free[base] + w.locked[base]) * mark
	}
	return total
}

package ports

import (
	"context"

	"spotLadderBot/internal/domain"
)

// UpdateFn inspects the current value of a trade entry and returns the
// updated value, or nil to signal a no-op. The callback may run more than
// once on write conflict; it must be pure over its argument.
type UpdateFn func(current *domain.TradeEntry) *domain.TradeEntry

// Ledger is the durable, authoritative internal record of trades. It
// exclusively owns TradeEntry lifetime; all mutation goes through Write,
// Delete, or the atomic update contract.
type Ledger interface {
	// Get retrieves a trade by id. Returns nil, nil if not found.
	Get(ctx context.Context, tradeID string) (*domain.TradeEntry, error)
	// GetBySymbol retrieves all trades for a symbol via the secondary index.
	GetBySymbol(ctx context.Context, symbol string) ([]*domain.TradeEntry, error)
	// Symbols lists the distinct symbols that currently have trades.
	// Startup recovery uses it to respawn monitors.
	Symbols(ctx context.Context) ([]string, error)
	// FindByOrderID retrieves the trade whose entry or stop order binding
	// matches the given external order id. Returns nil, nil if none.
	FindByOrderID(ctx context.Context, orderID string) (*domain.TradeEntry, error)
	// Write inserts or fully replaces a trade entry.
	Write(ctx context.Context, entry *domain.TradeEntry) error
	// Delete removes a trade entry and its index membership.
	Delete(ctx context.Context, tradeID string) error
	// UpdateAtomically applies fn under optimistic concurrency: on write
	// conflict the current value is re-read and fn re-applied, a bounded
	// number of times. No other writer's update is ever silently lost.
	// Returns the entry unchanged if fn returns nil, and nil, nil if the
	// trade does not exist.
	UpdateAtomically(ctx context.Context, tradeID string, fn UpdateFn) (*domain.TradeEntry, error)
}

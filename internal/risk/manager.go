package risk

import (
	"context"
	"fmt"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"
)

// Config holds configuration for risk management of incoming trade plans.
type Config struct {
	MaxPositionNotional float64 // cap on size*entry in quote terms (0 = no cap)
	MaxOpenTrades       int     // cap on concurrently managed trades (0 = no cap)
	MinNotional         float64 // exchange minimum-notional floor per order leg
}

// Manager validates trade plans before any order is placed. Rejections here
// are business errors: the command is not retried and no state is created
// beyond the rejection log.
type Manager struct {
	cfg    Config
	logger ports.Logger
}

// NewManager creates a risk manager instance.
func NewManager(cfg Config, logger ports.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for risk manager")
	}
	if cfg.MinNotional < 0 || cfg.MaxPositionNotional < 0 || cfg.MaxOpenTrades < 0 {
		return nil, fmt.Errorf("risk limits cannot be negative: %w", ports.ErrConfigurationError)
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// MinNotional exposes the configured floor; take-profit normalization uses
// it to decide whether a second ladder leg is economical.
func (m *Manager) MinNotional() float64 {
	return m.cfg.MinNotional
}

// ValidatePlan checks a plan against the configured limits. openTrades is
// the number of trades currently managed.
func (m *Manager) ValidatePlan(ctx context.Context, plan *domain.TradePlan, openTrades int) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("plan validation: %w: %w", ports.ErrInvalidRequest, err)
	}

	notional := plan.EntryPrice * plan.PositionSize
	if notional < m.cfg.MinNotional {
		return fmt.Errorf("plan notional %.2f below minimum %.2f: %w", notional, m.cfg.MinNotional, ports.ErrInvalidRequest)
	}
	if m.cfg.MaxPositionNotional > 0 && notional > m.cfg.MaxPositionNotional {
		return fmt.Errorf("plan notional %.2f exceeds maximum allowed %.2f: %w", notional, m.cfg.MaxPositionNotional, ports.ErrInvalidRequest)
	}
	if m.cfg.MaxOpenTrades > 0 && openTrades >= m.cfg.MaxOpenTrades {
		return fmt.Errorf("open trades %d at maximum allowed %d: %w", openTrades, m.cfg.MaxOpenTrades, ports.ErrInvalidRequest)
	}

	m.logger.Debug(ctx, "Plan passed risk validation", map[string]interface{}{
		"symbol":   plan.Symbol,
		"notional": notional,
	})
	return nil
}

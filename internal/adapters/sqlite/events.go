package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"
)

// --- ports.OrderEventStore ---

// AppendOrderEvent records one event of the exchange's per-order feed and
// purges events past the retention TTL in the same call.
func (r *Repository) AppendOrderEvent(ctx context.Context, event *domain.OrderEvent) error {
	if event == nil || event.OrderID == "" {
		return fmt.Errorf("order event with order id is required: %w", ports.ErrInvalidRequest)
	}
	now := r.now()
	ts := event.Timestamp
	if ts.IsZero() {
		ts = now
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_events (order_id, client_order_id, symbol, side, type, status, volume, size, price, ts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.OrderID, event.ClientOrderID, event.Symbol, event.Side, event.Type,
		event.Status, event.Volume, event.Size, event.Price, ts, now)
	if err != nil {
		return fmt.Errorf("failed to append event for order %s: %w: %w", event.OrderID, ports.ErrUpdateFailed, err)
	}

	// Bounded retention: old events age out on every write.
	if _, err := r.db.ExecContext(ctx, `DELETE FROM order_events WHERE recorded_at <= ?`, now.Add(-r.eventTTL)); err != nil {
		return fmt.Errorf("failed to purge expired order events: %w: %w", ports.ErrDeleteFailed, err)
	}
	return nil
}

const eventColumns = `order_id, client_order_id, symbol, side, type, status, volume, size, price, ts`

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*domain.OrderEvent, error) {
	var ev domain.OrderEvent
	err := row.Scan(&ev.OrderID, &ev.ClientOrderID, &ev.Symbol, &ev.Side, &ev.Type,
		&ev.Status, &ev.Volume, &ev.Size, &ev.Price, &ev.Timestamp)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// LatestOrderEvent returns the most recent retained event for an order, or
// nil, nil when none is retained.
func (r *Repository) LatestOrderEvent(ctx context.Context, orderID string) (*domain.OrderEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM order_events WHERE order_id = ? ORDER BY id DESC LIMIT 1`, orderID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event for order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	return ev, nil
}

// OrderEvents returns all retained events for an order, oldest first.
func (r *Repository) OrderEvents(ctx context.Context, orderID string) ([]*domain.OrderEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM order_events WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []*domain.OrderEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w: %w", ports.ErrQueryFailed, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order event iteration failed: %w: %w", ports.ErrQueryFailed, err)
	}
	return out, nil
}

// --- ports.AuditLog ---

// RecordForeignOrder stores an audit record of an open order on the account
// that cannot be attributed to any managed trade. Audit records are purely
// observational; nothing ever acts on them automatically.
func (r *Repository) RecordForeignOrder(ctx context.Context, order *domain.Order, reason string) error {
	if order == nil || order.OrderID == "" {
		return fmt.Errorf("order with id is required: %w", ports.ErrInvalidRequest)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO foreign_order_audit (order_id, client_order_id, symbol, side, type, price, size, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID, order.ClientOrderID, order.Symbol, order.Side, order.Type,
		order.Price, order.Size, reason, r.now())
	if err != nil {
		return fmt.Errorf("failed to record foreign order %s: %w: %w", order.OrderID, ports.ErrUpdateFailed, err)
	}
	r.logger.Warn(ctx, "Foreign order recorded for audit", map[string]interface{}{
		"orderID": order.OrderID,
		"symbol":  order.Symbol,
		"reason":  reason,
	})
	return nil
}

// ForeignOrderCount returns the number of audit records (used by tests and
// operational checks).
func (r *Repository) ForeignOrderCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM foreign_order_audit`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count foreign orders: %w: %w", ports.ErrQueryFailed, err)
	}
	return n, nil
}

package ports

import (
	"context"
	"time"

	"spotLadderBot/internal/domain"
)

// QueuedCommand is a command as delivered from the durable stream.
type QueuedCommand struct {
	ID       int64 // stream-assigned, strictly increasing per enqueue order
	GroupKey string
	Command  domain.Command
	Enqueued time.Time
	Delivery int // 1 on first delivery, >1 on redelivery after reclaim
}

// CommandStream is an ordered, durable, at-least-once command stream with
// named consumer-group semantics: each group sees every command exactly once
// under normal operation, and a crashed consumer's unacknowledged deliveries
// are reclaimed by another consumer after an idle threshold.
type CommandStream interface {
	// Enqueue appends a command and returns its stream id.
	Enqueue(ctx context.Context, cmd *domain.Command) (int64, error)
	// ReadNext claims and returns the next command for the group, blocking
	// up to block. Commands whose previous claim in this group has been idle
	// longer than idleReclaim are redelivered. Returns nil, nil on timeout.
	ReadNext(ctx context.Context, group, consumer string, block, idleReclaim time.Duration) (*QueuedCommand, error)
	// Ack marks a delivery durably applied for the group. Only acknowledged
	// commands are never redelivered.
	Ack(ctx context.Context, group string, commandID int64) error
}

// GroupLocker provides short-lived named locks used for per-trade-group
// mutual exclusion across worker processes. Locks expire after their TTL so
// a crashed holder cannot wedge a group forever.
type GroupLocker interface {
	// Acquire attempts to take the named lock. Returns ErrLockNotAcquired
	// (wrapped) when another live owner holds it.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) error
	// Release frees the named lock if still held by owner.
	Release(ctx context.Context, name, owner string) error
}

// OrderEventStore persists the exchange's per-order event feed with a
// bounded retention TTL. The reconciliation listener writes it; the
// orchestrator polls it while waiting for fill confirmation.
type OrderEventStore interface {
	// AppendOrderEvent records one event for an order id.
	AppendOrderEvent(ctx context.Context, event *domain.OrderEvent) error
	// LatestOrderEvent returns the most recent retained event for an order,
	// or nil, nil if none is retained.
	LatestOrderEvent(ctx context.Context, orderID string) (*domain.OrderEvent, error)
	// OrderEvents returns all retained events for an order, oldest first.
	OrderEvents(ctx context.Context, orderID string) ([]*domain.OrderEvent, error)
}

// AuditLog records reconciliation observations that must never be acted on
// automatically, such as foreign orders on the account.
type AuditLog interface {
	RecordForeignOrder(ctx context.Context, order *domain.Order, reason string) error
}

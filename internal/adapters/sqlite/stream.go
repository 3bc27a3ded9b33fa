package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"
)

// claimPollInterval paces the blocking ReadNext loop; the stream is a
// durable table, so "blocking" is a bounded poll.
const claimPollInterval = 100 * time.Millisecond

// --- ports.CommandStream ---

// Enqueue validates and appends a command to the durable stream.
func (r *Repository) Enqueue(ctx context.Context, cmd *domain.Command) (int64, error) {
	if cmd == nil {
		return 0, fmt.Errorf("command is required: %w", ports.ErrInvalidRequest)
	}
	if err := cmd.Validate(); err != nil {
		return 0, fmt.Errorf("command rejected at bus boundary: %w: %w", ports.ErrInvalidRequest, err)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to encode command: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO commands (group_key, payload, enqueued_at) VALUES (?, ?, ?)`,
		cmd.GroupKey(), string(payload), r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue command: %w: %w", ports.ErrUpdateFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read command id: %w: %w", ports.ErrUpdateFailed, err)
	}
	return id, nil
}

// ReadNext claims the next deliverable command for the consumer group,
// blocking up to block. A command is deliverable when the group has never
// claimed it, or when its previous claim is unacknowledged and idle past
// idleReclaim (a crashed consumer's work being reclaimed). Commands sharing
// a group key are held back until every earlier command of that key is
// acknowledged, which preserves per-group submission order.
func (r *Repository) ReadNext(ctx context.Context, group, consumer string, block, idleReclaim time.Duration) (*ports.QueuedCommand, error) {
	if group == "" || consumer == "" {
		return nil, fmt.Errorf("consumer group and name are required: %w", ports.ErrInvalidRequest)
	}
	deadline := r.now().Add(block)
	for {
		qc, err := r.tryClaim(ctx, group, consumer, idleReclaim)
		if err != nil || qc != nil {
			return qc, err
		}
		if !r.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(claimPollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("command read: %w: %w", ports.ErrContextCanceled, ctx.Err())
		}
	}
}

func (r *Repository) tryClaim(ctx context.Context, group, consumer string, idleReclaim time.Duration) (*ports.QueuedCommand, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w: %w", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	now := r.now()
	reclaimBefore := now.Add(-idleReclaim)

	row := tx.QueryRowContext(ctx, `
		SELECT c.id, c.group_key, c.payload, c.enqueued_at, COALESCE(cl.deliveries, 0)
		FROM commands c
		LEFT JOIN command_claims cl ON cl.command_id = c.id AND cl.group_name = ?
		WHERE (cl.command_id IS NULL OR (cl.acked_at IS NULL AND cl.claimed_at <= ?))
		  AND NOT EXISTS (
			SELECT 1 FROM commands p
			LEFT JOIN command_claims pcl ON pcl.command_id = p.id AND pcl.group_name = ?
			WHERE p.group_key = c.group_key AND p.id < c.id
			  AND (pcl.command_id IS NULL OR pcl.acked_at IS NULL)
		  )
		ORDER BY c.id
		LIMIT 1`,
		group, reclaimBefore, group)

	var (
		id         int64
		groupKey   string
		payload    string
		enqueued   time.Time
		deliveries int
	)
	err = row.Scan(&id, &groupKey, &payload, &enqueued, &deliveries)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable command: %w: %w", ports.ErrQueryFailed, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO command_claims (command_id, group_name, consumer, claimed_at, deliveries)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(command_id, group_name) DO UPDATE SET
			consumer = excluded.consumer, claimed_at = excluded.claimed_at, deliveries = excluded.deliveries`,
		id, group, consumer, now, deliveries+1)
	if err != nil {
		return nil, fmt.Errorf("failed to claim command %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim of command %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}

	var cmd domain.Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, fmt.Errorf("failed to decode command %d payload: %w: %w", id, ports.ErrInvalidRequest, err)
	}
	return &ports.QueuedCommand{
		ID:       id,
		GroupKey: groupKey,
		Command:  cmd,
		Enqueued: enqueued,
		Delivery: deliveries + 1,
	}, nil
}

// Ack marks a delivery durably applied for the group.
func (r *Repository) Ack(ctx context.Context, group string, commandID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE command_claims SET acked_at = ? WHERE command_id = ? AND group_name = ? AND acked_at IS NULL`,
		r.now(), commandID, group)
	if err != nil {
		return fmt.Errorf("failed to ack command %d: %w: %w", commandID, ports.ErrUpdateFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already acked or never claimed; at-least-once makes this benign.
		r.logger.Debug(ctx, "Ack matched no pending claim", map[string]interface{}{
			"commandID": commandID,
			"group":     group,
		})
	}
	return nil
}

// --- ports.GroupLocker ---

// Acquire takes the named lock for owner with a lease TTL. A held,
// unexpired lock owned by someone else yields ErrLockNotAcquired; callers
// retry in a bounded loop, never recursively.
func (r *Repository) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" {
		return fmt.Errorf("lock name and owner are required: %w", ports.ErrInvalidRequest)
	}
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO group_locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE group_locks.owner = excluded.owner OR group_locks.expires_at <= ?`,
		name, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w: %w", name, ports.ErrUpdateFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read lock result for %s: %w: %w", name, ports.ErrUpdateFailed, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s: %w", name, ports.ErrLockNotAcquired)
	}
	return nil
}

// Release frees the named lock if still held by owner. Releasing a lock
// that expired and was taken over is a no-op.
func (r *Repository) Release(ctx context.Context, name, owner string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM group_locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w: %w", name, ports.ErrDeleteFailed, err)
	}
	return nil
}

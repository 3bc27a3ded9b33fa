package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"
)

func cancelCmd(tradeID string) *domain.Command {
	return &domain.Command{
		Action: domain.ActionCancel,
		Cancel: &domain.CancelCommand{TradeID: tradeID},
	}
}

// freezeClock pins the repository clock and returns an advance func.
func freezeClock(repo *Repository) func(d time.Duration) {
	current := time.Now().UTC()
	repo.now = func() time.Time { return current }
	return func(d time.Duration) { current = current.Add(d) }
}

func TestStream_EnqueueRejectsMalformed(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = repo.Enqueue(ctx, &domain.Command{Action: domain.ActionCancel, Cancel: &domain.CancelCommand{}})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = repo.Enqueue(ctx, &domain.Command{Action: "liquidate"})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestStream_ClaimAndAck(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	id1, err := repo.Enqueue(ctx, cancelCmd("t-1"))
	require.NoError(t, err)
	id2, err := repo.Enqueue(ctx, cancelCmd("t-2"))
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	qc, err := repo.ReadNext(ctx, "executors", "worker-a", 0, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, qc)
	assert.Equal(t, id1, qc.ID)
	assert.Equal(t, "t-1", qc.GroupKey)
	assert.Equal(t, 1, qc.Delivery)
	require.NotNil(t, qc.Command.Cancel)
	assert.Equal(t, "t-1", qc.Command.Cancel.TradeID)

	// Unrelated group keys interleave: a second worker gets the next
	// command while the first is still in flight.
	qc2, err := repo.ReadNext(ctx, "executors", "worker-b", 0, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, qc2)
	assert.Equal(t, id2, qc2.ID)

	require.NoError(t, repo.Ack(ctx, "executors", qc.ID))
	require.NoError(t, repo.Ack(ctx, "executors", qc2.ID))

	// Stream drained.
	qc3, err := repo.ReadNext(ctx, "executors", "worker-a", 0, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, qc3)

	// Double-ack is benign.
	require.NoError(t, repo.Ack(ctx, "executors", qc.ID))
}

func TestStream_PerGroupKeyOrdering(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	id1, err := repo.Enqueue(ctx, cancelCmd("t-1"))
	require.NoError(t, err)
	id2, err := repo.Enqueue(ctx, cancelCmd("t-1"))
	require.NoError(t, err)

	qc, err := repo.ReadNext(ctx, "executors", "worker-a", 0, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, qc)
	assert.Equal(t, id1, qc.ID)

	// The second command shares the group key and is held back until the
	// first is acknowledged.
	held, err := repo.ReadNext(ctx, "executors", "worker-b", 0, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, held)

	require.NoError(t, repo.Ack(ctx, "executors", qc.ID))

	next, err := repo.ReadNext(ctx, "executors", "worker-b", 0, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id2, next.ID)
}

func TestStream_IdleReclaim(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	advance := freezeClock(repo)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, cancelCmd("t-1"))
	require.NoError(t, err)

	qc, err := repo.ReadNext(ctx, "executors", "worker-a", 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, qc)
	assert.Equal(t, 1, qc.Delivery)

	// Still inside the idle window: the claim is respected.
	advance(30 * time.Second)
	blocked, err := repo.ReadNext(ctx, "executors", "worker-b", 0, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Past the idle window the unacked claim is treated as a crashed
	// consumer and redelivered with a bumped delivery counter.
	advance(31 * time.Second)
	reclaimed, err := repo.ReadNext(ctx, "executors", "worker-b", 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, id, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Delivery)

	require.NoError(t, repo.Ack(ctx, "executors", id))
	advance(2 * time.Minute)
	gone, err := repo.ReadNext(ctx, "executors", "worker-a", 0, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestStream_GroupIsolation(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, cancelCmd("t-1"))
	require.NoError(t, err)

	// Each consumer group gets its own delivery of the same command.
	exec, err := repo.ReadNext(ctx, "executors", "worker-a", 0, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, id, exec.ID)

	audit, err := repo.ReadNext(ctx, "auditors", "audit-a", 0, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, audit)
	assert.Equal(t, id, audit.ID)

	// An ack in one group does not consume the other group's claim.
	require.NoError(t, repo.Ack(ctx, "executors", id))
	again, err := repo.ReadNext(ctx, "executors", "worker-a", 0, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestGroupLocker(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	advance := freezeClock(repo)
	ctx := context.Background()

	require.NoError(t, repo.Acquire(ctx, "slb42", "worker-a", time.Minute))

	// Held by someone else.
	err := repo.Acquire(ctx, "slb42", "worker-b", time.Minute)
	assert.ErrorIs(t, err, ports.ErrLockNotAcquired)

	// Re-acquire by the holder refreshes the lease.
	advance(45 * time.Second)
	require.NoError(t, repo.Acquire(ctx, "slb42", "worker-a", time.Minute))

	// The refreshed lease still blocks others past the original expiry.
	advance(30 * time.Second)
	err = repo.Acquire(ctx, "slb42", "worker-b", time.Minute)
	assert.ErrorIs(t, err, ports.ErrLockNotAcquired)

	// An expired lease is taken over.
	advance(time.Minute)
	require.NoError(t, repo.Acquire(ctx, "slb42", "worker-b", time.Minute))

	// Release by the previous (ousted) owner is a no-op.
	require.NoError(t, repo.Release(ctx, "slb42", "worker-a"))
	err = repo.Acquire(ctx, "slb42", "worker-c", time.Minute)
	assert.ErrorIs(t, err, ports.ErrLockNotAcquired)

	// Release by the holder frees it immediately.
	require.NoError(t, repo.Release(ctx, "slb42", "worker-b"))
	require.NoError(t, repo.Acquire(ctx, "slb42", "worker-c", time.Minute))
}

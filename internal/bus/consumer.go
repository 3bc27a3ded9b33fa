// Package bus runs the command-consuming side of the durable stream: it
// claims commands for a consumer group, serializes work per trade group with
// a named lock, dispatches to a handler, and acknowledges only durably
// applied work.
package bus

import (
	"context"
	"errors"
	"time"

	"spotLadderBot/internal/metrics"
	"spotLadderBot/internal/ports"
	"spotLadderBot/internal/retry"
)

// CommandHandler applies one delivered command. A nil return means the
// command is durably applied (or permanently rejected) and safe to
// acknowledge; a transient error leaves the delivery unacknowledged for
// reclaim by another consumer.
type CommandHandler interface {
	HandleCommand(ctx context.Context, qc *ports.QueuedCommand) error
}

// GroupKeyResolver maps a delivered command to its effective serialization
// key. Amend and cancel commands may address the same trade by trade id or
// by order id; a handler that also implements this interface converges
// every identifier onto one lock name before dispatch.
type GroupKeyResolver interface {
	ResolveGroupKey(ctx context.Context, qc *ports.QueuedCommand) string
}

// Config holds configuration for a Consumer.
type Config struct {
	Group       string
	Consumer    string        // unique per process instance
	Block       time.Duration // max wait per ReadNext poll (default 5s)
	IdleReclaim time.Duration // claim idle threshold before redelivery (default 1m)
	LockTTL     time.Duration // per-group lock lease (default 30s)
	LockRetry   retry.Config  // bounded retry while the group lock is contended
}

// Consumer drains the command stream for one consumer group.
type Consumer struct {
	stream  ports.CommandStream
	locker  ports.GroupLocker
	handler CommandHandler
	logger  ports.Logger
	cfg     Config
}

// New creates a Consumer. All dependencies are required.
func New(stream ports.CommandStream, locker ports.GroupLocker, handler CommandHandler, logger ports.Logger, cfg Config) (*Consumer, error) {
	if stream == nil || locker == nil || handler == nil || logger == nil {
		return nil, errors.New("bus consumer requires stream, locker, handler, and logger")
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("bus consumer requires a group and consumer name")
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.IdleReclaim <= 0 {
		cfg.IdleReclaim = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Consumer{stream: stream, locker: locker, handler: handler, logger: logger, cfg: cfg}, nil
}

// Run consumes commands until ctx is cancelled. It returns nil on a clean
// shutdown and the terminal error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "Command consumer started", map[string]interface{}{
		"group":    c.cfg.Group,
		"consumer": c.cfg.Consumer,
	})
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info(ctx, "Command consumer stopping", map[string]interface{}{"group": c.cfg.Group})
			return nil
		}

		qc, err := c.stream.ReadNext(ctx, c.cfg.Group, c.cfg.Consumer, c.cfg.Block, c.cfg.IdleReclaim)
		if err != nil {
			if errors.Is(err, ports.ErrContextCanceled) {
				return nil
			}
			c.logger.Error(ctx, err, "Run: failed to read next command", map[string]interface{}{"group": c.cfg.Group})
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if qc == nil {
			continue // poll timeout, nothing pending
		}

		c.processOne(ctx, qc)
	}
}

// processOne serializes the command under its group lock and decides the
// delivery's fate: ack on applied or poison, leave unacked on transient
// failure so another consumer reclaims it.
func (c *Consumer) processOne(ctx context.Context, qc *ports.QueuedCommand) {
	action := string(qc.Command.Action)
	if qc.Delivery > 1 {
		metrics.CommandRedeliveries.Inc()
		c.logger.Warn(ctx, "processOne: redelivered command", map[string]interface{}{
			"commandID": qc.ID,
			"groupKey":  qc.GroupKey,
			"delivery":  qc.Delivery,
		})
	}

	lockName := qc.GroupKey
	if r, ok := c.handler.(GroupKeyResolver); ok {
		if name := r.ResolveGroupKey(ctx, qc); name != "" {
			lockName = name
		}
	}
	err := retry.Do(ctx, c.cfg.LockRetry, c.logger, "acquire group lock", func(ctx context.Context) error {
		return c.locker.Acquire(ctx, lockName, c.cfg.Consumer, c.cfg.LockTTL)
	})
	if err != nil {
		// Another worker owns the group; the unacked claim is reclaimed
		// after the idle threshold, preserving per-group order.
		metrics.CommandsTotal.WithLabelValues(action, "requeued").Inc()
		c.logger.Warn(ctx, "processOne: group lock contended, leaving command for reclaim", map[string]interface{}{
			"commandID": qc.ID,
			"groupKey":  qc.GroupKey,
		})
		return
	}
	// A handler can run past the lock TTL (a slow add blocks on entry-fill
	// confirmation). Renew the lease until it returns so another worker
	// cannot take the group mid-command.
	keepCtx, stopKeepalive := context.WithCancel(ctx)
	go c.keepLockAlive(keepCtx, lockName)
	defer func() {
		stopKeepalive()
		if err := c.locker.Release(ctx, lockName, c.cfg.Consumer); err != nil {
			c.logger.Error(ctx, err, "processOne: failed to release group lock", map[string]interface{}{"groupKey": qc.GroupKey})
		}
	}()

	if err := c.handler.HandleCommand(ctx, qc); err != nil {
		if retry.IsTransient(err) {
			metrics.CommandsTotal.WithLabelValues(action, "requeued").Inc()
			c.logger.Warn(ctx, "processOne: transient failure, leaving command for reclaim", map[string]interface{}{
				"commandID": qc.ID,
				"groupKey":  qc.GroupKey,
				"error":     err.Error(),
			})
			return
		}
		// Permanent failure: acknowledge so the poison command is not
		// redelivered forever.
		metrics.CommandsTotal.WithLabelValues(action, "poison").Inc()
		c.logger.Error(ctx, err, "processOne: permanent failure, discarding command", map[string]interface{}{
			"commandID": qc.ID,
			"groupKey":  qc.GroupKey,
		})
	} else {
		metrics.CommandsTotal.WithLabelValues(action, "ok").Inc()
	}

	if err := c.stream.Ack(ctx, c.cfg.Group, qc.ID); err != nil {
		// At-least-once: a failed ack means a future redelivery, which
		// handlers must tolerate.
		c.logger.Error(ctx, err, "processOne: failed to ack command", map[string]interface{}{
			"commandID": qc.ID,
			"group":     c.cfg.Group,
		})
	}
}

// keepLockAlive renews the group lock lease at half-TTL intervals until
// ctx is cancelled. Re-acquiring a lock we already own refreshes its
// expiry; losing the lease stops the renewals.
func (c *Consumer) keepLockAlive(ctx context.Context, name string) {
	ticker := time.NewTicker(c.cfg.LockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.locker.Acquire(ctx, name, c.cfg.Consumer, c.cfg.LockTTL); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn(ctx, "keepLockAlive: lost group lock lease", map[string]interface{}{
					"lock":  name,
					"error": err.Error(),
				})
			}
			return
		}
	}
}

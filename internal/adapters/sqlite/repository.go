// Package sqlite implements the durable stores of the system on a single
// SQLite database: the trade ledger, the command stream with consumer-group
// claims, the per-trade-group locks, the order-event history, and the
// foreign-order audit log.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jpillora/backoff"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// maxCASAttempts bounds the optimistic-concurrency retry loop of
// UpdateAtomically. Contention beyond this is surfaced, never recursed into.
const maxCASAttempts = 5

// Repository implements ports.Ledger, ports.CommandStream, ports.GroupLocker,
// ports.OrderEventStore and ports.AuditLog on one SQLite database.
type Repository struct {
	db       *sql.DB
	logger   ports.Logger
	eventTTL time.Duration
	now      func() time.Time // overridable in tests
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath   string
	Logger   ports.Logger
	EventTTL time.Duration // retention of order events (default 24h)
}

// NewRepository opens (and if needed creates) the database and its schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/spot_ladder_bot.db"
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 24 * time.Hour
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for concurrent readers; the Go driver still benefits from a
	// single writer connection.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger, eventTTL: cfg.EventTTL, now: func() time.Time { return time.Now().UTC() }}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite repository initialized", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_price REAL NOT NULL,
		position_size REAL NOT NULL,
		remaining_size REAL NOT NULL,
		stop_loss_price REAL NOT NULL,
		take_profits TEXT NOT NULL,
		entry_order_id TEXT DEFAULT NULL,
		stop_loss_order_id TEXT DEFAULT NULL,
		userref INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_entry_order ON trades (entry_order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_stop_order ON trades (stop_loss_order_id);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_group ON commands (group_key, id);

	CREATE TABLE IF NOT EXISTS command_claims (
		command_id INTEGER NOT NULL,
		group_name TEXT NOT NULL,
		consumer TEXT NOT NULL,
		claimed_at TIMESTAMP NOT NULL,
		acked_at TIMESTAMP DEFAULT NULL,
		deliveries INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (command_id, group_name)
	);

	CREATE TABLE IF NOT EXISTS group_locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		client_order_id TEXT DEFAULT NULL,
		symbol TEXT DEFAULT NULL,
		side TEXT DEFAULT NULL,
		type TEXT DEFAULT NULL,
		status TEXT NOT NULL,
		volume REAL NOT NULL,
		size REAL NOT NULL,
		price REAL NOT NULL,
		ts TIMESTAMP NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events (order_id, id);

	CREATE TABLE IF NOT EXISTS foreign_order_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		client_order_id TEXT DEFAULT NULL,
		symbol TEXT DEFAULT NULL,
		side TEXT DEFAULT NULL,
		type TEXT DEFAULT NULL,
		price REAL NOT NULL,
		size REAL NOT NULL,
		reason TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// --- ports.Ledger ---

const tradeColumns = `trade_id, symbol, side, status, entry_price, position_size, remaining_size,
	stop_loss_price, take_profits, entry_order_id, stop_loss_order_id, userref, created_at, updated_at, version`

func scanTrade(row interface {
	Scan(dest ...interface{}) error
}) (*domain.TradeEntry, error) {
	var t domain.TradeEntry
	var tps string
	var entryID, stopID sql.NullString
	err := row.Scan(&t.TradeID, &t.Symbol, &t.Side, &t.Status, &t.EntryPrice, &t.PositionSize,
		&t.RemainingSize, &t.StopLossPrice, &tps, &entryID, &stopID, &t.UserRef,
		&t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tps), &t.TakeProfits); err != nil {
		return nil, fmt.Errorf("failed to decode take profits: %w", err)
	}
	if entryID.Valid {
		t.EntryOrderID = &entryID.String
	}
	if stopID.Valid {
		t.StopLossOrderID = &stopID.String
	}
	return &t, nil
}

// Get retrieves a trade by id. Returns nil, nil when not found.
func (r *Repository) Get(ctx context.Context, tradeID string) (*domain.TradeEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w: %w", tradeID, ports.ErrQueryFailed, err)
	}
	return t, nil
}

// GetBySymbol retrieves all trades for a symbol, oldest first.
func (r *Repository) GetBySymbol(ctx context.Context, symbol string) ([]*domain.TradeEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE symbol = ? ORDER BY created_at, trade_id`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []*domain.TradeEntry
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w: %w", ports.ErrQueryFailed, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade row iteration failed: %w: %w", ports.ErrQueryFailed, err)
	}
	return out, nil
}

// Symbols lists the distinct symbols that currently have trades.
func (r *Repository) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM trades ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade symbols: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol row: %w: %w", ports.ErrQueryFailed, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("symbol row iteration failed: %w: %w", ports.ErrQueryFailed, err)
	}
	return out, nil
}

// FindByOrderID retrieves the trade bound to an external order id, either as
// its entry or as its protective stop. Returns nil, nil when none matches.
func (r *Repository) FindByOrderID(ctx context.Context, orderID string) (*domain.TradeEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE entry_order_id = ? OR stop_loss_order_id = ? LIMIT 1`,
		orderID, orderID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trade by order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	return t, nil
}

// Write inserts or fully replaces a trade entry (single-writer semantics,
// version reset on replace).
func (r *Repository) Write(ctx context.Context, entry *domain.TradeEntry) error {
	if entry == nil || entry.TradeID == "" {
		return fmt.Errorf("trade entry with id is required: %w", ports.ErrInvalidRequest)
	}
	tps, err := json.Marshal(entry.TakeProfits)
	if err != nil {
		return fmt.Errorf("failed to encode take profits: %w", err)
	}
	now := r.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Version == 0 {
		entry.Version = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			symbol = excluded.symbol, side = excluded.side, status = excluded.status,
			entry_price = excluded.entry_price, position_size = excluded.position_size,
			remaining_size = excluded.remaining_size, stop_loss_price = excluded.stop_loss_price,
			take_profits = excluded.take_profits, entry_order_id = excluded.entry_order_id,
			stop_loss_order_id = excluded.stop_loss_order_id, userref = excluded.userref,
			updated_at = excluded.updated_at, version = excluded.version`,
		entry.TradeID, entry.Symbol, entry.Side, entry.Status, entry.EntryPrice, entry.PositionSize,
		entry.RemainingSize, entry.StopLossPrice, string(tps), nullable(entry.EntryOrderID),
		nullable(entry.StopLossOrderID), entry.UserRef, entry.CreatedAt, entry.UpdatedAt, entry.Version)
	if err != nil {
		return fmt.Errorf("failed to write trade %s: %w: %w", entry.TradeID, ports.ErrUpdateFailed, err)
	}
	return nil
}

// Delete removes a trade entry. Deleting an absent trade is not an error.
func (r *Repository) Delete(ctx context.Context, tradeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM trades WHERE trade_id = ?`, tradeID)
	if err != nil {
		return fmt.Errorf("failed to delete trade %s: %w: %w", tradeID, ports.ErrDeleteFailed, err)
	}
	return nil
}

// UpdateAtomically applies fn under optimistic concurrency: the row version
// is compared on write and, on conflict, the entry is re-read and fn
// re-applied. The loop is bounded with backoff between attempts; sustained
// contention surfaces as ErrVersionConflict rather than unbounded recursion.
func (r *Repository) UpdateAtomically(ctx context.Context, tradeID string, fn ports.UpdateFn) (*domain.TradeEntry, error) {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2, Jitter: true}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		current, err := r.Get(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, nil
		}

		updated := fn(current.Clone())
		if updated == nil {
			return current, nil
		}
		updated.TradeID = current.TradeID // the id is immutable
		updated.CreatedAt = current.CreatedAt

		tps, err := json.Marshal(updated.TakeProfits)
		if err != nil {
			return nil, fmt.Errorf("failed to encode take profits: %w", err)
		}
		updated.UpdatedAt = r.now()
		updated.Version = current.Version + 1

		res, err := r.db.ExecContext(ctx, `
			UPDATE trades SET symbol = ?, side = ?, status = ?, entry_price = ?, position_size = ?,
				remaining_size = ?, stop_loss_price = ?, take_profits = ?, entry_order_id = ?,
				stop_loss_order_id = ?, userref = ?, updated_at = ?, version = ?
			WHERE trade_id = ? AND version = ?`,
			updated.Symbol, updated.Side, updated.Status, updated.EntryPrice, updated.PositionSize,
			updated.RemainingSize, updated.StopLossPrice, string(tps), nullable(updated.EntryOrderID),
			nullable(updated.StopLossOrderID), updated.UserRef, updated.UpdatedAt, updated.Version,
			tradeID, current.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to update trade %s: %w: %w", tradeID, ports.ErrUpdateFailed, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read update result for trade %s: %w: %w", tradeID, ports.ErrUpdateFailed, err)
		}
		if n == 1 {
			return updated, nil
		}

		// Lost the race; another writer bumped the version. Re-read and retry.
		r.logger.Debug(ctx, "Atomic update conflict, retrying", map[string]interface{}{
			"tradeID": tradeID,
			"attempt": attempt,
		})
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, fmt.Errorf("atomic update of trade %s: %w: %w", tradeID, ports.ErrContextCanceled, ctx.Err())
		}
	}
	return nil, fmt.Errorf("atomic update of trade %s exhausted %d attempts: %w", tradeID, maxCASAttempts, ports.ErrVersionConflict)
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

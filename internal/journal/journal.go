// Package journal persists completed trades to Postgres for later analysis.
// Journaling is best-effort: a write failure is logged by the caller and
// never affects trading.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry records a confirmed position open.
type Entry struct {
	Symbol   string
	Side     string
	Qty      float64
	Price    float64
	Ts       time.Time
	Strategy string
}

// Exit records a confirmed position close.
type Exit struct {
	Symbol     string
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Reason     string
	Ts         time.Time
}

// Journal is the trade persistence contract.
type Journal interface {
	RecordEntry(ctx context.Context, e Entry) error
	RecordExit(ctx context.Context, e Exit) error
	Close()
}

// Nop discards every record. Used when no DSN is configured.
type Nop struct{}

// RecordEntry discards the record.
func (Nop) RecordEntry(context.Context, Entry) error { return nil }

// RecordExit discards the record.
func (Nop) RecordExit(context.Context, Exit) error { return nil }

// Close is a no-op.
func (Nop) Close() {}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id BIGSERIAL PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION,
	exit_price DOUBLE PRECISION,
	entry_time TIMESTAMPTZ,
	exit_time TIMESTAMPTZ,
	profit_loss DOUBLE PRECISION,
	exit_reason TEXT,
	strategy TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres journals trades through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the trades table exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// RecordEntry inserts an open-side trade row.
func (j *Postgres) RecordEntry(ctx context.Context, e Entry) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO trades (symbol, side, quantity, entry_price, entry_time, strategy)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Symbol, e.Side, e.Qty, e.Price, e.Ts, e.Strategy)
	if err != nil {
		return fmt.Errorf("journal: record entry: %w", err)
	}
	return nil
}

// RecordExit closes the most recent open trade row for the symbol.
func (j *Postgres) RecordExit(ctx context.Context, e Exit) error {
	_, err := j.pool.Exec(ctx,
		`UPDATE trades SET exit_price = $1, exit_time = $2, profit_loss = $3, exit_reason = $4
		 WHERE id = (
			SELECT id FROM trades
			WHERE symbol = $5 AND exit_time IS NULL
			ORDER BY entry_time DESC LIMIT 1
		 )`,
		e.ExitPrice, e.Ts, e.PnL, e.Reason, e.Symbol)
	if err != nil {
		return fmt.Errorf("journal: record exit: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (j *Postgres) Close() { j.pool.Close() }

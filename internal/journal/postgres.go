package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresJournal stores the trade ledger in PostgreSQL, sharing the plan
// store's connection pool.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresJournal runs the ledger migrations on the shared pool.
func NewPostgresJournal(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (*PostgresJournal, error) {
	j := &PostgresJournal{pool: pool, logger: logger.With().Str("component", "trade_journal").Logger()}
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trade_fills (
			id BIGSERIAL PRIMARY KEY,
			trade_id VARCHAR(64) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			tag VARCHAR(100),
			filled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_fills_trade ON trade_fills(trade_id)`,
		`CREATE TABLE IF NOT EXISTS trade_cancellations (
			trade_id VARCHAR(64) PRIMARY KEY,
			reason TEXT NOT NULL,
			cancelled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return nil, fmt.Errorf("journal migration failed: %w", err)
		}
	}
	return j, nil
}

func (j *PostgresJournal) RecordEntryFill(ctx context.Context, tradeID string, price, qty float64, tag string) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO trade_fills (trade_id, price, quantity, tag, filled_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tradeID, price, qty, tag, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record fill for trade %s: %w", tradeID, err)
	}
	j.logger.Debug().Str("trade_id", tradeID).Float64("price", price).Float64("qty", qty).Str("tag", tag).Msg("entry fill recorded")
	return nil
}

func (j *PostgresJournal) CancelTrade(ctx context.Context, tradeID, reason string) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO trade_cancellations (trade_id, reason)
		VALUES ($1, $2)
		ON CONFLICT (trade_id) DO UPDATE SET reason = EXCLUDED.reason, cancelled_at = NOW()`,
		tradeID, reason,
	)
	if err != nil {
		return fmt.Errorf("cancel trade %s: %w", tradeID, err)
	}
	return nil
}

// compile-time interface check
var _ Journal = (*PostgresJournal)(nil)

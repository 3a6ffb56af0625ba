package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ladder-trading-bot/internal/plan"
)

// PostgresStore persists plans in PostgreSQL. The frequently-queried fields
// live in columns; the full plan document rides along as JSONB so the model
// can grow without a migration per field.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgresStore connects, configures the pool and runs migrations.
func NewPostgresStore(ctx context.Context, cfg Config, logger zerolog.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger.With().Str("component", "plan_store").Logger()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so the trade journal can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entry_plans (
			id UUID PRIMARY KEY,
			trade_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			cancel_reason TEXT,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entry_plans_status ON entry_plans(status)`,
		`CREATE INDEX IF NOT EXISTS idx_entry_plans_user ON entry_plans(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entry_plans_symbol ON entry_plans(symbol)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, p *plan.EntryPlan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", p.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entry_plans (id, trade_id, user_id, symbol, status, cancel_reason, data, created_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cancel_reason = EXCLUDED.cancel_reason,
			data = EXCLUDED.data,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()`,
		p.ID, p.TradeID, p.UserID, p.Symbol, string(p.Status), p.CancelReason, data, p.CreatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, planID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM entry_plans WHERE id = $1`, planID); err != nil {
		return fmt.Errorf("delete plan %s: %w", planID, err)
	}
	return nil
}

func (s *PostgresStore) LoadActive(ctx context.Context) ([]*plan.EntryPlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM entry_plans WHERE status NOT IN ('filled', 'cancelled') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load active plans: %w", err)
	}
	defer rows.Close()
	return scanPlans(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, includeTerminal bool) ([]*plan.EntryPlan, error) {
	query := `SELECT data FROM entry_plans WHERE user_id = $1`
	if !includeTerminal {
		query += ` AND status NOT IN ('filled', 'cancelled')`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list plans for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanPlans(rows)
}

func (s *PostgresStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM entry_plans
		WHERE status IN ('filled', 'cancelled')
		AND COALESCE(completed_at, updated_at) < $1`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("purge terminal plans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPlans(rows rowScanner) ([]*plan.EntryPlan, error) {
	var out []*plan.EntryPlan
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p plan.EntryPlan
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)

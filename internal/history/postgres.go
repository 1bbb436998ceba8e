package history

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/ledger"
)

// DBConfig holds the Postgres connection settings.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// Configured reports whether a database host was provided at all.
func (c DBConfig) Configured() bool {
	return c.Host != ""
}

// PostgresRecorder persists closed trades to Postgres. Entry conditions are
// stored as a text array so the weekly win-rate query can unnest them.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

func NewPostgresRecorder(ctx context.Context, cfg DBConfig) (*PostgresRecorder, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRecorder{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Printf("[HISTORY] Connected to PostgreSQL database %s", cfg.Database)
	return r, nil
}

func (r *PostgresRecorder) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS closed_trades (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			reason VARCHAR(40) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			conditions TEXT[] NOT NULL DEFAULT '{}',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at)`,
	}

	for i, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

func (r *PostgresRecorder) Close() {
	r.pool.Close()
}

func (r *PostgresRecorder) RecordTrade(ctx context.Context, trade ledger.ClosedTrade) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO closed_trades
			(id, symbol, reason, quantity, entry_price, exit_price, pnl, pnl_percent, conditions, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		trade.ID, trade.Symbol, trade.Reason, trade.Quantity,
		trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.PnLPercent,
		trade.Conditions, trade.OpenedAt, trade.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert closed trade %s: %w", trade.ID, err)
	}
	return nil
}

func (r *PostgresRecorder) RecentTrades(ctx context.Context, limit int) ([]ledger.ClosedTrade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, symbol, reason, quantity, entry_price, exit_price, pnl, pnl_percent, conditions, opened_at, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	var trades []ledger.ClosedTrade
	for rows.Next() {
		var t ledger.ClosedTrade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Reason, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.PnL, &t.PnLPercent,
			&t.Conditions, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (r *PostgresRecorder) ConditionWinRates(ctx context.Context, since time.Time) (map[string]factors.ConditionStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cond, COUNT(*), COUNT(*) FILTER (WHERE pnl > 0)
		FROM closed_trades, UNNEST(conditions) AS cond
		WHERE closed_at >= $1
		GROUP BY cond`, since)
	if err != nil {
		return nil, fmt.Errorf("query condition win rates: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]factors.ConditionStats)
	for rows.Next() {
		var cond string
		var trades, wins int
		if err := rows.Scan(&cond, &trades, &wins); err != nil {
			return nil, fmt.Errorf("scan win rate row: %w", err)
		}
		stats[cond] = factors.ConditionStats{Trades: trades, Wins: wins}
	}
	return stats, rows.Err()
}

func (r *PostgresRecorder) AggregateStats(ctx context.Context, since time.Time) (int, int, float64, error) {
	var wins, trades int
	var pnl float64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE pnl > 0), COUNT(*), COALESCE(SUM(pnl), 0)
		FROM closed_trades
		WHERE closed_at >= $1`, since).Scan(&wins, &trades, &pnl)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("query aggregate stats: %w", err)
	}
	return wins, trades, pnl, nil
}

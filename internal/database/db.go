// Package database is the DAO facade over PostgreSQL. It exclusively owns
// the persistent rows; every write runs inside an explicit transaction.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"perp-trading-agent/internal/logging"
)

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logging.New("database")
	log.Info().Str("database", cfg.Database).Msg("connected to postgres")
	return &DB{Pool: pool, log: log}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id SERIAL PRIMARY KEY,
			name VARCHAR(50) NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			venue_order_id VARCHAR(64),
			client_order_id VARCHAR(64) NOT NULL UNIQUE,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			type VARCHAR(24) NOT NULL,
			status VARCHAR(16) NOT NULL CHECK (status IN
				('pending','open','partial','filled','cancelled','rejected','expired')),
			price DECIMAL(20, 8),
			amount DECIMAL(20, 8) NOT NULL,
			filled DECIMAL(20, 8) NOT NULL DEFAULT 0,
			average DECIMAL(20, 8),
			fee DECIMAL(20, 8),
			fee_currency VARCHAR(10),
			stop_price DECIMAL(20, 8),
			linked_decision_id BIGINT,
			raw_payload TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			venue_id VARCHAR(64),
			order_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			cost DECIMAL(20, 8) NOT NULL,
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			is_open BOOLEAN NOT NULL DEFAULT TRUE,
			amount DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8),
			leverage INTEGER NOT NULL DEFAULT 1,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			entry_fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_open
			ON positions(exchange_id, symbol, side) WHERE is_open`,

		`CREATE TABLE IF NOT EXISTS closed_positions (
			id BIGSERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			exit_order_id VARCHAR(64),
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 1,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			realized_pnl_pct DECIMAL(10, 4) NOT NULL,
			holding_duration_seconds BIGINT NOT NULL,
			close_reason VARCHAR(16) NOT NULL CHECK (close_reason IN
				('manual','stop_loss','take_profit','liquidation','system','unknown')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (holding_duration_seconds >= 0),
			CHECK (exit_time >= entry_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_exit ON closed_positions(exit_time)`,

		`CREATE TABLE IF NOT EXISTS klines (
			id BIGSERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(30) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL,
			UNIQUE(exchange_id, symbol, timeframe, timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id BIGSERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			snapshot_date TIMESTAMPTZ NOT NULL,
			wallet_balance DECIMAL(20, 8) NOT NULL,
			available_balance DECIMAL(20, 8) NOT NULL,
			margin_balance DECIMAL(20, 8) NOT NULL,
			unrealized_pnl DECIMAL(20, 8) NOT NULL,
			positions JSONB NOT NULL DEFAULT '[]',
			position_count INTEGER NOT NULL DEFAULT 0,
			archive_reason VARCHAR(16) NOT NULL DEFAULT 'auto',
			is_archive BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE(exchange_id, snapshot_date)
		)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			layer VARCHAR(10) NOT NULL CHECK (layer IN ('strategic','tactical')),
			model_used VARCHAR(80),
			tokens_used INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			input JSONB,
			output JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_layer_created ON decisions(layer, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS account_settings (
			id SERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL UNIQUE REFERENCES exchanges(id),
			initial_capital DECIMAL(20, 8) NOT NULL,
			capital_currency VARCHAR(10) NOT NULL DEFAULT 'USDT',
			set_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}

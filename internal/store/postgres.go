package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/position"
)

// PostgresConfig holds the analytics database connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// AnalyticsStore mirrors position state into PostgreSQL for reporting.
// Writes are best-effort; the primary store remains the source of truth.
type AnalyticsStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewAnalyticsStore connects the pool and pings it.
func NewAnalyticsStore(cfg PostgresConfig, logger zerolog.Logger) (*AnalyticsStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("Connected to analytics store")
	return &AnalyticsStore{
		pool:   pool,
		logger: logger.With().Str("component", "AnalyticsStore").Logger(),
	}, nil
}

// Close releases the pool.
func (s *AnalyticsStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations creates the mirror tables.
func (s *AnalyticsStore) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS exchange_positions (
			key TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			position_side TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			avg_entry_price DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			opened_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_positions (
			strategy_position_id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			position_side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION,
			take_profit DOUBLE PRECISION,
			status TEXT NOT NULL,
			close_reason TEXT,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			exit_price DOUBLE PRECISION,
			unprotected BOOLEAN NOT NULL DEFAULT FALSE,
			opened_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS position_contributions (
			id BIGSERIAL PRIMARY KEY,
			strategy_position_id TEXT NOT NULL,
			position_key TEXT NOT NULL,
			sequence_number BIGINT NOT NULL,
			qty_delta DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			pnl_at_close DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_positions_symbol
			ON strategy_positions (symbol, position_side)`,
		`CREATE INDEX IF NOT EXISTS idx_contributions_position
			ON position_contributions (position_key, sequence_number)`,
	}
	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.logger.Info().Msg("Analytics migrations applied")
	return nil
}

// SaveExchangePosition upserts the aggregate position row.
func (s *AnalyticsStore) SaveExchangePosition(ctx context.Context, pos *position.ExchangePosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exchange_positions
			(key, symbol, position_side, quantity, avg_entry_price, realized_pnl, status, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		pos.Key.String(), pos.Key.Symbol, string(pos.Key.Side),
		pos.Quantity, pos.AvgEntryPrice, pos.RealizedPnL,
		string(pos.Status), pos.OpenedAt, pos.UpdatedAt,
	)
	return err
}

// SaveStrategyPosition upserts the strategy position row.
func (s *AnalyticsStore) SaveStrategyPosition(ctx context.Context, sp *position.StrategyPosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO strategy_positions
			(strategy_position_id, strategy_id, symbol, position_side, entry_price, quantity,
			 stop_loss, take_profit, status, close_reason, realized_pnl, exit_price,
			 unprotected, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (strategy_position_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			status = EXCLUDED.status,
			close_reason = EXCLUDED.close_reason,
			realized_pnl = EXCLUDED.realized_pnl,
			exit_price = EXCLUDED.exit_price,
			unprotected = EXCLUDED.unprotected,
			closed_at = EXCLUDED.closed_at`,
		sp.ID, sp.StrategyID, sp.Symbol, string(sp.Side), sp.EntryPrice, sp.Quantity,
		sp.StopLoss, sp.TakeProfit, string(sp.Status), string(sp.CloseReason),
		sp.RealizedPnL, sp.ExitPrice, sp.Unprotected, sp.OpenedAt, sp.ClosedAt,
	)
	return err
}

// AppendContribution inserts one ledger row.
func (s *AnalyticsStore) AppendContribution(ctx context.Context, c *position.Contribution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO position_contributions
			(strategy_position_id, position_key, sequence_number, qty_delta, price, recorded_at, pnl_at_close)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.StrategyPositionID, c.Key.String(), c.Sequence, c.QtyDelta, c.Price, c.Time, c.PnLAtClose,
	)
	return err
}

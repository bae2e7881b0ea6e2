package tracker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
)

// PostgresStore persists tracking records in the alert_tracking table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pgx-backed record store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get loads the record for (symbol, market), reporting absence without
// error.
func (s *PostgresStore) Get(ctx context.Context, symbol string, m market.Market) (Record, bool, error) {
	query := `
		SELECT last_alert_price, last_alert_date::text, highest_threshold, timeframe
		FROM alert_tracking
		WHERE symbol = $1 AND market = $2
	`

	rec := Record{Symbol: symbol, Market: m}
	var timeframe string
	err := s.pool.QueryRow(ctx, query, symbol, string(m)).
		Scan(&rec.LastAlertPrice, &rec.LastAlertDate, &rec.HighestThreshold, &timeframe)
	if err == pgx.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("query tracking record: %w", err)
	}
	rec.Timeframe = history.Timeframe(timeframe)
	return rec, true, nil
}

// Upsert writes the record, replacing any existing one for the key.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO alert_tracking (symbol, market, last_alert_price, last_alert_date, highest_threshold, timeframe, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (symbol, market) DO UPDATE SET
			last_alert_price = EXCLUDED.last_alert_price,
			last_alert_date = EXCLUDED.last_alert_date,
			highest_threshold = EXCLUDED.highest_threshold,
			timeframe = EXCLUDED.timeframe,
			updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query,
		rec.Symbol, string(rec.Market), rec.LastAlertPrice, rec.LastAlertDate,
		rec.HighestThreshold, string(rec.Timeframe))
	if err != nil {
		return fmt.Errorf("upsert tracking record: %w", err)
	}
	return nil
}

// Delete removes the record for (symbol, market). Deleting a missing
// record is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, symbol string, m market.Market) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM alert_tracking WHERE symbol = $1 AND market = $2`,
		symbol, string(m))
	if err != nil {
		return fmt.Errorf("delete tracking record: %w", err)
	}
	return nil
}

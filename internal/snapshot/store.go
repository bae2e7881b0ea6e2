// Package snapshot persists one closing price per (symbol, date) and
// serves the nearest-date lookups the historical price resolver leans on
// when the fast cache misses.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DefaultRetentionDays is how much snapshot history is kept. A year of
// lookback plus the widest tolerance window fits comfortably inside it.
const DefaultRetentionDays = 400

// Snapshot is a single end-of-day closing price.
type Snapshot struct {
	Symbol     string    `json:"symbol"`
	Date       time.Time `json:"date"`
	ClosePrice float64   `json:"close_price"`
}

// Store reads and writes daily snapshots in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore creates a snapshot store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "snapshot-store").Logger(),
	}
}

// Upsert writes the closing price for (symbol, date). Writing the same
// key again replaces the price, it never appends a second row.
func (s *Store) Upsert(ctx context.Context, symbol string, date time.Time, price float64) error {
	query := `
		INSERT INTO daily_snapshots (symbol, date, close_price)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, date) DO UPDATE SET
			close_price = EXCLUDED.close_price
	`

	if _, err := s.pool.Exec(ctx, query, symbol, Day(date), price); err != nil {
		return fmt.Errorf("upsert snapshot %s@%s: %w", symbol, date.Format("2006-01-02"), err)
	}
	return nil
}

// Nearest returns the snapshot closest to target within ±toleranceDays.
// When two rows are equally close the earlier date wins, so repeated
// lookups are deterministic.
func (s *Store) Nearest(ctx context.Context, symbol string, target time.Time, toleranceDays int) (Snapshot, bool, error) {
	query := `
		SELECT symbol, date, close_price
		FROM daily_snapshots
		WHERE symbol = $1
		  AND date BETWEEN $2 AND $3
		ORDER BY ABS(date - $4::date), date
		LIMIT 1
	`

	day := Day(target)
	lo := day.AddDate(0, 0, -toleranceDays)
	hi := day.AddDate(0, 0, toleranceDays)

	var snap Snapshot
	err := s.pool.QueryRow(ctx, query, symbol, lo, hi, day).
		Scan(&snap.Symbol, &snap.Date, &snap.ClosePrice)
	if err == pgx.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("nearest snapshot %s: %w", symbol, err)
	}
	return snap, true, nil
}

// Range returns snapshots for a symbol between start and end inclusive,
// ordered by date ascending.
func (s *Store) Range(ctx context.Context, symbol string, start, end time.Time) ([]Snapshot, error) {
	query := `
		SELECT symbol, date, close_price
		FROM daily_snapshots
		WHERE symbol = $1
		  AND date BETWEEN $2 AND $3
		ORDER BY date
	`

	rows, err := s.pool.Query(ctx, query, symbol, Day(start), Day(end))
	if err != nil {
		return nil, fmt.Errorf("range snapshots %s: %w", symbol, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.Symbol, &snap.Date, &snap.ClosePrice); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// PurgeOlderThan deletes snapshots strictly older than cutoff and returns
// how many rows were removed. The count is taken before deleting so the
// number is always reported even if the delete half fails.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	day := Day(cutoff)

	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM daily_snapshots WHERE date < $1`, day).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stale snapshots: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM daily_snapshots WHERE date < $1`, day); err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}

	s.logger.Info().
		Int64("deleted", count).
		Str("cutoff", day.Format("2006-01-02")).
		Msg("purged stale snapshots")
	return count, nil
}

// Day truncates a timestamp to its civil date boundary, dropping the
// time-of-day and keeping the location.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// RetentionCutoff computes the purge horizon: retentionDays before now,
// truncated to a civil date boundary.
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	return Day(now.AddDate(0, 0, -retentionDays))
}

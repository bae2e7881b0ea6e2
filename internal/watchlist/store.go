// Package watchlist owns the symbol-to-user fan-out: which users watch a
// symbol, the persisted symbol-level alert rows, and the per-user
// notified bookkeeping the router updates after dispatch.
package watchlist

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/crash"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
)

// Recipient is one user who must be notified about a symbol.
type Recipient struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
}

// Store reads watchlist fan-out data and persists alerts in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore creates a watchlist store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "watchlist-store").Logger(),
	}
}

// InsertAlert persists a triggered alert and returns its generated ID,
// which links user_alerts rows and the mark-notified update.
func (s *Store) InsertAlert(ctx context.Context, trig crash.AlertTrigger) (string, error) {
	query := `
		INSERT INTO alerts (
			id, symbol, market, current_price, historical_price,
			drop_pct, threshold, timeframe, reason, critical, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`

	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, query,
		id, trig.Symbol, string(trig.Market), trig.CurrentPrice, trig.HistoricalPrice,
		trig.DropPct, trig.Threshold, string(trig.Timeframe), trig.Reason, trig.Critical())
	if err != nil {
		return "", fmt.Errorf("insert alert %s/%s: %w", trig.Symbol, trig.Market, err)
	}
	return id, nil
}

// Recipients returns every user watching (symbol, market).
func (s *Store) Recipients(ctx context.Context, symbol string, m market.Market) ([]Recipient, error) {
	query := `
		SELECT u.id, u.email, COALESCE(u.telegram_chat_id, '')
		FROM users u
		JOIN watchlists w ON w.user_id = u.id
		WHERE w.symbol = $1 AND w.market = $2
	`

	rows, err := s.pool.Query(ctx, query, symbol, string(m))
	if err != nil {
		return nil, fmt.Errorf("query recipients %s/%s: %w", symbol, m, err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.UserID, &r.Email, &r.TelegramChatID); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// LinkUsers creates the user_alerts rows tying an alert to the users who
// must be told about it.
func (s *Store) LinkUsers(ctx context.Context, alertID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin link users: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO user_alerts (alert_id, user_id, notified)
		VALUES ($1, $2, false)
		ON CONFLICT (alert_id, user_id) DO NOTHING
	`
	for _, userID := range userIDs {
		if _, err := tx.Exec(ctx, query, alertID, userID); err != nil {
			return fmt.Errorf("link user %s to alert %s: %w", userID, alertID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit link users: %w", err)
	}
	return nil
}

// MarkNotified flags exactly the given users as notified for one alert.
// The update is scoped to (alertID, userIDs); nothing else is touched.
func (s *Store) MarkNotified(ctx context.Context, alertID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	query := `
		UPDATE user_alerts
		SET notified = true, notified_at = NOW()
		WHERE alert_id = $1 AND user_id = ANY($2)
	`
	tag, err := s.pool.Exec(ctx, query, alertID, userIDs)
	if err != nil {
		return fmt.Errorf("mark notified alert %s: %w", alertID, err)
	}

	s.logger.Debug().
		Str("alert_id", alertID).
		Int64("rows", tag.RowsAffected()).
		Msg("marked users notified")
	return nil
}

package main

import (
	"context"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer pool.Close()

	log.Println("Connected to database, running migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			telegram_chat_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS watchlists (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			symbol TEXT NOT NULL,
			market TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, symbol, market)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watchlists_symbol_market ON watchlists (symbol, market)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			market TEXT NOT NULL,
			current_price DOUBLE PRECISION NOT NULL,
			historical_price DOUBLE PRECISION NOT NULL,
			drop_pct DOUBLE PRECISION NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			timeframe TEXT NOT NULL,
			reason TEXT,
			critical BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_symbol_created ON alerts (symbol, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS user_alerts (
			alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			notified_at TIMESTAMPTZ,
			PRIMARY KEY (alert_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_snapshots (
			symbol TEXT NOT NULL,
			date DATE NOT NULL,
			close_price DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (symbol, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_snapshots_date ON daily_snapshots (date)`,
		`CREATE TABLE IF NOT EXISTS alert_tracking (
			symbol TEXT NOT NULL,
			market TEXT NOT NULL,
			last_alert_price DOUBLE PRECISION NOT NULL,
			last_alert_date DATE NOT NULL,
			highest_threshold DOUBLE PRECISION NOT NULL,
			timeframe TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (symbol, market)
		)`,
	}

	for _, migration := range migrations {
		log.Printf("Running: %.60s...", migration)
		_, err := pool.Exec(ctx, migration)
		if err != nil {
			log.Printf("WARNING: Migration failed: %v", err)
		} else {
			log.Println("✓ Success")
		}
	}

	log.Println("All migrations completed")
}

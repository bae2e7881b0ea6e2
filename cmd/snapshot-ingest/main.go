package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/snapshot"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/database"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/messaging"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/observability"
)

// eodBatch is the payload published per market on prices.eod.<market>
// after that market's close.
type eodBatch struct {
	Market string             `json:"market"`
	Date   string             `json:"date"`
	Closes map[string]float64 `json:"closes"`
}

// dayCacheTTL keeps the freshest close available to the resolver until
// the next EOD batch replaces it.
const dayCacheTTL = 26 * time.Hour

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("snapshot-ingest", getEnv("LOG_LEVEL", "info"))
	metrics := observability.GetCollector()
	health := observability.NewHealthChecker()

	logger.Info().Msg("Starting Snapshot Ingest service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	dbCfg := database.Config{
		Host:     getEnv("POSTGRES_HOST", "localhost"),
		Port:     getEnvInt("POSTGRES_PORT", 5432),
		Database: getEnv("POSTGRES_DB", "stock_monitor"),
		User:     getEnv("POSTGRES_USER", "monitor_user"),
		Password: getEnv("POSTGRES_PASSWORD", "monitor_pass"),
	}
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")
	retentionDays := getEnvInt("SNAPSHOT_RETENTION_DAYS", snapshot.DefaultRetentionDays)

	var db *pgxpool.Pool
	connectDB := func() error {
		var err error
		db, err = database.NewPostgres(ctx, dbCfg)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(connectDB, backoff.WithContext(bo, ctx)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer db.Close()

	health.AddCheck("postgres", func(ctx context.Context) error {
		return db.Ping(ctx)
	})

	// Redis is optional. Without it the day cache simply stays cold.
	var cache *history.RedisCache
	if redisAddr != "" && redisAddr != "disabled" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to Redis, cache warming disabled")
			rdb.Close()
		} else {
			defer rdb.Close()
			cache = history.NewRedisCache(rdb)
			health.AddCheck("redis", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			})
		}
	}

	var nc *nats.Conn
	connectNATS := func() error {
		var err error
		nc, err = messaging.NewNATSConn(messaging.Config{
			URL:  natsURL,
			Name: "snapshot-ingest",
		})
		return err
	}
	bo.Reset()
	if err := backoff.Retry(connectNATS, backoff.WithContext(bo, ctx)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	health.AddCheck("nats", func(ctx context.Context) error {
		if nc.IsClosed() {
			return fmt.Errorf("NATS connection closed")
		}
		return nil
	})

	js, err := messaging.NewJetStream(nc)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create JetStream context")
	}

	if err := messaging.EnsureStream(js, "PRICES", []string{"prices.>"}, 24*time.Hour); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create PRICES stream")
	}

	snapshots := snapshot.NewStore(db, logger)

	sub, err := js.Subscribe("prices.eod.*", func(msg *nats.Msg) {
		metrics.Counter(observability.MetricNATSMessagesReceived).Inc()
		defer metrics.Timer(observability.MetricIngestDuration)()

		var batch eodBatch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal EOD batch")
			return
		}

		m, err := market.Parse(batch.Market)
		if err != nil {
			logger.Error().Err(err).Str("market", batch.Market).Msg("Unknown market in EOD batch")
			return
		}

		date, err := time.ParseInLocation("2006-01-02", batch.Date, m.Location())
		if err != nil {
			logger.Error().Err(err).Str("date", batch.Date).Msg("Invalid date in EOD batch")
			return
		}

		var upserted int
		for symbol, price := range batch.Closes {
			if price <= 0 {
				logger.Warn().Str("symbol", symbol).Float64("close", price).Msg("Skipping non-positive close")
				continue
			}
			if err := snapshots.Upsert(ctx, symbol, date, price); err != nil {
				logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to upsert snapshot")
				continue
			}
			upserted++
			metrics.Counter(observability.MetricSnapshotsUpserted).Inc()

			if cache != nil {
				key := history.CacheKey(m, symbol, history.TimeframeDay)
				if err := cache.Set(ctx, key, price, dayCacheTTL); err != nil {
					logger.Debug().Err(err).Str("symbol", symbol).Msg("Failed to warm day cache")
				}
			}
		}

		logger.Info().
			Str("market", m.String()).
			Str("date", batch.Date).
			Int("symbols", len(batch.Closes)).
			Int("upserted", upserted).
			Msg("EOD batch ingested")
	}, nats.Durable("snapshot-ingest"), nats.DeliverNew())

	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe to EOD batches")
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Error().Err(err).Msg("Failed to unsubscribe")
		}
	}()

	// Purge snapshots past retention once a day, off trading hours.
	scheduler := cron.New()
	_, err = scheduler.AddFunc("0 3 * * *", func() {
		cutoff := snapshot.RetentionCutoff(time.Now(), retentionDays)
		purged, err := snapshots.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			logger.Error().Err(err).Msg("Snapshot purge failed")
			return
		}
		metrics.Counter(observability.MetricSnapshotsPurged).Add(float64(purged))
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to schedule snapshot purge")
	}
	scheduler.Start()
	defer scheduler.Stop()

	metricsPort := getEnv("METRICS_PORT", "9092")
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Handler())
	mux.HandleFunc("/health/live", health.LivenessHandler())
	mux.HandleFunc("/health/ready", health.ReadinessHandler())

	metricsServer := &http.Server{
		Addr:    ":" + metricsPort,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("port", metricsPort).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	logger.Info().Msg("Snapshot Ingest service started")

	<-ctx.Done()

	time.Sleep(1 * time.Second)

	logger.Info().Msg("Snapshot Ingest service stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

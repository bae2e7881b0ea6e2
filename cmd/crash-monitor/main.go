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
	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/crash"
	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/notify"
	"github.com/STarLo-rd/stock-monitor-backend/internal/pricing"
	"github.com/STarLo-rd/stock-monitor-backend/internal/snapshot"
	"github.com/STarLo-rd/stock-monitor-backend/internal/tracker"
	"github.com/STarLo-rd/stock-monitor-backend/internal/watchlist"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/database"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/messaging"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/observability"
)

// priceBatch is the payload published per market on prices.snapshot.<market>.
type priceBatch struct {
	Market string             `json:"market"`
	Prices map[string]float64 `json:"prices"`
}

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("crash-monitor", getEnv("LOG_LEVEL", "info"))
	metrics := observability.GetCollector()
	health := observability.NewHealthChecker()

	logger.Info().Msg("Starting Crash Monitor service")

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

	// Connect to PostgreSQL, retrying while the database comes up.
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

	// Connect to Redis. The cache tier is optional: without it the
	// resolver falls through to snapshots and the external API.
	var rdb *redis.Client
	if redisAddr != "" && redisAddr != "disabled" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to Redis, history cache disabled")
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
			health.AddCheck("redis", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			})
			logger.Info().Str("addr", redisAddr).Msg("Connected to Redis for history cache")
		}
	} else {
		logger.Info().Msg("Redis disabled, history cache skipped")
	}

	// Connect to NATS.
	var nc *nats.Conn
	connectNATS := func() error {
		var err error
		nc, err = messaging.NewNATSConn(messaging.Config{
			URL:  natsURL,
			Name: "crash-monitor",
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
	if err := messaging.EnsureStream(js, "ALERTS", []string{"alerts.>"}, 24*time.Hour); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create ALERTS stream")
	}

	// Wire the detection pipeline.
	var cache history.Cache
	if rdb != nil {
		cache = history.NewRedisCache(rdb)
	}
	snapshots := snapshot.NewStore(db, logger)
	chart := pricing.NewClient(logger)
	resolver := history.NewResolver(cache, snapshots, chart, logger)

	trk := tracker.New(tracker.NewPostgresStore(db), tracker.DefaultConfig(), logger)
	detector := crash.NewDetector(resolver, trk, crash.DefaultConfig(), logger)
	recovery := crash.NewRecoveryDetector(trk, logger)

	watchlists := watchlist.NewStore(db, logger)

	var push notify.PushSender
	if token := getEnv("TELEGRAM_BOT_TOKEN", ""); token != "" {
		push = notify.NewTelegramChannel(token, logger)
	} else {
		logger.Warn().Msg("TELEGRAM_BOT_TOKEN not set, push notifications disabled")
	}
	email := notify.NewEmailChannel(notify.EmailConfig{
		Host:     getEnv("SMTP_HOST", "localhost"),
		Port:     getEnvInt("SMTP_PORT", 587),
		Username: getEnv("SMTP_USERNAME", ""),
		Password: getEnv("SMTP_PASSWORD", ""),
		From:     getEnv("SMTP_FROM", "alerts@stock-monitor.local"),
	}, logger)
	router := notify.NewRouter(push, email, watchlists, logger)

	// Each message carries one market's full price batch.
	sub, err := js.Subscribe("prices.snapshot.*", func(msg *nats.Msg) {
		metrics.Counter(observability.MetricNATSMessagesReceived).Inc()

		var batch priceBatch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal price batch")
			return
		}

		m, err := market.Parse(batch.Market)
		if err != nil {
			logger.Error().Err(err).Str("market", batch.Market).Msg("Unknown market in price batch")
			return
		}

		metrics.Counter(observability.MetricBatchesProcessed).Inc()
		metrics.Counter(observability.MetricSymbolsEvaluated).Add(float64(len(batch.Prices)))
		defer metrics.Timer(observability.MetricDetectionDuration)()

		triggers := detector.ProcessAlerts(ctx, batch.Prices, m)
		for _, trig := range triggers {
			metrics.Counter(observability.MetricAlertsTriggered).Inc()
			handleTrigger(ctx, trig, watchlists, router, js, logger, metrics)
		}

		recoveries := recovery.ProcessRecoveryAlerts(ctx, batch.Prices, m)
		for _, rec := range recoveries {
			metrics.Counter(observability.MetricRecoveriesDetected).Inc()
			handleRecovery(ctx, rec, watchlists, router, js, logger, metrics)
		}
	}, nats.Durable("crash-monitor"), nats.DeliverNew())

	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe to price batches")
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Error().Err(err).Msg("Failed to unsubscribe")
		}
	}()

	metricsPort := getEnv("METRICS_PORT", "9091")
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

	logger.Info().Msg("Crash Monitor service started")

	<-ctx.Done()

	// Give time for in-flight batches to finish.
	time.Sleep(1 * time.Second)

	logger.Info().Msg("Crash Monitor service stopped")
}

// handleTrigger persists the alert, fans it out to watchers and
// publishes it downstream.
func handleTrigger(
	ctx context.Context,
	trig crash.AlertTrigger,
	watchlists *watchlist.Store,
	router *notify.Router,
	js nats.JetStreamContext,
	logger zerolog.Logger,
	metrics *observability.MetricsCollector,
) {
	alertID, err := watchlists.InsertAlert(ctx, trig)
	if err != nil {
		logger.Error().Err(err).Str("symbol", trig.Symbol).Msg("Failed to persist alert")
		return
	}

	recipients, err := watchlists.Recipients(ctx, trig.Symbol, trig.Market)
	if err != nil {
		logger.Error().Err(err).Str("symbol", trig.Symbol).Msg("Failed to load recipients")
		return
	}

	if len(recipients) > 0 {
		userIDs := make([]string, 0, len(recipients))
		for _, r := range recipients {
			userIDs = append(userIDs, r.UserID)
		}
		if err := watchlists.LinkUsers(ctx, alertID, userIDs); err != nil {
			logger.Error().Err(err).Str("alert_id", alertID).Msg("Failed to link alert to users")
		}

		if router.Dispatch(ctx, trig, alertID, recipients) {
			metrics.Counter(observability.MetricDispatchesSucceeded).Inc()
		} else {
			metrics.Counter(observability.MetricDispatchesFailed).Inc()
		}
	}

	payload, err := json.Marshal(trig)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal alert")
		return
	}
	if _, err := js.Publish("alerts.triggered", payload); err != nil {
		logger.Error().Err(err).Msg("Failed to publish alert")
		metrics.Counter(observability.MetricNATSPublishErrors).Inc()
		return
	}
	metrics.Counter(observability.MetricNATSMessagesPublished).Inc()
}

// handleRecovery fans the recovery out to watchers and publishes it
// downstream. Recovery notices are best effort.
func handleRecovery(
	ctx context.Context,
	rec crash.RecoveryAlert,
	watchlists *watchlist.Store,
	router *notify.Router,
	js nats.JetStreamContext,
	logger zerolog.Logger,
	metrics *observability.MetricsCollector,
) {
	recipients, err := watchlists.Recipients(ctx, rec.Symbol, rec.Market)
	if err != nil {
		logger.Error().Err(err).Str("symbol", rec.Symbol).Msg("Failed to load recovery recipients")
	} else if len(recipients) > 0 {
		router.DispatchRecovery(ctx, rec, recipients)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal recovery alert")
		return
	}
	if _, err := js.Publish("alerts.recovered", payload); err != nil {
		logger.Error().Err(err).Msg("Failed to publish recovery alert")
		metrics.Counter(observability.MetricNATSPublishErrors).Inc()
		return
	}
	metrics.Counter(observability.MetricNATSMessagesPublished).Inc()
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

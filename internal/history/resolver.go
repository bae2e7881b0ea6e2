// Package history resolves the historical closing prices the crash
// detector measures drops against. For each symbol it produces the close
// as of 1 day, 1 week, 1 month and 1 year ago through a tiered fallback:
// fast Redis cache, then the durable snapshot store, then one best-effort
// call to the external pricing API.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/pricing"
	"github.com/STarLo-rd/stock-monitor-backend/internal/snapshot"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/observability"
)

// externalWindowDays is the chart API lookup window. Kept narrow: the
// external tier only ever needs the one close nearest the target date.
const externalWindowDays = 7

// externalTimeout bounds the chart API fallback per timeframe.
const externalTimeout = 5 * time.Second

// Cache is the fast lookup tier. The resolver only reads it; population
// and expiry belong to the surrounding system.
type Cache interface {
	Get(ctx context.Context, key string) (float64, bool, error)
}

// SnapshotSource is the durable tier, satisfied by *snapshot.Store.
type SnapshotSource interface {
	Nearest(ctx context.Context, symbol string, target time.Time, toleranceDays int) (snapshot.Snapshot, bool, error)
}

// ChartSource is the external last-resort tier, satisfied by
// *pricing.Client.
type ChartSource interface {
	ClosingPriceAround(ctx context.Context, symbol string, target time.Time, windowDays int) (pricing.ChartPoint, bool, error)
}

// Price is a resolved historical close, or an absent marker when every
// tier came up empty.
type Price struct {
	Value float64
	OK    bool
}

// Prices holds one resolved price per timeframe.
type Prices struct {
	Day   Price
	Week  Price
	Month Price
	Year  Price
}

// For returns the price for a timeframe.
func (p Prices) For(tf Timeframe) Price {
	switch tf {
	case TimeframeDay:
		return p.Day
	case TimeframeWeek:
		return p.Week
	case TimeframeMonth:
		return p.Month
	case TimeframeYear:
		return p.Year
	}
	return Price{}
}

func (p *Prices) set(tf Timeframe, price Price) {
	switch tf {
	case TimeframeDay:
		p.Day = price
	case TimeframeWeek:
		p.Week = price
	case TimeframeMonth:
		p.Month = price
	case TimeframeYear:
		p.Year = price
	}
}

// Resolver walks the cache -> snapshot -> external chain per timeframe.
type Resolver struct {
	cache     Cache
	snapshots SnapshotSource
	chart     ChartSource
	logger    zerolog.Logger
}

// NewResolver creates a resolver. cache and chart may be nil, in which
// case those tiers are skipped.
func NewResolver(cache Cache, snapshots SnapshotSource, chart ChartSource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cache:     cache,
		snapshots: snapshots,
		chart:     chart,
		logger:    logger.With().Str("component", "history-resolver").Logger(),
	}
}

// Resolve produces the historical closes for a symbol. The four
// timeframes are resolved concurrently and independently: one timeframe
// hitting the cache does not stop another from reaching the external
// tier, and no tier failure is fatal. A timeframe with no data in any
// tier is reported absent.
func (r *Resolver) Resolve(ctx context.Context, symbol string, m market.Market) Prices {
	today := snapshot.Day(m.Now())

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		prices Prices
	)

	for _, tf := range Timeframes {
		wg.Add(1)
		go func(tf Timeframe) {
			defer wg.Done()
			target := today.AddDate(0, 0, -tf.OffsetDays())
			price := r.resolveOne(ctx, symbol, m, tf, target)

			mu.Lock()
			prices.set(tf, price)
			mu.Unlock()
		}(tf)
	}
	wg.Wait()

	return prices
}

// resolveOne runs the tier chain for a single timeframe. The first tier
// that returns data wins.
func (r *Resolver) resolveOne(ctx context.Context, symbol string, m market.Market, tf Timeframe, target time.Time) Price {
	metrics := observability.GetCollector()

	if r.cache != nil {
		value, ok, err := r.cache.Get(ctx, CacheKey(m, symbol, tf))
		if err != nil {
			r.logger.Debug().Err(err).
				Str("symbol", symbol).Str("timeframe", tf.String()).
				Msg("cache lookup failed")
		} else if ok {
			metrics.Counter(observability.MetricHistoryCacheHits).Inc()
			return Price{Value: value, OK: true}
		}
	}

	snap, ok, err := r.snapshots.Nearest(ctx, symbol, target, tf.ToleranceDays())
	if err != nil {
		r.logger.Warn().Err(err).
			Str("symbol", symbol).Str("market", m.String()).Str("timeframe", tf.String()).
			Msg("snapshot lookup failed")
	} else if ok {
		metrics.Counter(observability.MetricHistorySnapshotHits).Inc()
		return Price{Value: snap.ClosePrice, OK: true}
	}

	// The external provider does not quote indices, and the call is
	// strictly best effort: any error or timeout means absent.
	if r.chart == nil || market.IsIndex(symbol) {
		metrics.Counter(observability.MetricHistoryMisses).Inc()
		return Price{}
	}

	chartCtx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	metrics.Counter(observability.MetricHistoryExternalCalls).Inc()
	point, ok, err := r.chart.ClosingPriceAround(chartCtx, symbol, target, externalWindowDays)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("symbol", symbol).Str("market", m.String()).Str("timeframe", tf.String()).
			Msg("external price fetch failed")
		metrics.Counter(observability.MetricHistoryMisses).Inc()
		return Price{}
	}
	if !ok {
		metrics.Counter(observability.MetricHistoryMisses).Inc()
		return Price{}
	}
	return Price{Value: point.Close, OK: true}
}

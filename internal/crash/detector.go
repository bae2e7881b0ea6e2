// Package crash turns current prices plus historical baselines into
// deduplicated alert triggers, and detects the recoveries that follow.
package crash

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/tracker"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/observability"
)

// Resolver supplies historical closes per timeframe, satisfied by
// *history.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, symbol string, m market.Market) history.Prices
}

// Config tunes detection.
type Config struct {
	// Thresholds are the drop percentages that trigger alerts, ascending.
	Thresholds []float64
	// MaxConcurrency bounds how many symbols resolve at once in a batch.
	MaxConcurrency int
}

// DefaultConfig returns the production detection settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:     []float64{5, 10, 15, 20},
		MaxConcurrency: 8,
	}
}

// Detector evaluates symbols against historical baselines.
type Detector struct {
	resolver Resolver
	tracker  *tracker.Tracker
	cfg      Config
	logger   zerolog.Logger
}

// NewDetector creates a crash detector.
func NewDetector(resolver Resolver, tr *tracker.Tracker, cfg Config, logger zerolog.Logger) *Detector {
	return &Detector{
		resolver: resolver,
		tracker:  tr,
		cfg:      cfg,
		logger:   logger.With().Str("component", "crash-detector").Logger(),
	}
}

// Detect returns every timeframe/threshold crossing for one symbol.
// Timeframes are scanned day, week, month, year; a timeframe with an
// absent or non-positive historical price yields nothing, and a price
// that has risen clamps to a zero drop rather than going negative.
func (d *Detector) Detect(ctx context.Context, symbol string, currentPrice float64, m market.Market) []AlertTrigger {
	prices := d.resolver.Resolve(ctx, symbol, m)

	var triggers []AlertTrigger
	for _, tf := range history.Timeframes {
		p := prices.For(tf)
		if !p.OK || p.Value <= 0 {
			continue
		}

		drop := (p.Value - currentPrice) / p.Value * 100
		if drop < 0 {
			drop = 0
		}

		for _, threshold := range d.cfg.Thresholds {
			if drop >= threshold {
				triggers = append(triggers, AlertTrigger{
					Symbol:          symbol,
					Market:          m,
					CurrentPrice:    currentPrice,
					HistoricalPrice: p.Value,
					DropPct:         drop,
					Threshold:       threshold,
					Timeframe:       tf,
				})
			}
		}
	}
	return triggers
}

// ProcessAlerts is the batch entry point: detect every symbol, reduce to
// the single highest-severity trigger per symbol, then run the cooldown
// gate and record tracking state for each approval. One symbol failing
// never aborts the batch.
func (d *Detector) ProcessAlerts(ctx context.Context, prices map[string]float64, m market.Market) []AlertTrigger {
	symbols := make([]string, 0, len(prices))
	for symbol := range prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var (
		mu   sync.Mutex
		best = make(map[string]AlertTrigger, len(symbols))
	)

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		price := prices[symbol]
		g.Go(func() error {
			triggers := d.Detect(ctx, symbol, price, m)
			if len(triggers) == 0 {
				return nil
			}

			// Strictly-highest threshold wins; on a tie the earlier
			// timeframe in the scan order is kept.
			top := triggers[0]
			for _, trig := range triggers[1:] {
				if trig.Threshold > top.Threshold {
					top = trig
				}
			}

			mu.Lock()
			best[symbol] = top
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Error().Err(err).Str("market", m.String()).Msg("batch detection failed")
	}

	var approved []AlertTrigger
	for _, symbol := range symbols {
		trig, ok := best[symbol]
		if !ok {
			continue
		}
		if t := d.gate(ctx, trig, m); t != nil {
			approved = append(approved, *t)
		}
	}

	d.logger.Info().
		Str("market", m.String()).
		Int("symbols", len(symbols)).
		Int("candidates", len(best)).
		Int("approved", len(approved)).
		Msg("processed crash batch")
	return approved
}

// gate runs the cooldown check and tracking write for one surviving
// trigger, holding the per-key lock across the read-then-write pair.
func (d *Detector) gate(ctx context.Context, trig AlertTrigger, m market.Market) *AlertTrigger {
	unlock := d.tracker.Lock(trig.Symbol, m)
	defer unlock()

	decision, err := d.tracker.ShouldSendAlert(ctx, trig.Symbol, m, trig.CurrentPrice, trig.Threshold)
	if err != nil {
		d.logger.Error().Err(err).
			Str("symbol", trig.Symbol).Str("market", m.String()).
			Msg("cooldown check failed, skipping symbol")
		return nil
	}
	if !decision.ShouldAlert {
		observability.GetCollector().Counter(observability.MetricAlertsSuppressed).Inc()
		d.logger.Debug().
			Str("symbol", trig.Symbol).Str("market", m.String()).
			Str("reason", decision.Reason).
			Float64("threshold", trig.Threshold).
			Msg("alert suppressed")
		return nil
	}

	trig.Reason = decision.Reason

	// The civil date must come from the symbol's own market so the daily
	// gate compares against the right midnight.
	rec := tracker.Record{
		Symbol:           trig.Symbol,
		Market:           m,
		LastAlertPrice:   trig.CurrentPrice,
		LastAlertDate:    m.CurrentDate(),
		HighestThreshold: trig.Threshold,
		Timeframe:        trig.Timeframe,
	}
	if err := d.tracker.SetAlertTracking(ctx, rec); err != nil {
		// A failed bookkeeping write must not take back an approved
		// alert; worst case the symbol re-alerts next run.
		d.logger.Error().Err(err).
			Str("symbol", trig.Symbol).Str("market", m.String()).
			Msg("failed to record alert tracking")
	}
	return &trig
}

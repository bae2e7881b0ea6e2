package crash

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/tracker"
)

// RecoveryDetector watches alerted symbols for the bounce that ends a
// crash episode.
type RecoveryDetector struct {
	tracker *tracker.Tracker
	logger  zerolog.Logger
}

// NewRecoveryDetector creates a recovery detector.
func NewRecoveryDetector(tr *tracker.Tracker, logger zerolog.Logger) *RecoveryDetector {
	return &RecoveryDetector{
		tracker: tr,
		logger:  logger.With().Str("component", "recovery-detector").Logger(),
	}
}

// ProcessRecoveryAlerts checks every symbol in the price map against its
// tracking state and fires a recovery for each one that has bounced
// enough. Firing clears the tracking record, so the next crash starts
// from calm. Per-symbol failures are logged and skipped.
func (d *RecoveryDetector) ProcessRecoveryAlerts(ctx context.Context, prices map[string]float64, m market.Market) []RecoveryAlert {
	symbols := make([]string, 0, len(prices))
	for symbol := range prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var recoveries []RecoveryAlert
	for _, symbol := range symbols {
		currentPrice := prices[symbol]

		unlock := d.tracker.Lock(symbol, m)
		decision, err := d.tracker.ShouldSendRecoveryAlert(ctx, symbol, m, currentPrice)
		if err != nil {
			unlock()
			d.logger.Error().Err(err).
				Str("symbol", symbol).Str("market", m.String()).
				Msg("recovery check failed, skipping symbol")
			continue
		}
		if !decision.ShouldAlert {
			unlock()
			continue
		}

		if err := d.tracker.ClearAlertTracking(ctx, symbol, m); err != nil {
			d.logger.Error().Err(err).
				Str("symbol", symbol).Str("market", m.String()).
				Msg("failed to clear tracking after recovery")
		}
		unlock()

		recoveries = append(recoveries, RecoveryAlert{
			Symbol:         symbol,
			Market:         m,
			CurrentPrice:   currentPrice,
			LastAlertPrice: decision.LastAlertPrice,
			RecoveryPct:    decision.RecoveryPct,
		})

		d.logger.Info().
			Str("symbol", symbol).Str("market", m.String()).
			Float64("recovery_pct", decision.RecoveryPct).
			Msg("recovery detected")
	}
	return recoveries
}

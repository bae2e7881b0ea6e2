// Package tracker owns the per-(symbol, market) alert lifecycle state.
// A symbol with no record is calm; a record means an alert has fired and
// the symbol is in cooldown until it either recovers or crashes further.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
)

// Record is the persisted tracking state for one (symbol, market).
type Record struct {
	Symbol           string            `json:"symbol"`
	Market           market.Market     `json:"market"`
	LastAlertPrice   float64           `json:"last_alert_price"`
	LastAlertDate    string            `json:"last_alert_date"` // civil date, market timezone
	HighestThreshold float64           `json:"highest_threshold"`
	Timeframe        history.Timeframe `json:"timeframe"`
}

// RecordStore persists tracking records by natural key.
type RecordStore interface {
	Get(ctx context.Context, symbol string, m market.Market) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, symbol string, m market.Market) error
}

// Config tunes the cooldown rules.
type Config struct {
	// FurtherDropPct is how much further (percent below the last alerted
	// price) a symbol must fall to re-alert on the same trading day.
	FurtherDropPct float64
	// BouncePct is the recovery threshold relative to the last alerted
	// price.
	BouncePct float64
}

// DefaultConfig returns the production cooldown constants.
func DefaultConfig() Config {
	return Config{
		FurtherDropPct: 5,
		BouncePct:      2,
	}
}

// Decision is the outcome of a crash-alert gate check.
type Decision struct {
	ShouldAlert bool
	Reason      string
}

// RecoveryDecision is the outcome of a recovery gate check.
type RecoveryDecision struct {
	ShouldAlert    bool
	RecoveryPct    float64
	LastAlertPrice float64
}

// Tracker applies the cooldown rules on top of a RecordStore.
type Tracker struct {
	store  RecordStore
	cfg    Config
	logger zerolog.Logger
	locks  sync.Map // "symbol|market" -> *sync.Mutex
}

// New creates a tracker.
func New(store RecordStore, cfg Config, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "alert-tracker").Logger(),
	}
}

// Lock acquires the per-key mutex and returns its release func. The
// gate check and the tracking write are separate store operations, so
// concurrent batch runs must hold this across the pair.
func (t *Tracker) Lock(symbol string, m market.Market) func() {
	key := symbol + "|" + string(m)
	v, _ := t.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ShouldSendAlert decides whether a crossed threshold may notify now.
// A calm symbol always alerts. An already-alerted symbol re-alerts when
// a new trading day has started in the market's timezone, when price has
// fallen materially further below the last alerted price, or when a more
// severe threshold has been crossed.
func (t *Tracker) ShouldSendAlert(ctx context.Context, symbol string, m market.Market, currentPrice, candidateThreshold float64) (Decision, error) {
	rec, found, err := t.store.Get(ctx, symbol, m)
	if err != nil {
		return Decision{}, fmt.Errorf("load tracking record %s/%s: %w", symbol, m, err)
	}
	if !found {
		return Decision{ShouldAlert: true, Reason: "first alert for this crash"}, nil
	}

	today := m.CurrentDate()
	if rec.LastAlertDate < today {
		return Decision{ShouldAlert: true, Reason: "new trading day"}, nil
	}

	if rec.LastAlertPrice > 0 {
		furtherDrop := (rec.LastAlertPrice - currentPrice) / rec.LastAlertPrice * 100
		if furtherDrop >= t.cfg.FurtherDropPct {
			return Decision{
				ShouldAlert: true,
				Reason:      fmt.Sprintf("price fell %.1f%% further since last alert", furtherDrop),
			}, nil
		}
	}

	if candidateThreshold > rec.HighestThreshold {
		return Decision{
			ShouldAlert: true,
			Reason: fmt.Sprintf("threshold escalated from %.0f%% to %.0f%%",
				rec.HighestThreshold, candidateThreshold),
		}, nil
	}

	return Decision{Reason: "already alerted today"}, nil
}

// SetAlertTracking records an approved alert. Unconditional upsert; the
// caller supplies the civil date computed in the market's timezone.
func (t *Tracker) SetAlertTracking(ctx context.Context, rec Record) error {
	if err := t.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save tracking record %s/%s: %w", rec.Symbol, rec.Market, err)
	}
	t.logger.Debug().
		Str("symbol", rec.Symbol).
		Str("market", rec.Market.String()).
		Float64("price", rec.LastAlertPrice).
		Float64("threshold", rec.HighestThreshold).
		Msg("tracking record updated")
	return nil
}

// ShouldSendRecoveryAlert decides whether price has bounced enough off
// the last alerted price. A calm symbol never fires a recovery.
func (t *Tracker) ShouldSendRecoveryAlert(ctx context.Context, symbol string, m market.Market, currentPrice float64) (RecoveryDecision, error) {
	rec, found, err := t.store.Get(ctx, symbol, m)
	if err != nil {
		return RecoveryDecision{}, fmt.Errorf("load tracking record %s/%s: %w", symbol, m, err)
	}
	if !found || rec.LastAlertPrice <= 0 {
		return RecoveryDecision{}, nil
	}

	recoveryPct := (currentPrice - rec.LastAlertPrice) / rec.LastAlertPrice * 100
	return RecoveryDecision{
		ShouldAlert:    recoveryPct >= t.cfg.BouncePct,
		RecoveryPct:    recoveryPct,
		LastAlertPrice: rec.LastAlertPrice,
	}, nil
}

// ClearAlertTracking deletes the record, returning the symbol to calm.
// Called once per recovery firing, by the recovery detector.
func (t *Tracker) ClearAlertTracking(ctx context.Context, symbol string, m market.Market) error {
	if err := t.store.Delete(ctx, symbol, m); err != nil {
		return fmt.Errorf("clear tracking record %s/%s: %w", symbol, m, err)
	}
	t.logger.Debug().
		Str("symbol", symbol).
		Str("market", m.String()).
		Msg("tracking record cleared")
	return nil
}

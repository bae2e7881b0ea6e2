package crash

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/tracker"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/observability"
)

type fakeResolver struct {
	prices map[string]history.Prices
}

func (f *fakeResolver) Resolve(ctx context.Context, symbol string, m market.Market) history.Prices {
	return f.prices[symbol]
}

func price(v float64) history.Price {
	return history.Price{Value: v, OK: true}
}

// memStore is an in-memory tracker.RecordStore with optional per-symbol
// failure injection.
type memStore struct {
	records map[string]tracker.Record
	errOn   string
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]tracker.Record)}
}

func storeKey(symbol string, m market.Market) string {
	return symbol + "|" + string(m)
}

func (s *memStore) Get(ctx context.Context, symbol string, m market.Market) (tracker.Record, bool, error) {
	if symbol == s.errOn {
		return tracker.Record{}, false, errors.New("injected store failure")
	}
	rec, ok := s.records[storeKey(symbol, m)]
	return rec, ok, nil
}

func (s *memStore) Upsert(ctx context.Context, rec tracker.Record) error {
	if rec.Symbol == s.errOn {
		return errors.New("injected store failure")
	}
	s.records[storeKey(rec.Symbol, rec.Market)] = rec
	return nil
}

func (s *memStore) Delete(ctx context.Context, symbol string, m market.Market) error {
	if symbol == s.errOn {
		return errors.New("injected store failure")
	}
	delete(s.records, storeKey(symbol, m))
	return nil
}

func newTestDetector(resolver Resolver, store tracker.RecordStore) *Detector {
	tr := tracker.New(store, tracker.DefaultConfig(), zerolog.Nop())
	return NewDetector(resolver, tr, DefaultConfig(), zerolog.Nop())
}

func TestDetectNoHistoricalData(t *testing.T) {
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"AAPL": {}, // all timeframes absent
	}}
	d := newTestDetector(resolver, newMemStore())

	triggers := d.Detect(context.Background(), "AAPL", 100, market.US)
	if len(triggers) != 0 {
		t.Errorf("got %d triggers with no historical data, want 0", len(triggers))
	}
}

func TestDetectNonPositiveHistoricalPrice(t *testing.T) {
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"BAD": {Day: price(0), Week: price(-10)},
	}}
	d := newTestDetector(resolver, newMemStore())

	triggers := d.Detect(context.Background(), "BAD", 50, market.US)
	if len(triggers) != 0 {
		t.Errorf("got %d triggers for non-positive baselines, want 0", len(triggers))
	}
}

func TestDetectPriceIncreaseYieldsNothing(t *testing.T) {
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"UP": {Day: price(100), Week: price(90), Month: price(80), Year: price(50)},
	}}
	d := newTestDetector(resolver, newMemStore())

	triggers := d.Detect(context.Background(), "UP", 120, market.US)
	if len(triggers) != 0 {
		t.Errorf("got %d triggers for a rising price, want 0", len(triggers))
	}
}

func TestDetectThresholdCrossings(t *testing.T) {
	// 22% drop on the day timeframe only: thresholds 5/10/15/20 all
	// crossed, nothing above.
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"CRASH": {Day: price(100)},
	}}
	d := newTestDetector(resolver, newMemStore())

	triggers := d.Detect(context.Background(), "CRASH", 78, market.India)
	if len(triggers) != 4 {
		t.Fatalf("got %d triggers for a 22%% drop, want 4", len(triggers))
	}
	wantThresholds := []float64{5, 10, 15, 20}
	for i, trig := range triggers {
		if trig.Threshold != wantThresholds[i] {
			t.Errorf("trigger %d threshold = %v, want %v", i, trig.Threshold, wantThresholds[i])
		}
		if trig.Timeframe != history.TimeframeDay {
			t.Errorf("trigger %d timeframe = %s, want %s", i, trig.Timeframe, history.TimeframeDay)
		}
		if trig.DropPct < 21.9 || trig.DropPct > 22.1 {
			t.Errorf("trigger %d drop = %v, want ~22", i, trig.DropPct)
		}
	}
}

func TestDetectExactThresholdIsCrossed(t *testing.T) {
	// Exactly 5% must trigger (>=, not >).
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"EDGE": {Day: price(100)},
	}}
	d := newTestDetector(resolver, newMemStore())

	triggers := d.Detect(context.Background(), "EDGE", 95, market.US)
	if len(triggers) != 1 || triggers[0].Threshold != 5 {
		t.Errorf("got %+v, want exactly one trigger at threshold 5", triggers)
	}
}

func TestProcessAlertsKeepsHighestThreshold(t *testing.T) {
	// Day drop 18% (crosses 15), week drop ~13.7% (crosses 10): the
	// day/15 trigger must survive the reduction.
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"AAPL": {Day: price(100), Week: price(95)},
	}}
	d := newTestDetector(resolver, newMemStore())

	approved := d.ProcessAlerts(context.Background(), map[string]float64{"AAPL": 82}, market.US)
	if len(approved) != 1 {
		t.Fatalf("got %d approved alerts, want 1", len(approved))
	}
	if approved[0].Threshold != 15 || approved[0].Timeframe != history.TimeframeDay {
		t.Errorf("kept trigger = %+v, want threshold 15 on %s", approved[0], history.TimeframeDay)
	}
	if approved[0].Reason == "" {
		t.Error("approved trigger must carry the gate reason")
	}
}

func TestProcessAlertsTieKeepsEarlierTimeframe(t *testing.T) {
	// Day drop 12% and week drop 14% both top out at threshold 10; the
	// day trigger is encountered first and must not be overridden.
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"TIE": {Day: price(100), Week: price(102.3)},
	}}
	d := newTestDetector(resolver, newMemStore())

	approved := d.ProcessAlerts(context.Background(), map[string]float64{"TIE": 88}, market.US)
	if len(approved) != 1 {
		t.Fatalf("got %d approved alerts, want 1", len(approved))
	}
	if approved[0].Timeframe != history.TimeframeDay {
		t.Errorf("tie kept %s, want %s", approved[0].Timeframe, history.TimeframeDay)
	}
	if approved[0].Threshold != 10 {
		t.Errorf("threshold = %v, want 10", approved[0].Threshold)
	}
}

func TestProcessAlertsCooldownSuppression(t *testing.T) {
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"TCS.NS": {Day: price(100)},
	}}
	store := newMemStore()
	d := newTestDetector(resolver, store)
	ctx := context.Background()

	// First run: 21% drop approved at the top threshold.
	first := d.ProcessAlerts(ctx, map[string]float64{"TCS.NS": 79}, market.India)
	if len(first) != 1 || first[0].Threshold != 20 {
		t.Fatalf("first run = %+v, want one alert at threshold 20", first)
	}

	// Second run same day, price only slightly lower: no higher
	// threshold exists and the further-drop escape is not met, so the
	// daily gate suppresses it.
	suppressedBefore := observability.GetCollector().Counter(observability.MetricAlertsSuppressed).Value()
	second := d.ProcessAlerts(ctx, map[string]float64{"TCS.NS": 76}, market.India)
	if len(second) != 0 {
		t.Errorf("second run approved %d alerts, want 0 (same-day gate)", len(second))
	}
	suppressedAfter := observability.GetCollector().Counter(observability.MetricAlertsSuppressed).Value()
	if suppressedAfter != suppressedBefore+1 {
		t.Errorf("suppressed counter moved %v -> %v, want +1", suppressedBefore, suppressedAfter)
	}

	// Third run same day but a materially deeper leg down (>=5% below
	// the last alerted price 79): approved again.
	third := d.ProcessAlerts(ctx, map[string]float64{"TCS.NS": 75}, market.India)
	if len(third) != 1 {
		t.Errorf("third run approved %d alerts, want 1 (further-drop escape)", len(third))
	}
}

func TestProcessAlertsEscalationBypassesDailyGate(t *testing.T) {
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"NVDA": {Day: price(100)},
	}}
	store := newMemStore()
	d := newTestDetector(resolver, store)
	ctx := context.Background()

	if got := d.ProcessAlerts(ctx, map[string]float64{"NVDA": 88}, market.US); len(got) != 1 {
		t.Fatalf("setup run approved %d, want 1", len(got))
	}

	// Same day, drop deepens to 15%: a higher threshold is crossed, so
	// the alert is approved even though price (85) has not fallen 5%
	// below the last alerted price (88).
	approved := d.ProcessAlerts(ctx, map[string]float64{"NVDA": 85}, market.US)
	if len(approved) != 1 {
		t.Fatalf("escalated run approved %d, want 1", len(approved))
	}
	if approved[0].Threshold != 15 {
		t.Errorf("escalated threshold = %v, want 15", approved[0].Threshold)
	}
}

func TestProcessAlertsIsolatesPerSymbolFailures(t *testing.T) {
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"GOOD": {Day: price(100)},
		"EVIL": {Day: price(100)},
	}}
	store := newMemStore()
	store.errOn = "EVIL"
	d := newTestDetector(resolver, store)

	approved := d.ProcessAlerts(context.Background(),
		map[string]float64{"GOOD": 80, "EVIL": 80}, market.US)
	if len(approved) != 1 || approved[0].Symbol != "GOOD" {
		t.Errorf("got %+v, want only GOOD approved despite EVIL's store failure", approved)
	}
}

func TestProcessAlertsRecordsMarketLocalDate(t *testing.T) {
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"RELIANCE.NS": {Day: price(100)},
	}}
	store := newMemStore()
	d := newTestDetector(resolver, store)

	d.ProcessAlerts(context.Background(), map[string]float64{"RELIANCE.NS": 80}, market.India)

	rec, ok := store.records[storeKey("RELIANCE.NS", market.India)]
	if !ok {
		t.Fatal("tracking record not written after approval")
	}
	if rec.LastAlertDate != market.India.CurrentDate() {
		t.Errorf("tracking date = %s, want India-local %s", rec.LastAlertDate, market.India.CurrentDate())
	}
	if rec.LastAlertPrice != 80 {
		t.Errorf("tracking price = %v, want 80", rec.LastAlertPrice)
	}
	if rec.HighestThreshold != 20 {
		t.Errorf("tracking threshold = %v, want 20", rec.HighestThreshold)
	}
}

func TestCritical(t *testing.T) {
	if (AlertTrigger{Threshold: 15}).Critical() {
		t.Error("threshold 15 must not be critical")
	}
	if !(AlertTrigger{Threshold: 20}).Critical() {
		t.Error("threshold 20 must be critical")
	}
	if !(AlertTrigger{Threshold: 25}).Critical() {
		t.Error("threshold 25 must be critical")
	}
}

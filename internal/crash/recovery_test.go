package crash

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/tracker"
)

func newTestRecoveryDetector(store tracker.RecordStore) *RecoveryDetector {
	tr := tracker.New(store, tracker.DefaultConfig(), zerolog.Nop())
	return NewRecoveryDetector(tr, zerolog.Nop())
}

func alerted(store *memStore, symbol string, m market.Market, lastPrice float64) {
	store.records[storeKey(symbol, m)] = tracker.Record{
		Symbol:         symbol,
		Market:         m,
		LastAlertPrice: lastPrice,
		LastAlertDate:  m.CurrentDate(),
	}
}

func TestProcessRecoveryAlertsFiresAndClears(t *testing.T) {
	store := newMemStore()
	alerted(store, "RELIANCE.NS", market.India, 100)
	d := newTestRecoveryDetector(store)

	recoveries := d.ProcessRecoveryAlerts(context.Background(),
		map[string]float64{"RELIANCE.NS": 103}, market.India)

	if len(recoveries) != 1 {
		t.Fatalf("got %d recoveries, want 1", len(recoveries))
	}
	r := recoveries[0]
	if r.LastAlertPrice != 100 || r.CurrentPrice != 103 {
		t.Errorf("recovery = %+v, want prices 100 -> 103", r)
	}
	if math.Abs(r.RecoveryPct-3.0) > 1e-9 {
		t.Errorf("RecoveryPct = %v, want 3.0", r.RecoveryPct)
	}
	if _, ok := store.records[storeKey("RELIANCE.NS", market.India)]; ok {
		t.Error("tracking record must be cleared after a recovery fires")
	}
}

func TestProcessRecoveryAlertsBelowBounce(t *testing.T) {
	store := newMemStore()
	alerted(store, "AAPL", market.US, 100)
	d := newTestRecoveryDetector(store)

	recoveries := d.ProcessRecoveryAlerts(context.Background(),
		map[string]float64{"AAPL": 101.9}, market.US)

	if len(recoveries) != 0 {
		t.Errorf("got %d recoveries below the bounce threshold, want 0", len(recoveries))
	}
	if _, ok := store.records[storeKey("AAPL", market.US)]; !ok {
		t.Error("tracking record must survive a non-firing check")
	}
}

func TestProcessRecoveryAlertsCalmSymbols(t *testing.T) {
	d := newTestRecoveryDetector(newMemStore())

	recoveries := d.ProcessRecoveryAlerts(context.Background(),
		map[string]float64{"AAPL": 500, "MSFT": 410}, market.US)

	if len(recoveries) != 0 {
		t.Errorf("got %d recoveries for calm symbols, want 0", len(recoveries))
	}
}

func TestProcessRecoveryAlertsIsolatesFailures(t *testing.T) {
	store := newMemStore()
	alerted(store, "GOOD", market.US, 100)
	alerted(store, "EVIL", market.US, 100)
	store.errOn = "EVIL"
	d := newTestRecoveryDetector(store)

	recoveries := d.ProcessRecoveryAlerts(context.Background(),
		map[string]float64{"GOOD": 105, "EVIL": 105}, market.US)

	if len(recoveries) != 1 || recoveries[0].Symbol != "GOOD" {
		t.Errorf("got %+v, want only GOOD despite EVIL's store failure", recoveries)
	}
}

func TestRecoveryThenFreshCrashAlerts(t *testing.T) {
	store := newMemStore()
	alerted(store, "INFY.NS", market.India, 100)

	rd := newTestRecoveryDetector(store)
	if got := rd.ProcessRecoveryAlerts(context.Background(),
		map[string]float64{"INFY.NS": 104}, market.India); len(got) != 1 {
		t.Fatalf("recovery did not fire: %+v", got)
	}

	// Symbol is calm again; a new crash must alert immediately.
	resolver := &fakeResolver{prices: map[string]history.Prices{
		"INFY.NS": {Day: price(104)},
	}}
	cd := newTestDetector(resolver, store)
	approved := cd.ProcessAlerts(context.Background(),
		map[string]float64{"INFY.NS": 90}, market.India)
	if len(approved) != 1 {
		t.Errorf("fresh crash after recovery approved %d alerts, want 1", len(approved))
	}
}

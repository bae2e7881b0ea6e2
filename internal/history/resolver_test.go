package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
	"github.com/STarLo-rd/stock-monitor-backend/internal/pricing"
	"github.com/STarLo-rd/stock-monitor-backend/internal/snapshot"
	"github.com/STarLo-rd/stock-monitor-backend/pkg/observability"
)

type fakeCache struct {
	mu     sync.Mutex
	values map[string]float64
	err    error
	gets   int
}

func (f *fakeCache) Get(ctx context.Context, key string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return 0, false, f.err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

type fakeSnapshots struct {
	mu     sync.Mutex
	closes map[string]float64 // symbol -> close, any target matches
	err    error
	calls  int
}

func (f *fakeSnapshots) Nearest(ctx context.Context, symbol string, target time.Time, toleranceDays int) (snapshot.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return snapshot.Snapshot{}, false, f.err
	}
	if close, ok := f.closes[symbol]; ok {
		return snapshot.Snapshot{Symbol: symbol, Date: target, ClosePrice: close}, true, nil
	}
	return snapshot.Snapshot{}, false, nil
}

type fakeChart struct {
	mu    sync.Mutex
	close float64
	found bool
	err   error
	calls int
}

func (f *fakeChart) ClosingPriceAround(ctx context.Context, symbol string, target time.Time, windowDays int) (pricing.ChartPoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return pricing.ChartPoint{}, false, f.err
	}
	return pricing.ChartPoint{Timestamp: target, Close: f.close}, f.found, nil
}

func TestResolveCacheHitShortCircuits(t *testing.T) {
	cache := &fakeCache{values: map[string]float64{}}
	for _, tf := range Timeframes {
		cache.values[CacheKey(market.India, "RELIANCE.NS", tf)] = 2500
	}
	snaps := &fakeSnapshots{closes: map[string]float64{"RELIANCE.NS": 9999}}
	chart := &fakeChart{found: true, close: 1111}

	r := NewResolver(cache, snaps, chart, zerolog.Nop())
	hitsBefore := observability.GetCollector().Counter(observability.MetricHistoryCacheHits).Value()
	prices := r.Resolve(context.Background(), "RELIANCE.NS", market.India)

	for _, tf := range Timeframes {
		p := prices.For(tf)
		if !p.OK || p.Value != 2500 {
			t.Errorf("%s: got %+v, want cached 2500", tf, p)
		}
	}
	hitsAfter := observability.GetCollector().Counter(observability.MetricHistoryCacheHits).Value()
	if hitsAfter != hitsBefore+float64(len(Timeframes)) {
		t.Errorf("cache hit counter moved %v -> %v, want +%d", hitsBefore, hitsAfter, len(Timeframes))
	}
	if snaps.calls != 0 {
		t.Errorf("snapshot tier consulted %d times despite cache hits", snaps.calls)
	}
	if chart.calls != 0 {
		t.Errorf("external tier consulted %d times despite cache hits", chart.calls)
	}
}

func TestResolveFallsBackToSnapshots(t *testing.T) {
	cache := &fakeCache{values: map[string]float64{}}
	snaps := &fakeSnapshots{closes: map[string]float64{"AAPL": 180.5}}
	chart := &fakeChart{found: true, close: 1111}

	r := NewResolver(cache, snaps, chart, zerolog.Nop())
	prices := r.Resolve(context.Background(), "AAPL", market.US)

	for _, tf := range Timeframes {
		if p := prices.For(tf); !p.OK || p.Value != 180.5 {
			t.Errorf("%s: got %+v, want snapshot 180.5", tf, p)
		}
	}
	if chart.calls != 0 {
		t.Errorf("external tier consulted %d times despite snapshot hits", chart.calls)
	}
}

func TestResolveFallsBackToExternal(t *testing.T) {
	cache := &fakeCache{}
	snaps := &fakeSnapshots{}
	chart := &fakeChart{found: true, close: 42.5}

	r := NewResolver(cache, snaps, chart, zerolog.Nop())
	prices := r.Resolve(context.Background(), "TSLA", market.US)

	for _, tf := range Timeframes {
		if p := prices.For(tf); !p.OK || p.Value != 42.5 {
			t.Errorf("%s: got %+v, want external 42.5", tf, p)
		}
	}
	if chart.calls != len(Timeframes) {
		t.Errorf("external tier called %d times, want %d", chart.calls, len(Timeframes))
	}
}

func TestResolveIndexSkipsExternalTier(t *testing.T) {
	cache := &fakeCache{}
	snaps := &fakeSnapshots{}
	chart := &fakeChart{found: true, close: 42.5}

	r := NewResolver(cache, snaps, chart, zerolog.Nop())
	prices := r.Resolve(context.Background(), "^NSEI", market.India)

	for _, tf := range Timeframes {
		if p := prices.For(tf); p.OK {
			t.Errorf("%s: index resolved %+v, want absent", tf, p)
		}
	}
	if chart.calls != 0 {
		t.Errorf("external tier called %d times for an index symbol", chart.calls)
	}
}

func TestResolveSwallowsTierErrors(t *testing.T) {
	cache := &fakeCache{err: errors.New("redis down")}
	snaps := &fakeSnapshots{err: errors.New("pg down")}
	chart := &fakeChart{err: errors.New("provider 429")}

	r := NewResolver(cache, snaps, chart, zerolog.Nop())
	missesBefore := observability.GetCollector().Counter(observability.MetricHistoryMisses).Value()
	prices := r.Resolve(context.Background(), "AAPL", market.US)

	for _, tf := range Timeframes {
		if p := prices.For(tf); p.OK {
			t.Errorf("%s: got %+v, want absent when every tier errors", tf, p)
		}
	}
	missesAfter := observability.GetCollector().Counter(observability.MetricHistoryMisses).Value()
	if missesAfter != missesBefore+float64(len(Timeframes)) {
		t.Errorf("miss counter moved %v -> %v, want +%d", missesBefore, missesAfter, len(Timeframes))
	}
}

func TestResolveTimeframesAreIndependent(t *testing.T) {
	// Only the daily timeframe is cached; others must still reach the
	// snapshot tier.
	cache := &fakeCache{values: map[string]float64{
		CacheKey(market.US, "MSFT", TimeframeDay): 410,
	}}
	snaps := &fakeSnapshots{closes: map[string]float64{"MSFT": 395}}

	r := NewResolver(cache, snaps, nil, zerolog.Nop())
	prices := r.Resolve(context.Background(), "MSFT", market.US)

	if p := prices.Day; !p.OK || p.Value != 410 {
		t.Errorf("day: got %+v, want cached 410", p)
	}
	for _, tf := range []Timeframe{TimeframeWeek, TimeframeMonth, TimeframeYear} {
		if p := prices.For(tf); !p.OK || p.Value != 395 {
			t.Errorf("%s: got %+v, want snapshot 395", tf, p)
		}
	}
}

func TestTimeframeOffsets(t *testing.T) {
	tests := []struct {
		tf        Timeframe
		offset    int
		tolerance int
	}{
		{TimeframeDay, 1, 3},
		{TimeframeWeek, 7, 5},
		{TimeframeMonth, 30, 7},
		{TimeframeYear, 365, 14},
	}
	for _, tt := range tests {
		if got := tt.tf.OffsetDays(); got != tt.offset {
			t.Errorf("%s offset = %d, want %d", tt.tf, got, tt.offset)
		}
		if got := tt.tf.ToleranceDays(); got != tt.tolerance {
			t.Errorf("%s tolerance = %d, want %d", tt.tf, got, tt.tolerance)
		}
	}
}

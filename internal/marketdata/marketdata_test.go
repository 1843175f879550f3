package marketdata

import (
	"context"
	"testing"
	"time"
)

func TestSanitizeDropsNonIncreasingAndLargeGaps(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := SymbolSeries{
		Symbol: "ACME",
		Bars: []Bar{
			{Timestamp: base, Close: 10},
			{Timestamp: base.Add(24 * time.Hour), Close: 11},
			{Timestamp: base.Add(24 * time.Hour), Close: 11.5}, // non-increasing, dropped
			{Timestamp: base.Add(20 * 24 * time.Hour), Close: 20}, // huge gap, dropped
		},
	}
	clean, dropped := s.Sanitize(5 * 24 * time.Hour)
	if dropped != 2 {
		t.Errorf("expected 2 dropped bars, got %d", dropped)
	}
	if len(clean.Bars) != 2 {
		t.Errorf("expected 2 surviving bars, got %d", len(clean.Bars))
	}
}

func TestClosesExtractsInOrder(t *testing.T) {
	s := SymbolSeries{Bars: []Bar{{Close: 1}, {Close: 2}, {Close: 3}}}
	closes := s.Closes()
	if len(closes) != 3 || closes[0] != 1 || closes[2] != 3 {
		t.Errorf("unexpected closes: %v", closes)
	}
}

type fakeUpstream struct {
	series      SymbolSeries
	seriesCalls int
}

func (f *fakeUpstream) FetchDailyCloses(ctx context.Context, symbol string, n int, asOf time.Time) ([]float64, error) {
	closes := f.series.Closes()
	if len(closes) < n+1 {
		return nil, errBadInputStub
	}
	return closes[len(closes)-(n+1):], nil
}

func (f *fakeUpstream) FetchSeries(ctx context.Context, symbol string, from, to time.Time) (SymbolSeries, error) {
	f.seriesCalls++
	var out []Bar
	for _, b := range f.series.Bars {
		if !b.Timestamp.Before(from) && !b.Timestamp.After(to) {
			out = append(out, b)
		}
	}
	return SymbolSeries{Symbol: symbol, Bars: out}, nil
}

var errBadInputStub = &stubError{"insufficient closes"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func TestHistoryCacheFetchesOnlyMissingTail(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []Bar
	for i := 0; i < 30; i++ {
		bars = append(bars, Bar{Timestamp: base.AddDate(0, 0, i), Close: float64(100 + i)})
	}
	upstream := &fakeUpstream{series: SymbolSeries{Symbol: "ACME", Bars: bars}}
	store := NewInMemoryHistoryStore()
	cache := NewHistoryCache(upstream, store, time.Hour, nil)

	ctx := context.Background()
	series, err := cache.FetchSeries(ctx, "ACME", base, base.AddDate(0, 0, 29))
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if len(series.Bars) != 30 {
		t.Fatalf("expected 30 bars cached, got %d", len(series.Bars))
	}

	// The cache now ends at the requested end date, so the missing tail
	// is empty: the second call must not touch upstream again and must
	// still return the same window.
	series2, err := cache.FetchSeries(ctx, "ACME", base, base.AddDate(0, 0, 29))
	if err != nil {
		t.Fatalf("FetchSeries (cached): %v", err)
	}
	if len(series2.Bars) != 30 {
		t.Fatalf("expected 30 bars on cached read, got %d", len(series2.Bars))
	}
	if upstream.seriesCalls != 1 {
		t.Errorf("expected 1 upstream FetchSeries call, got %d", upstream.seriesCalls)
	}
}

func TestFetchDailyClosesRejectsInsufficientHistory(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{{Timestamp: base, Close: 100}, {Timestamp: base.AddDate(0, 0, 1), Close: 101}}
	upstream := &fakeUpstream{series: SymbolSeries{Symbol: "ACME", Bars: bars}}
	store := NewInMemoryHistoryStore()
	cache := NewHistoryCache(upstream, store, time.Hour, nil)

	_, err := cache.FetchDailyCloses(context.Background(), "ACME", 60, base.AddDate(0, 0, 1))
	if err == nil {
		t.Fatal("expected BadInput error for insufficient history")
	}
}

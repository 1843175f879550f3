// Package marketdata - historycache.go adapts the teacher's
// DataManager/DataStore sync-only-missing-data pattern into a cache that
// sits in front of an external OHLCVSource.
//
// Design rules (mirrors the teacher's internal/market/data.go):
//   - No forecasting code talks to a data vendor directly; everything goes
//     through HistoryCache, which talks to the vendor only for the gap
//     between the last cached bar and the requested date.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/errkind"
)

// HistoryStore is the persistence boundary for cached bars, implemented by
// PostgresHistoryStore for production and by an in-memory map in tests.
type HistoryStore interface {
	SaveBars(ctx context.Context, symbol string, bars []Bar) error
	LoadBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
	LatestBarTime(ctx context.Context, symbol string) (time.Time, bool, error)
}

// HistoryCache coordinates fetching from an upstream OHLCVSource and
// persisting to a HistoryStore, fetching only the missing tail of history
// on each call (mirrors DataManager.SyncCandles).
type HistoryCache struct {
	upstream OHLCVSource
	store    HistoryStore
	logger   *zap.Logger
	ttl      time.Duration

	backfillYears int
}

// NewHistoryCache builds a cache. ttl controls how stale the latest cached
// bar may be before a resync is attempted; zero means always check.
func NewHistoryCache(upstream OHLCVSource, store HistoryStore, ttl time.Duration, logger *zap.Logger) *HistoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryCache{upstream: upstream, store: store, logger: logger, ttl: ttl, backfillYears: 5}
}

// FetchSeries returns the cached, upstream-synced bar series for symbol
// within [from, to], fetching only the gap between the latest cached bar
// and to.
func (c *HistoryCache) FetchSeries(ctx context.Context, symbol string, from, to time.Time) (SymbolSeries, error) {
	latest, ok, err := c.store.LatestBarTime(ctx, symbol)
	if err != nil {
		return SymbolSeries{}, errkind.Wrap(errkind.Transient, "historycache.FetchSeries", "read latest bar time", err)
	}

	fetchFrom := from
	if ok {
		if !latest.Before(to) && time.Since(latest) < c.ttl {
			// Cache already covers the requested window and is fresh.
			bars, err := c.store.LoadBars(ctx, symbol, from, to)
			if err != nil {
				return SymbolSeries{}, errkind.Wrap(errkind.Transient, "historycache.FetchSeries", "load cached bars", err)
			}
			return SymbolSeries{Symbol: symbol, Bars: bars}, nil
		}
		fetchFrom = latest.AddDate(0, 0, 1)
	} else {
		fetchFrom = from.AddDate(-c.backfillYears, 0, 0)
	}

	if fetchFrom.Before(to) || fetchFrom.Equal(to) {
		fresh, err := c.upstream.FetchSeries(ctx, symbol, fetchFrom, to)
		if err != nil {
			return SymbolSeries{}, errkind.Wrapf(errkind.Transient, "historycache.FetchSeries", err, "fetch upstream %s", symbol)
		}
		if len(fresh.Bars) > 0 {
			if err := c.store.SaveBars(ctx, symbol, fresh.Bars); err != nil {
				c.logger.Warn("history cache save failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}

	bars, err := c.store.LoadBars(ctx, symbol, from, to)
	if err != nil {
		return SymbolSeries{}, errkind.Wrap(errkind.Transient, "historycache.FetchSeries", "load bars after sync", err)
	}
	return SymbolSeries{Symbol: symbol, Bars: bars}, nil
}

// FetchDailyCloses returns the most recent n+1 daily closes ending at or
// before asOf, satisfying OHLCVSource semantics: BadInput, never padded,
// if fewer than n+1 usable closes exist.
func (c *HistoryCache) FetchDailyCloses(ctx context.Context, symbol string, n int, asOf time.Time) ([]float64, error) {
	from := asOf.AddDate(0, 0, -(n+1)*3) // generous calendar-day margin for weekends/holidays
	series, err := c.FetchSeries(ctx, symbol, from, asOf)
	if err != nil {
		return nil, err
	}
	clean, _ := series.Sanitize(0)
	closes := clean.Closes()
	if len(closes) < n+1 {
		return nil, errkind.New(errkind.BadInput, "historycache.FetchDailyCloses",
			fmt.Sprintf("symbol %s has %d usable closes, need %d", symbol, len(closes), n+1))
	}
	return closes[len(closes)-(n+1):], nil
}

// InMemoryHistoryStore is a HistoryStore backed by a process-local map,
// used in tests and for local/offline runs.
type InMemoryHistoryStore struct {
	bars map[string][]Bar
}

// NewInMemoryHistoryStore creates an empty store.
func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{bars: make(map[string][]Bar)}
}

func (s *InMemoryHistoryStore) SaveBars(_ context.Context, symbol string, bars []Bar) error {
	existing := s.bars[symbol]
	seen := make(map[int64]bool, len(existing))
	for _, b := range existing {
		seen[b.Timestamp.Unix()] = true
	}
	for _, b := range bars {
		if !seen[b.Timestamp.Unix()] {
			existing = append(existing, b)
			seen[b.Timestamp.Unix()] = true
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Timestamp.Before(existing[j].Timestamp) })
	s.bars[symbol] = existing
	return nil
}

func (s *InMemoryHistoryStore) LoadBars(_ context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	var out []Bar
	for _, b := range s.bars[symbol] {
		if !b.Timestamp.Before(from) && !b.Timestamp.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *InMemoryHistoryStore) LatestBarTime(_ context.Context, symbol string) (time.Time, bool, error) {
	bars := s.bars[symbol]
	if len(bars) == 0 {
		return time.Time{}, false, nil
	}
	return bars[len(bars)-1].Timestamp, true, nil
}

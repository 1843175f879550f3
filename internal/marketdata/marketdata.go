// Package marketdata defines the data model and external-collaborator
// contracts for historical OHLCV bars and live quotes.
//
// Design rules (from SPEC_FULL.md §1):
//   - Historical data fetch is an external collaborator; the core only
//     consumes the OHLCVSource interface.
//   - Live quote subscription is an external collaborator; the paper
//     execution engine only consumes the QuoteStream interface.
//   - No strategy/forecast code talks to a data vendor directly.
package marketdata

import (
	"context"
	"fmt"
	"time"
)

// Bar is a single OHLCV observation. Daily granularity; Close is the only
// field consumed by the forecasting core, but the full bar is kept for
// caching and display.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// SymbolSeries is an ordered sequence of Bars for one ticker.
//
// Invariant: strictly increasing timestamps; no gaps larger than the
// declared trading-calendar tolerance (holes are dropped with a warning,
// never interpolated silently — see Sanitize).
type SymbolSeries struct {
	Symbol string
	Bars   []Bar
}

// Sanitize drops bars that violate the strict-increasing-timestamp
// invariant or that open a gap larger than maxGap, returning the cleaned
// series and the number of bars dropped. It never interpolates.
func (s SymbolSeries) Sanitize(maxGap time.Duration) (SymbolSeries, int) {
	if len(s.Bars) == 0 {
		return s, 0
	}
	out := make([]Bar, 0, len(s.Bars))
	dropped := 0
	var last time.Time
	for i, b := range s.Bars {
		if i > 0 {
			if !b.Timestamp.After(last) {
				dropped++
				continue
			}
			if maxGap > 0 && b.Timestamp.Sub(last) > maxGap {
				dropped++
				continue
			}
		}
		out = append(out, b)
		last = b.Timestamp
	}
	return SymbolSeries{Symbol: s.Symbol, Bars: out}, dropped
}

// Closes extracts the close-price series in order.
func (s SymbolSeries) Closes() []float64 {
	closes := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		closes[i] = b.Close
	}
	return closes
}

// OHLCVSource is the external collaborator contract for historical data.
// Implementations may use a vendor API, a Postgres-backed cache, or a
// file-based fixture; the core never depends on which.
type OHLCVSource interface {
	// FetchDailyCloses returns the most recent n+1 daily closes for
	// symbol ending at or before asOf, oldest first. Returns
	// errkind.BadInput-qualified errors when fewer than n+1 usable
	// closes exist; never pads silently.
	FetchDailyCloses(ctx context.Context, symbol string, n int, asOf time.Time) ([]float64, error)

	// FetchSeries returns the full daily bar history for symbol within
	// [from, to].
	FetchSeries(ctx context.Context, symbol string, from, to time.Time) (SymbolSeries, error)
}

// Quote is a single live price observation.
type Quote struct {
	Symbol       string
	Price        float64
	ExchangeTime time.Time
}

// QuoteStream is the external collaborator contract for live prices,
// consumed only by the paper execution engine.
type QuoteStream interface {
	// LatestQuotes returns the most recent quote for each requested
	// symbol. A symbol with no available quote is simply absent from
	// the result map — callers must not treat that as an error; the
	// paper execution engine skips that symbol for the round (spec.md
	// §4.6 failure semantics).
	LatestQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
}

// ErrNoQuote is returned by adapters (not by QuoteStream itself, which
// prefers omission) when a caller explicitly requires a single quote.
var ErrNoQuote = fmt.Errorf("marketdata: no quote available")

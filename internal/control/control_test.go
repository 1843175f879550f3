package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/marketdata"
	"github.com/diffstock/coreengine/internal/trainer"
)

type fakeQuoteStream struct{ prices map[string]float64 }

func (f *fakeQuoteStream) LatestQuotes(ctx context.Context, symbols []string) (map[string]marketdata.Quote, error) {
	out := make(map[string]marketdata.Quote)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = marketdata.Quote{Symbol: s, Price: p, ExchangeTime: time.Now()}
		}
	}
	return out, nil
}

type fakeHistorySource struct{ closes []float64 }

func (f *fakeHistorySource) FetchDailyCloses(ctx context.Context, symbol string, n int, asOf time.Time) ([]float64, error) {
	return f.closes[len(f.closes)-(n+1):], nil
}
func (f *fakeHistorySource) FetchSeries(ctx context.Context, symbol string, from, to time.Time) (marketdata.SymbolSeries, error) {
	return marketdata.SymbolSeries{}, nil
}

func tinyConfig() diffusion.DiffusionConfig {
	return diffusion.DiffusionConfig{
		NumSteps: 8, Schedule: diffusion.ScheduleLinear, BetaMin: 1e-4, BetaMax: 0.02,
		ContextLen: 10, HorizonLen: 5, EmbedAsset: 3, HiddenDim: 4,
		Channels: 4, DilationDepth: 2, StepEmbedDim: 4, KernelSize: 2,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := tinyConfig()
	model, err := diffusion.NewModel(cfg, 1, 7)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	registry := diffusion.NewAssetRegistry([]string{"ACME"})

	closes := make([]float64, 20)
	price := 100.0
	for i := range closes {
		price *= 1.001
		closes[i] = price
	}

	trainEngine := trainer.NewEngine(&fakeHistorySource{closes: closes}, nil, nil)

	return NewServer(Dependencies{
		TrainEngine: trainEngine,
		TrainConfig: trainer.Config{DiffusionConfig: cfg, Symbols: []string{"ACME"}, HistoryYears: 1, Workers: 2},
		InferenceModel: func() (*diffusion.Model, *diffusion.AssetRegistry) {
			return model, registry
		},
		QuoteSource:   &fakeQuoteStream{prices: map[string]float64{"ACME": 105}},
		HistorySource: &fakeHistorySource{closes: closes},
		Workers:       2,
	})
}

func TestHandleForecastReturnsMonotonicPercentiles(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(forecastRequest{Symbol: "ACME", Horizon: 5, Simulations: 150})
	req := httptest.NewRequest("POST", "/api/forecast", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Percentiles []struct{ P10, P50, P90 float64 } `json:"percentiles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, p := range result.Percentiles {
		if !(p.P10 <= p.P50 && p.P50 <= p.P90) {
			t.Errorf("percentiles not monotonic: %+v", p)
		}
	}
}

func TestHandleForecastRejectsBadJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/forecast", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestHandleQuotesReturnsPrices(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(quotesRequest{Symbols: []string{"ACME"}})
	req := httptest.NewRequest("POST", "/api/quotes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp quotesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Prices["ACME"] != 105 {
		t.Errorf("expected price 105, got %v", resp.Prices["ACME"])
	}
}

func TestHandleTrainStatusReportsIdleBeforeStart(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/train/status", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		State trainer.State `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != trainer.StateIdle {
		t.Errorf("expected state %q before start, got %q", trainer.StateIdle, resp.State)
	}
}

func TestHandlePaperStartRejectsMalformedTime(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(paperStartRequest{Targets: []string{"ACME"}, InitialCapital: 1000, Time1: "bad", Time2: "09:30", OptimizationTime: "09:00"})
	req := httptest.NewRequest("POST", "/api/paper/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for malformed time, got %d: %s", rec.Code, rec.Body.String())
	}
}

package inference

import (
	"context"
	"testing"
	"time"

	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/marketdata"
)

type fakeSource struct {
	closes []float64
}

func (f *fakeSource) FetchDailyCloses(ctx context.Context, symbol string, n int, asOf time.Time) ([]float64, error) {
	if len(f.closes) < n+1 {
		return nil, errBadInput
	}
	return f.closes[len(f.closes)-(n+1):], nil
}

func (f *fakeSource) FetchSeries(ctx context.Context, symbol string, from, to time.Time) (marketdata.SymbolSeries, error) {
	return marketdata.SymbolSeries{}, nil
}

var errBadInput = &testError{"insufficient closes"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func tinyConfig() diffusion.DiffusionConfig {
	return diffusion.DiffusionConfig{
		NumSteps: 8, Schedule: diffusion.ScheduleLinear, BetaMin: 1e-4, BetaMax: 0.02,
		ContextLen: 10, HorizonLen: 5, EmbedAsset: 3, HiddenDim: 4,
		Channels: 4, DilationDepth: 2, StepEmbedDim: 4, KernelSize: 2,
	}
}

func TestForecastProducesMonotonicPercentiles(t *testing.T) {
	cfg := tinyConfig()
	model, err := diffusion.NewModel(cfg, 1, 11)
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
	source := &fakeSource{closes: closes}

	engine := NewEngine(model, registry, source, 4)
	req := Request{Symbol: "ACME", HorizonLen: cfg.HorizonLen, NumPaths: 150, Sampler: diffusion.SamplerDDPM, Seed: 1}

	result, err := engine.Forecast(context.Background(), req)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(result.Percentiles) != cfg.HorizonLen {
		t.Fatalf("expected %d percentile entries, got %d", cfg.HorizonLen, len(result.Percentiles))
	}
	for h, p := range result.Percentiles {
		if !(p.P10 <= p.P30 && p.P30 <= p.P50 && p.P50 <= p.P70 && p.P70 <= p.P90) {
			t.Errorf("horizon %d: percentiles not monotonic: %+v", h, p)
		}
	}
}

func TestForecastRejectsTooFewPaths(t *testing.T) {
	cfg := tinyConfig()
	model, _ := diffusion.NewModel(cfg, 1, 1)
	registry := diffusion.NewAssetRegistry([]string{"ACME"})
	source := &fakeSource{closes: make([]float64, 20)}
	engine := NewEngine(model, registry, source, 2)

	_, err := engine.Forecast(context.Background(), Request{Symbol: "ACME", HorizonLen: cfg.HorizonLen, NumPaths: 10})
	if err == nil {
		t.Fatal("expected BadInput error for num_paths < 100")
	}
}

func TestForecastRejectsInsufficientHistory(t *testing.T) {
	cfg := tinyConfig()
	model, _ := diffusion.NewModel(cfg, 1, 1)
	registry := diffusion.NewAssetRegistry([]string{"ACME"})
	source := &fakeSource{closes: []float64{100, 101, 102}}
	engine := NewEngine(model, registry, source, 2)

	_, err := engine.Forecast(context.Background(), Request{Symbol: "ACME", HorizonLen: cfg.HorizonLen, NumPaths: 100})
	if err == nil {
		t.Fatal("expected BadInput error for insufficient history")
	}
}

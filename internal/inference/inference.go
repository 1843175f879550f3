// Package inference implements the Monte-Carlo forecasting pipeline
// (C4): context encoding, batched reverse-sampler rollouts, denormalized
// price paths, and percentile reduction.
package inference

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/errkind"
	"github.com/diffstock/coreengine/internal/features"
	"github.com/diffstock/coreengine/internal/marketdata"
)

// Request describes one forecast request.
type Request struct {
	Symbol       string
	HorizonLen   int
	NumPaths     int // N_mc, minimum 100
	Sampler      diffusion.SamplerKind
	DDIMSteps    int // used only when Sampler == SamplerDDIM
	Seed         int64
	RequestTime  time.Time
}

// Percentiles holds the quantile bands at one horizon index.
type Percentiles struct {
	P10 float64 `json:"p10"`
	P30 float64 `json:"p30"`
	P50 float64 `json:"p50"`
	P70 float64 `json:"p70"`
	P90 float64 `json:"p90"`
}

// ForecastResult is the full response for one symbol.
type ForecastResult struct {
	Symbol         string        `json:"symbol"`
	HistorySlice   []float64     `json:"history_slice"`
	Percentiles    []Percentiles `json:"percentiles"` // length HorizonLen
	SampleReturns  [][]float64   `json:"sample_returns,omitempty"` // [N_mc][HorizonLen] sampled log-returns (denormalized), for downstream portfolio use
	CurrentPrice   float64       `json:"current_price"`
	ExpectedReturn float64       `json:"expected_return"`
	AnnualVol      float64       `json:"annual_vol"`
	Sharpe         float64       `json:"sharpe"`
	P50Price       float64       `json:"p50_price"`
}

const minPaths = 100

// Engine ties a loaded diffusion.Model and AssetRegistry to the
// OHLCVSource used to build forecast context.
type Engine struct {
	model    *diffusion.Model
	registry *diffusion.AssetRegistry
	source   marketdata.OHLCVSource
	workers  int
}

// NewEngine builds an inference engine over a trained model snapshot.
func NewEngine(model *diffusion.Model, registry *diffusion.AssetRegistry, source marketdata.OHLCVSource, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{model: model, registry: registry, source: source, workers: workers}
}

// Forecast runs the full Monte-Carlo pipeline for one request.
func (e *Engine) Forecast(ctx context.Context, req Request) (ForecastResult, error) {
	if req.NumPaths < minPaths {
		return ForecastResult{}, errkind.New(errkind.BadInput, "inference.Forecast",
			"num_paths must be >= 100")
	}
	asOf := req.RequestTime
	if asOf.IsZero() {
		asOf = time.Now()
	}

	closes, err := e.source.FetchDailyCloses(ctx, req.Symbol, e.model.Config.ContextLen, asOf)
	if err != nil {
		return ForecastResult{}, err
	}
	if len(closes) < e.model.Config.ContextLen+1 {
		return ForecastResult{}, errkind.New(errkind.BadInput, "inference.Forecast", "insufficient history for context window")
	}

	logReturns, err := features.LogReturns(closes)
	if err != nil {
		return ForecastResult{}, err
	}
	window, err := features.Normalize(logReturns)
	if err != nil {
		return ForecastResult{}, err
	}

	assetID := e.registry.AssetID(req.Symbol)
	hidden, assetEmbed, _ := e.model.EncodeContext(diffusion.Example{ContextReturns: window.Z, AssetID: assetID})

	if err := e.model.BeginSampling(); err != nil {
		return ForecastResult{}, err
	}
	defer e.model.EndSampling()

	paths, err := e.samplePaths(ctx, req, hidden, assetEmbed)
	if err != nil {
		return ForecastResult{}, err
	}

	currentPrice := closes[len(closes)-1]
	pricePaths := make([][]float64, len(paths))
	pathLogReturn := make([]float64, len(paths))
	sampleReturns := make([][]float64, len(paths))
	for i, z := range paths {
		denorm := features.Denormalize(features.Window{Z: z, Mean: window.Mean, Std: window.Std})
		sampleReturns[i] = denorm
		pricePaths[i] = features.CompoundFromAnchor(currentPrice, denorm)
		var total float64
		for _, r := range denorm {
			total += r
		}
		pathLogReturn[i] = total
	}

	percentiles := reducePercentiles(pricePaths, req.HorizonLen)

	expectedReturn, annualVol, sharpe := summarize(pathLogReturn)

	return ForecastResult{
		Symbol:         req.Symbol,
		HistorySlice:   closes,
		Percentiles:    percentiles,
		SampleReturns:  sampleReturns,
		CurrentPrice:   currentPrice,
		ExpectedReturn: expectedReturn,
		AnnualVol:      annualVol,
		Sharpe:         sharpe,
		P50Price:       percentiles[len(percentiles)-1].P50,
	}, nil
}

// samplePaths replicates cond (built from hidden/assetEmbed) to a batch
// of N_mc independent reverse-sampler rollouts, chunked across e.workers
// via errgroup — the "dedicated compute executor" concurrency model from
// the spec's suspension-point list.
func (e *Engine) samplePaths(ctx context.Context, req Request, hidden, assetEmbed *mat.Dense) ([][]float64, error) {
	paths := make([][]float64, req.NumPaths)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.workers)

	ddimSchedule := diffusion.UniformDDIMSchedule(e.model.Config.NumSteps, req.DDIMSteps)

	for i := 0; i < req.NumPaths; i++ {
		i := i
		grp.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			rng := rand.New(rand.NewSource(req.Seed + int64(i)))
			if req.Sampler == diffusion.SamplerDDIM {
				paths[i] = e.model.SampleDDIM(hidden, assetEmbed, ddimSchedule, rng)
			} else {
				paths[i] = e.model.SampleDDPM(hidden, assetEmbed, rng)
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "inference.samplePaths", "batch sampling", err)
	}
	return paths, nil
}

// reducePercentiles computes, for each horizon index, the {P10,P30,P50,
// P70,P90} quantiles across pricePaths using linear interpolation
// between the two nearest order statistics (ties broken this way per the
// spec's ordering rule).
func reducePercentiles(pricePaths [][]float64, horizonLen int) []Percentiles {
	out := make([]Percentiles, horizonLen)
	column := make([]float64, len(pricePaths))
	for h := 0; h < horizonLen; h++ {
		for i, p := range pricePaths {
			column[i] = p[h]
		}
		sorted := append([]float64(nil), column...)
		sort.Float64s(sorted)
		out[h] = Percentiles{
			P10: quantile(sorted, 0.10),
			P30: quantile(sorted, 0.30),
			P50: quantile(sorted, 0.50),
			P70: quantile(sorted, 0.70),
			P90: quantile(sorted, 0.90),
		}
	}
	return out
}

func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// summarize computes expected_return, annual_vol, and sharpe from the
// per-path total horizon log-return: expected_return is their mean (not
// scaled), annual_vol is their sample std times sqrt(252), and sharpe is
// expected_return*252 / (annual_vol*sqrt(252)), this implementation's
// fixed trading-day convention.
func summarize(pathLogReturn []float64) (expectedReturn, annualVol, sharpe float64) {
	n := len(pathLogReturn)
	if n == 0 {
		return 0, 0, 0
	}
	var mean float64
	for _, r := range pathLogReturn {
		mean += r
	}
	mean /= float64(n)

	var variance float64
	for _, r := range pathLogReturn {
		d := r - mean
		variance += d * d
	}
	if n > 1 {
		variance /= float64(n - 1)
	}
	std := math.Sqrt(variance)

	expectedReturn = mean
	annualVol = std * math.Sqrt(252)
	if annualVol == 0 {
		return expectedReturn, annualVol, 0
	}
	sharpe = (expectedReturn * 252) / (annualVol * math.Sqrt(252))
	return expectedReturn, annualVol, sharpe
}

// Package portfolio implements the optimizer (C5): sampled mean-variance
// search under simplex constraints, CVaR-adjusted local refinement, and
// volatility targeting.
//
// Mean and covariance estimation reuse gonum.org/v1/gonum/stat.Covariance
// the same way the reference corpus' risk-model builder does for a
// portfolio covariance matrix — same library, same job, different asset
// universe. The covariance matrix itself is assembled into a
// gonum.org/v1/gonum/mat.SymDense and the portfolio variance quadratic
// form wᵀΣw is evaluated with mat.Inner, the same matmul package
// internal/diffusion and internal/trainer/adam.go use for tensor math.
package portfolio

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/diffstock/coreengine/internal/errkind"
)

// Constraints bounds the optimizer's feasible region.
type Constraints struct {
	MaxWeight       float64 // w_max, default 0.40
	MinWeight       float64 // w_min for any nonzero weight, default 0.02
	KSamples        int     // random feasible search draws, default 2000
	RefinementBudget int    // local refinement iterations, default 200
	TargetVolAnnual float64 // default 0.15
	MinLeverage     float64 // default 0.5
	MaxLeverage     float64 // default 2.0
}

// DefaultConstraints matches the spec's named defaults.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxWeight: 0.40, MinWeight: 0.02, KSamples: 2000, RefinementBudget: 200,
		TargetVolAnnual: 0.15, MinLeverage: 0.5, MaxLeverage: 2.0,
	}
}

// AssetInput is one asset's per-path horizon log-returns, aligned by
// path index across assets.
type AssetInput struct {
	Symbol          string
	PathReturns     []float64 // one total horizon log-return per Monte-Carlo path
	CurrentPrice    float64
}

// Allocation is the optimizer's output, matching the data model's
// PortfolioAllocation.
type Allocation struct {
	Weights              map[string]float64 `json:"weights"`
	ExpectedAnnualReturn float64            `json:"expected_annual_return"`
	ExpectedAnnualVol    float64            `json:"expected_annual_vol"`
	SharpeRatio          float64            `json:"sharpe_ratio"`
	CVaR95               float64            `json:"cvar_95"`
	Leverage             float64            `json:"leverage"`
}

// Optimize runs the full pipeline: random feasible search, local
// refinement, and volatility targeting. Deterministic given seed.
func Optimize(inputs []AssetInput, c Constraints, seed int64) (Allocation, error) {
	if len(inputs) < 2 {
		return Allocation{}, errkind.New(errkind.BadInput, "portfolio.Optimize", "need at least 2 assets")
	}

	n := minPathCount(inputs)
	if n < 2 {
		return Allocation{}, errkind.New(errkind.BadInput, "portfolio.Optimize", "need at least 2 aligned Monte-Carlo paths per asset")
	}

	mean, cov := meanCovariance(inputs, n)
	pathMatrix := alignedPathMatrix(inputs, n)

	rng := rand.New(rand.NewSource(seed))
	best, bestSharpe, found := randomFeasibleSearch(mean, cov, c, rng)
	if !found {
		return Allocation{}, errkind.New(errkind.Fatal, "portfolio.Optimize", "empty feasible weight set under given constraints")
	}

	best = localRefinement(best, bestSharpe, mean, cov, pathMatrix, c, rng)

	achievedVol := portfolioVol(best, cov)
	leverage := clamp(c.TargetVolAnnual/achievedVol, c.MinLeverage, c.MaxLeverage)
	levered := scaleAndRenormalize(best, leverage, c.MaxWeight)

	expReturn := dot(levered, mean)
	finalVol := portfolioVol(levered, cov)
	sharpe := 0.0
	if finalVol > 0 {
		sharpe = expReturn / finalVol
	}
	cvar := cvar95(levered, pathMatrix)

	weights := make(map[string]float64, len(inputs))
	for i, a := range inputs {
		weights[a.Symbol] = levered[i]
	}

	return Allocation{
		Weights:              weights,
		ExpectedAnnualReturn: expReturn * 252,
		ExpectedAnnualVol:    finalVol * math.Sqrt(252),
		SharpeRatio:          sharpe,
		CVaR95:               cvar,
		Leverage:             leverage,
	}, nil
}

func minPathCount(inputs []AssetInput) int {
	n := len(inputs[0].PathReturns)
	for _, a := range inputs[1:] {
		if len(a.PathReturns) < n {
			n = len(a.PathReturns)
		}
	}
	return n
}

func meanCovariance(inputs []AssetInput, n int) ([]float64, *mat.SymDense) {
	m := len(inputs)
	mean := make([]float64, m)
	for i, a := range inputs {
		mean[i] = stat.Mean(a.PathReturns[:n], nil)
	}
	cov := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			c := stat.Covariance(inputs[i].PathReturns[:n], inputs[j].PathReturns[:n], nil)
			cov.SetSym(i, j, c)
		}
	}
	return mean, cov
}

func alignedPathMatrix(inputs []AssetInput, n int) [][]float64 {
	m := len(inputs)
	matrix := make([][]float64, n)
	for p := 0; p < n; p++ {
		row := make([]float64, m)
		for i, a := range inputs {
			row[i] = a.PathReturns[p]
		}
		matrix[p] = row
	}
	return matrix
}

// randomFeasibleSearch draws KSamples Dirichlet-like weight vectors on
// the simplex, rejects infeasible ones, and keeps the best by Sharpe.
func randomFeasibleSearch(mean []float64, cov *mat.SymDense, c Constraints, rng *rand.Rand) ([]float64, float64, bool) {
	var best []float64
	bestSharpe := math.Inf(-1)
	found := false

	for k := 0; k < c.KSamples; k++ {
		w := sampleDirichletLike(len(mean), rng)
		if !feasible(w, c) {
			continue
		}
		vol := portfolioVol(w, cov)
		if vol <= 0 {
			continue
		}
		sharpe := dot(w, mean) / vol
		if sharpe > bestSharpe {
			bestSharpe = sharpe
			best = w
			found = true
		}
	}
	return best, bestSharpe, found
}

// sampleDirichletLike draws a weight vector on the simplex by normalizing
// n independent Exp(1) draws, equivalent to a symmetric Dirichlet(1,...,1).
func sampleDirichletLike(n int, rng *rand.Rand) []float64 {
	w := make([]float64, n)
	var sum float64
	for i := range w {
		w[i] = rng.ExpFloat64()
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

func feasible(w []float64, c Constraints) bool {
	for _, wi := range w {
		if wi > c.MaxWeight {
			return false
		}
		if wi > 0 && wi < c.MinWeight {
			return false
		}
	}
	return true
}

// localRefinement perturbs the best candidate with geometrically
// shrinking step size, accepting a proposal iff sharpe - 0.5*cvar_95
// improves.
func localRefinement(best []float64, bestSharpe float64, mean []float64, cov *mat.SymDense, pathMatrix [][]float64, c Constraints, rng *rand.Rand) []float64 {
	if best == nil {
		return best
	}
	bestScore := bestSharpe - 0.5*cvar95(best, pathMatrix)
	eta := 0.1

	for i := 0; i < c.RefinementBudget; i++ {
		candidate := perturb(best, eta, rng)
		if !feasible(candidate, c) {
			eta *= 0.98
			continue
		}
		vol := portfolioVol(candidate, cov)
		if vol <= 0 {
			eta *= 0.98
			continue
		}
		sharpe := dot(candidate, mean) / vol
		score := sharpe - 0.5*cvar95(candidate, pathMatrix)
		if score > bestScore {
			best = candidate
			bestScore = score
		}
		eta *= 0.98
	}
	return best
}

func perturb(w []float64, eta float64, rng *rand.Rand) []float64 {
	out := make([]float64, len(w))
	var sum float64
	for i, wi := range w {
		v := wi + eta*(rng.Float64()*2-1)
		if v < 0 {
			v = 0
		}
		out[i] = v
		sum += v
	}
	if sum == 0 {
		return w
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// portfolioVol evaluates the quadratic form wᵀΣw via mat.Inner and
// returns its square root, the portfolio's per-horizon return volatility.
func portfolioVol(w []float64, cov *mat.SymDense) float64 {
	variance := mat.Inner(w, cov, w)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// cvar95 is the negative of the mean of the worst 5% of portfolio path
// returns.
func cvar95(w []float64, pathMatrix [][]float64) float64 {
	n := len(pathMatrix)
	if n == 0 {
		return 0
	}
	portfolioReturns := make([]float64, n)
	for p, row := range pathMatrix {
		portfolioReturns[p] = dot(w, row)
	}
	sort.Float64s(portfolioReturns)

	tailCount := int(math.Ceil(0.05 * float64(n)))
	if tailCount < 1 {
		tailCount = 1
	}
	var sum float64
	for i := 0; i < tailCount; i++ {
		sum += portfolioReturns[i]
	}
	return -sum / float64(tailCount)
}

func scaleAndRenormalize(w []float64, leverage, maxWeight float64) []float64 {
	out := make([]float64, len(w))
	var sum float64
	for i, wi := range w {
		v := wi * leverage
		if v > maxWeight {
			v = maxWeight
		}
		out[i] = v
		sum += v
	}
	if sum == 0 {
		return w
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

package diffusion

import "math"

// Schedule holds the precomputed variance-preserving noise schedule for a
// DiffusionConfig. All tensors are computed once per config and reused
// for every forward noising call and every reverse sampling step — no
// run-time recomputation, per the numerical semantics in the spec.
type Schedule struct {
	Beta      []float64 // length T, indexed t=0..T-1 representing step t+1
	Alpha     []float64 // 1 - beta
	AlphaBar  []float64 // cumulative product of Alpha
	SqrtAlphaBar       []float64
	SqrtOneMinusAlphaBar []float64
}

// BuildSchedule precomputes the schedule tensors for cfg.
func BuildSchedule(cfg DiffusionConfig) Schedule {
	t := cfg.NumSteps
	beta := make([]float64, t)
	switch cfg.Schedule {
	case ScheduleCosine:
		for i := 0; i < t; i++ {
			// Cosine schedule (Nichol & Dhariwal form), clipped to
			// [beta_min, beta_max] to keep it compatible with the
			// declared bounds.
			s := 0.008
			f := func(step float64) float64 {
				return math.Cos((step/float64(t)+s)/(1+s)*math.Pi/2)
			}
			alphaBarT := f(float64(i+1)) * f(float64(i+1)) / (f(0) * f(0))
			alphaBarPrev := f(float64(i)) * f(float64(i)) / (f(0) * f(0))
			b := 1 - alphaBarT/alphaBarPrev
			beta[i] = clamp(b, cfg.BetaMin, cfg.BetaMax)
		}
	default: // ScheduleLinear
		for i := 0; i < t; i++ {
			beta[i] = cfg.BetaMin + (cfg.BetaMax-cfg.BetaMin)*float64(i)/float64(maxInt(t-1, 1))
		}
	}

	alpha := make([]float64, t)
	alphaBar := make([]float64, t)
	sqrtAlphaBar := make([]float64, t)
	sqrtOneMinusAlphaBar := make([]float64, t)
	cum := 1.0
	for i := 0; i < t; i++ {
		alpha[i] = 1 - beta[i]
		cum *= alpha[i]
		alphaBar[i] = cum
		sqrtAlphaBar[i] = math.Sqrt(cum)
		sqrtOneMinusAlphaBar[i] = math.Sqrt(1 - cum)
	}

	return Schedule{
		Beta:                 beta,
		Alpha:                alpha,
		AlphaBar:             alphaBar,
		SqrtAlphaBar:         sqrtAlphaBar,
		SqrtOneMinusAlphaBar: sqrtOneMinusAlphaBar,
	}
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

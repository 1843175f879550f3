package diffusion

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// SamplerKind selects the reverse sampler.
type SamplerKind string

const (
	SamplerDDPM SamplerKind = "ddpm"
	SamplerDDIM SamplerKind = "ddim"
)

// SampleDDPM runs the ancestral DDPM reverse process from pure noise
// x_T ~ N(0, I) down to x_0, for t = T..1:
//
//	x_{t-1} = (1/sqrt(alpha_t)) * (x_t - (beta_t/sqrt(1-alphaBar_t)) * eps_hat) + sigma_t * z
//
// with sigma_t^2 = beta_t (this implementation's fixed choice, recorded
// in the checkpoint header) and z ~ N(0,I) for t>1, else 0. Deterministic
// given (seed, cond): every noise draw, including x_T, comes from rng.
func (m *Model) SampleDDPM(hidden, assetEmbed *mat.Dense, rng *rand.Rand) []float64 {
	h := m.Config.HorizonLen
	x := make([]float64, h)
	for i := range x {
		x[i] = rng.NormFloat64()
	}

	for t := m.Config.NumSteps; t >= 1; t-- {
		epsHat, _ := m.PredictNoise(x, t, hidden, assetEmbed)
		alpha := m.Schedule.Alpha[t-1]
		beta := m.Schedule.Beta[t-1]
		sqrtOneMinusAB := m.Schedule.SqrtOneMinusAlphaBar[t-1]
		sqrtAlpha := math.Sqrt(alpha)

		next := make([]float64, h)
		for i := range x {
			mean := (x[i] - (beta/sqrtOneMinusAB)*epsHat[i]) / sqrtAlpha
			var z float64
			if t > 1 {
				z = rng.NormFloat64()
			}
			sigma := math.Sqrt(beta)
			next[i] = mean + sigma*z
		}
		x = next
	}
	return x
}

// DDIMSchedule is a strictly increasing sub-sequence tau_1 < tau_2 < ...
// < tau_K of [1, T] (K <= T), e.g. produced by uniform sub-sampling.
type DDIMSchedule []int

// UniformDDIMSchedule builds a uniformly-spaced DDIM step subsequence
// with k steps (k <= numSteps).
func UniformDDIMSchedule(numSteps, k int) DDIMSchedule {
	if k > numSteps {
		k = numSteps
	}
	if k < 1 {
		k = 1
	}
	out := make(DDIMSchedule, k)
	stride := float64(numSteps) / float64(k)
	for i := 0; i < k; i++ {
		step := int(math.Round(float64(i+1) * stride))
		if step < 1 {
			step = 1
		}
		if step > numSteps {
			step = numSteps
		}
		out[i] = step
	}
	return out
}

// SampleDDIM runs the deterministic (eta=0) DDIM reverse process over
// the given strictly increasing step subsequence, descending from the
// largest entry to x_0.
func (m *Model) SampleDDIM(hidden, assetEmbed *mat.Dense, schedule DDIMSchedule, rng *rand.Rand) []float64 {
	h := m.Config.HorizonLen
	x := make([]float64, h)
	for i := range x {
		x[i] = rng.NormFloat64()
	}

	for k := len(schedule) - 1; k >= 0; k-- {
		tau := schedule[k]
		epsHat, _ := m.PredictNoise(x, tau, hidden, assetEmbed)
		sqrtAB := m.Schedule.SqrtAlphaBar[tau-1]
		sqrtOneMinusAB := m.Schedule.SqrtOneMinusAlphaBar[tau-1]

		x0Hat := make([]float64, h)
		for i := range x {
			x0Hat[i] = (x[i] - sqrtOneMinusAB*epsHat[i]) / sqrtAB
		}

		if k == 0 {
			x = x0Hat
			break
		}

		tauPrev := schedule[k-1]
		sqrtABPrev := m.Schedule.SqrtAlphaBar[tauPrev-1]
		sqrtOneMinusABPrev := m.Schedule.SqrtOneMinusAlphaBar[tauPrev-1]

		next := make([]float64, h)
		for i := range x {
			next[i] = sqrtABPrev*x0Hat[i] + sqrtOneMinusABPrev*epsHat[i]
		}
		x = next
	}
	return x
}

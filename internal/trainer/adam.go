// Package trainer implements the training loop (C3): batch construction
// from OHLCV history, the diffusion noise-prediction loss, an Adam
// optimizer over the manually-computed gradients from internal/diffusion,
// checkpoint-on-improvement, and early stopping.
package trainer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/diffstock/coreengine/internal/checkpoint"
	"github.com/diffstock/coreengine/internal/diffusion"
)

// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig matches the standard Adam defaults used throughout
// the reference corpus' numerical code.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{LearningRate: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Adam implements per-parameter Adam moment tracking over a
// checkpoint.Parameters-shaped map of gonum matrices.
type Adam struct {
	cfg AdamConfig
	m   map[string]*mat.Dense
	v   map[string]*mat.Dense
	t   int
}

// NewAdam allocates zero moment buffers matching the shapes in params.
func NewAdam(cfg AdamConfig, params checkpoint.Parameters) *Adam {
	a := &Adam{cfg: cfg, m: make(map[string]*mat.Dense, len(params)), v: make(map[string]*mat.Dense, len(params))}
	for name, p := range params {
		r, c := p.Dims()
		a.m[name] = mat.NewDense(r, c, nil)
		a.v[name] = mat.NewDense(r, c, nil)
	}
	return a
}

// Step applies one Adam update to params in place, given the gradients
// produced by diffusion.Model.Backward.
func (a *Adam) Step(params checkpoint.Parameters, grads diffusion.Gradients) {
	a.t++
	b1, b2, eps, lr := a.cfg.Beta1, a.cfg.Beta2, a.cfg.Epsilon, a.cfg.LearningRate
	bc1 := 1 - math.Pow(b1, float64(a.t))
	bc2 := 1 - math.Pow(b2, float64(a.t))

	for name, g := range grads {
		p, ok := params[name]
		if !ok {
			continue
		}
		m, v := a.m[name], a.v[name]
		rows, cols := p.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				gij := g.At(i, j)
				mij := b1*m.At(i, j) + (1-b1)*gij
				vij := b2*v.At(i, j) + (1-b2)*gij*gij
				m.Set(i, j, mij)
				v.Set(i, j, vij)
				mHat := mij / bc1
				vHat := vij / bc2
				p.Set(i, j, p.At(i, j)-lr*mHat/(math.Sqrt(vHat)+eps))
			}
		}
	}
}

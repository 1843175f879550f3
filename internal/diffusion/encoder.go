package diffusion

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Encoder is the single-layer Elman recurrence: h_t = tanh(Wx*x_t +
// Wh*h_{t-1} + b), run causally over the context window. The final
// hidden state is the context summary vector handed to the denoiser's
// conditioning vector.
type Encoder struct {
	Wx *mat.Dense // (hidden, 1)
	Wh *mat.Dense // (hidden, hidden)
	B  *mat.Dense // (hidden, 1)
}

// EncoderTrace retains every per-step activation needed for BPTT.
type EncoderTrace struct {
	Inputs  []float64    // x_t, t=0..L-1
	Hiddens []*mat.Dense // h_0 (zero vector) .. h_L, length L+1
}

// NewEncoder builds an encoder view over parameters already present in a
// Parameters map (no allocation of new tensors).
func NewEncoder(wx, wh, b *mat.Dense) *Encoder {
	return &Encoder{Wx: wx, Wh: wh, B: b}
}

// Forward runs the recurrence over contextReturns and returns the final
// hidden state plus the full trace for Backward.
func (e *Encoder) Forward(contextReturns []float64) (*mat.Dense, EncoderTrace) {
	hiddenDim, _ := e.Wx.Dims()
	trace := EncoderTrace{
		Inputs:  contextReturns,
		Hiddens: make([]*mat.Dense, len(contextReturns)+1),
	}
	trace.Hiddens[0] = mat.NewDense(hiddenDim, 1, nil)

	for t, x := range contextReturns {
		hPrev := trace.Hiddens[t]

		wxTerm := mat.NewDense(hiddenDim, 1, nil)
		wxTerm.Scale(x, e.Wx)

		whTerm := mat.NewDense(hiddenDim, 1, nil)
		whTerm.Mul(e.Wh, hPrev)

		a := mat.NewDense(hiddenDim, 1, nil)
		a.Add(wxTerm, whTerm)
		a.Add(a, e.B)

		h := mat.NewDense(hiddenDim, 1, nil)
		h.Apply(func(i, j int, v float64) float64 { return tanh(v) }, a)
		trace.Hiddens[t+1] = h
	}

	return trace.Hiddens[len(trace.Hiddens)-1], trace
}

// EncoderGradients mirrors Encoder's parameter shapes, accumulated during
// Backward.
type EncoderGradients struct {
	DWx *mat.Dense
	DWh *mat.Dense
	DB  *mat.Dense
}

// Backward runs BPTT given the gradient of the loss with respect to the
// final hidden state, returning gradients for every encoder parameter.
func (e *Encoder) Backward(trace EncoderTrace, dFinalHidden *mat.Dense) EncoderGradients {
	hiddenDim, _ := e.Wx.Dims()
	grads := EncoderGradients{
		DWx: mat.NewDense(hiddenDim, 1, nil),
		DWh: mat.NewDense(hiddenDim, hiddenDim, nil),
		DB:  mat.NewDense(hiddenDim, 1, nil),
	}

	dh := mat.NewDense(hiddenDim, 1, nil)
	dh.CloneFrom(dFinalHidden)

	for t := len(trace.Inputs) - 1; t >= 0; t-- {
		h := trace.Hiddens[t+1]
		hPrev := trace.Hiddens[t]
		x := trace.Inputs[t]

		// da = dh * (1 - h^2), tanh derivative.
		da := mat.NewDense(hiddenDim, 1, nil)
		da.Apply(func(i, j int, hv float64) float64 {
			return dh.At(i, j) * (1 - hv*hv)
		}, h)

		dwx := mat.NewDense(hiddenDim, 1, nil)
		dwx.Scale(x, da)
		grads.DWx.Add(grads.DWx, dwx)

		dwh := mat.NewDense(hiddenDim, hiddenDim, nil)
		dwh.Mul(da, hPrev.T())
		grads.DWh.Add(grads.DWh, dwh)

		grads.DB.Add(grads.DB, da)

		dhPrev := mat.NewDense(hiddenDim, 1, nil)
		dhPrev.Mul(e.Wh.T(), da)
		dh = dhPrev
	}

	return grads
}

func tanh(x float64) float64 {
	return math.Tanh(x)
}

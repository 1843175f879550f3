package diffusion

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Block is one FiLM-conditioned dilated causal convolution block: causal
// conv -> ReLU -> FiLM(scale, shift) -> residual add.
type Block struct {
	ConvW *mat.Dense // (channels, channels*kernel)
	ConvB *mat.Dense // (channels, 1)
	FilmW *mat.Dense // (2*channels, cond_dim)
	FilmB *mat.Dense // (2*channels, 1)

	Dilation int
	Kernel   int
}

// Denoiser is the dilated causal convolutional stack D(x_t, t, cond).
type Denoiser struct {
	InW    *mat.Dense // (channels, 1)
	InB    *mat.Dense // (channels, 1)
	Blocks []*Block
	OutW   *mat.Dense // (1, channels)
	OutB   *mat.Dense // (1, 1)
}

// BlockTrace retains every intermediate activation of one block's forward
// pass needed to run its backward pass.
type BlockTrace struct {
	Input    *mat.Dense // (channels, H), the block's input hidden state
	Xcol     *mat.Dense // (channels*kernel, H), im2col-gathered taps
	ConvOut  *mat.Dense // (channels, H), pre-activation conv output
	ReluOut  *mat.Dense // (channels, H)
	Scale    *mat.Dense // (channels, 1)
	Shift    *mat.Dense // (channels, 1)
	FilmOut  *mat.Dense // (channels, H)
	Cond     *mat.Dense // (cond_dim, 1)
}

// DenoiserTrace retains the full forward trace for Backward.
type DenoiserTrace struct {
	X        []float64 // input noisy latent, length H
	Hidden0  *mat.Dense
	Blocks   []BlockTrace
	Final    *mat.Dense // hidden state after the last block, (channels, H)
}

// Forward computes D(x_t, t_step, cond) where x is the noisy latent
// (length H) and cond is the pre-built conditioning vector (encoder
// hidden concatenated with asset embedding and sinusoidal step
// encoding). Returns the predicted noise vector (length H) and the trace
// needed for Backward.
func (d *Denoiser) Forward(x []float64, cond *mat.Dense) ([]float64, DenoiserTrace) {
	channels, _ := d.InW.Dims()
	h := len(x)

	xRow := mat.NewDense(1, h, x)
	hidden0 := mat.NewDense(channels, h, nil)
	hidden0.Mul(d.InW, xRow)
	addColBroadcast(hidden0, d.InB)

	trace := DenoiserTrace{X: x, Hidden0: hidden0, Blocks: make([]BlockTrace, len(d.Blocks))}

	current := hidden0
	for i, block := range d.Blocks {
		next, bt := block.forward(current, cond)
		trace.Blocks[i] = bt
		current = next
	}
	trace.Final = current

	noise := mat.NewDense(1, h, nil)
	noise.Mul(d.OutW, current)
	addColBroadcast(noise, d.OutB)

	out := make([]float64, h)
	for j := 0; j < h; j++ {
		out[j] = noise.At(0, j)
	}
	return out, trace
}

func (b *Block) forward(input *mat.Dense, cond *mat.Dense) (*mat.Dense, BlockTrace) {
	channels, h := input.Dims()
	xcol := im2colCausal(input, b.Kernel, b.Dilation)

	convOut := mat.NewDense(channels, h, nil)
	convOut.Mul(b.ConvW, xcol)
	addColBroadcast(convOut, b.ConvB)

	reluOut := mat.NewDense(channels, h, nil)
	reluOut.Apply(func(i, j int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, convOut)

	scaleShift := mat.NewDense(2*channels, 1, nil)
	scaleShift.Mul(b.FilmW, cond)
	scaleShift.Add(scaleShift, b.FilmB)
	scale := mat.NewDense(channels, 1, nil)
	shift := mat.NewDense(channels, 1, nil)
	for i := 0; i < channels; i++ {
		scale.Set(i, 0, scaleShift.At(i, 0))
		shift.Set(i, 0, scaleShift.At(channels+i, 0))
	}

	filmOut := mat.NewDense(channels, h, nil)
	filmOut.Apply(func(i, j int, v float64) float64 {
		return v*(1+scale.At(i, 0)) + shift.At(i, 0)
	}, reluOut)

	out := mat.NewDense(channels, h, nil)
	out.Add(filmOut, input)

	return out, BlockTrace{
		Input: input, Xcol: xcol, ConvOut: convOut, ReluOut: reluOut,
		Scale: scale, Shift: shift, FilmOut: filmOut, Cond: cond,
	}
}

// DenoiserGradients mirrors Denoiser's parameter shapes.
type DenoiserGradients struct {
	DInW   *mat.Dense
	DInB   *mat.Dense
	DBlocks []BlockGradients
	DOutW  *mat.Dense
	DOutB  *mat.Dense
	DCond  *mat.Dense // accumulated gradient wrt the conditioning vector
}

// BlockGradients mirrors Block's parameter shapes.
type BlockGradients struct {
	DConvW *mat.Dense
	DConvB *mat.Dense
	DFilmW *mat.Dense
	DFilmB *mat.Dense
}

// Backward runs the manual backward pass given dNoisePred, the gradient
// of the loss with respect to the predicted noise vector (length H).
func (d *Denoiser) Backward(trace DenoiserTrace, dNoisePred []float64) DenoiserGradients {
	channels, _ := d.InW.Dims()
	h := len(dNoisePred)
	condDim, _ := trace.Blocks[0].Cond.Dims()

	dNoise := mat.NewDense(1, h, dNoisePred)
	grads := DenoiserGradients{
		DOutW: mat.NewDense(1, channels, nil),
		DOutB: mat.NewDense(1, 1, nil),
		DCond: mat.NewDense(condDim, 1, nil),
	}
	grads.DOutW.Mul(dNoise, trace.Final.T())
	grads.DOutB.Set(0, 0, sumAll(dNoise))

	dCurrent := mat.NewDense(channels, h, nil)
	dCurrent.Mul(d.OutW.T(), dNoise)

	grads.DBlocks = make([]BlockGradients, len(d.Blocks))
	for i := len(d.Blocks) - 1; i >= 0; i-- {
		dPrev, bg, dCondBlock := d.Blocks[i].backward(trace.Blocks[i], dCurrent)
		grads.DBlocks[i] = bg
		grads.DCond.Add(grads.DCond, dCondBlock)
		dCurrent = dPrev
	}

	grads.DInW = mat.NewDense(channels, 1, nil)
	grads.DInB = mat.NewDense(channels, 1, nil)
	xRow := mat.NewDense(1, h, trace.X)
	grads.DInW.Mul(dCurrent, xRow.T())
	for i := 0; i < channels; i++ {
		var s float64
		for j := 0; j < h; j++ {
			s += dCurrent.At(i, j)
		}
		grads.DInB.Set(i, 0, s)
	}

	return grads
}

func (b *Block) backward(trace BlockTrace, dOut *mat.Dense) (*mat.Dense, BlockGradients, *mat.Dense) {
	channels, h := dOut.Dims()

	// Residual add: gradient passes straight through to the block's
	// input, and also into the FiLM branch.
	dFilmOut := dOut
	dInputDirect := dOut

	dReluOut := mat.NewDense(channels, h, nil)
	dScale := mat.NewDense(channels, 1, nil)
	dShift := mat.NewDense(channels, 1, nil)
	for i := 0; i < channels; i++ {
		var dsAcc, dshAcc float64
		for j := 0; j < h; j++ {
			g := dFilmOut.At(i, j)
			dReluOut.Set(i, j, g*(1+trace.Scale.At(i, 0)))
			dsAcc += g * trace.ReluOut.At(i, j)
			dshAcc += g
		}
		dScale.Set(i, 0, dsAcc)
		dShift.Set(i, 0, dshAcc)
	}

	dScaleShift := mat.NewDense(2*channels, 1, nil)
	for i := 0; i < channels; i++ {
		dScaleShift.Set(i, 0, dScale.At(i, 0))
		dScaleShift.Set(channels+i, 0, dShift.At(i, 0))
	}

	condDim, _ := trace.Cond.Dims()
	dFilmW := mat.NewDense(2*channels, condDim, nil)
	dFilmW.Mul(dScaleShift, trace.Cond.T())
	dFilmB := mat.NewDense(2*channels, 1, nil)
	dFilmB.CloneFrom(dScaleShift)
	dCond := mat.NewDense(condDim, 1, nil)
	dCond.Mul(b.FilmW.T(), dScaleShift)

	dConvOut := mat.NewDense(channels, h, nil)
	dConvOut.Apply(func(i, j int, v float64) float64 {
		if trace.ConvOut.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dReluOut)

	dConvW := mat.NewDense(channels, channels*b.Kernel, nil)
	dConvW.Mul(dConvOut, trace.Xcol.T())
	dConvB := mat.NewDense(channels, 1, nil)
	for i := 0; i < channels; i++ {
		var s float64
		for j := 0; j < h; j++ {
			s += dConvOut.At(i, j)
		}
		dConvB.Set(i, 0, s)
	}

	dXcol := mat.NewDense(channels*b.Kernel, h, nil)
	dXcol.Mul(b.ConvW.T(), dConvOut)
	dInputFromConv := im2colCausalBackward(dXcol, channels, h, b.Kernel, b.Dilation)

	dInput := mat.NewDense(channels, h, nil)
	dInput.Add(dInputDirect, dInputFromConv)

	return dInput, BlockGradients{DConvW: dConvW, DConvB: dConvB, DFilmW: dFilmW, DFilmB: dFilmB}, dCond
}

// im2colCausal gathers, for each output time step t, the kernel taps at
// t, t-dilation, t-2*dilation, ..., zero-padded for negative positions,
// stacking channels so column t has shape (channels*kernel, 1).
func im2colCausal(input *mat.Dense, kernel, dilation int) *mat.Dense {
	channels, h := input.Dims()
	out := mat.NewDense(channels*kernel, h, nil)
	for t := 0; t < h; t++ {
		for k := 0; k < kernel; k++ {
			srcT := t - k*dilation
			for c := 0; c < channels; c++ {
				row := k*channels + c
				if srcT >= 0 {
					out.Set(row, t, input.At(c, srcT))
				} else {
					out.Set(row, t, 0)
				}
			}
		}
	}
	return out
}

// im2colCausalBackward scatters a gradient over the im2col'd matrix back
// onto the (channels, h) input it was gathered from, accumulating
// contributions from every tap that read a given source position.
func im2colCausalBackward(dXcol *mat.Dense, channels, h, kernel, dilation int) *mat.Dense {
	dInput := mat.NewDense(channels, h, nil)
	for t := 0; t < h; t++ {
		for k := 0; k < kernel; k++ {
			srcT := t - k*dilation
			if srcT < 0 {
				continue
			}
			for c := 0; c < channels; c++ {
				row := k*channels + c
				dInput.Set(c, srcT, dInput.At(c, srcT)+dXcol.At(row, t))
			}
		}
	}
	return dInput
}

func addColBroadcast(m *mat.Dense, col *mat.Dense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		b := col.At(i, 0)
		for j := 0; j < cols; j++ {
			m.Set(i, j, m.At(i, j)+b)
		}
	}
}

func sumAll(m *mat.Dense) float64 {
	rows, cols := m.Dims()
	var s float64
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			s += m.At(i, j)
		}
	}
	return s
}

// SinusoidalStepEncoding builds a deterministic, parameter-free
// embedding of the diffusion step index t (1-indexed per the spec's
// t in [1,T]) into dim dimensions.
func SinusoidalStepEncoding(t int, dim int) *mat.Dense {
	out := mat.NewDense(dim, 1, nil)
	for i := 0; i < dim; i += 2 {
		freq := 1.0 / math.Pow(10000, float64(i)/float64(dim))
		out.Set(i, 0, math.Sin(float64(t)*freq))
		if i+1 < dim {
			out.Set(i+1, 0, math.Cos(float64(t)*freq))
		}
	}
	return out
}

// BuildCond concatenates the encoder hidden state, asset embedding, and
// step encoding into a single conditioning column vector, in the order
// the schema's film.W columns expect.
func BuildCond(h, assetEmbed, stepEnc *mat.Dense) *mat.Dense {
	hd, _ := h.Dims()
	ed, _ := assetEmbed.Dims()
	sd, _ := stepEnc.Dims()
	out := mat.NewDense(hd+ed+sd, 1, nil)
	for i := 0; i < hd; i++ {
		out.Set(i, 0, h.At(i, 0))
	}
	for i := 0; i < ed; i++ {
		out.Set(hd+i, 0, assetEmbed.At(i, 0))
	}
	for i := 0; i < sd; i++ {
		out.Set(hd+ed+i, 0, stepEnc.At(i, 0))
	}
	return out
}

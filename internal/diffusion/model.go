package diffusion

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/diffstock/coreengine/internal/checkpoint"
	"github.com/diffstock/coreengine/internal/errkind"
)

// Model binds a DiffusionConfig, its precomputed Schedule, and a
// checkpoint.Parameters map to the Encoder/EmbeddingTable/Denoiser views
// over it.
type Model struct {
	Config   DiffusionConfig
	Schedule Schedule
	Params   checkpoint.Parameters

	encoder   *Encoder
	embedding *EmbeddingTable
	denoiser  *Denoiser

	stateMu sync.Mutex
	state   State
}

// State reports the model's current lifecycle state. Zero-value Models
// (never returned by NewModel/FromParameters) report StateIdle.
func (m *Model) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state == "" {
		return StateIdle
	}
	return m.state
}

// BeginSampling transitions Loaded -> Sampling, rejecting a second
// concurrent forecast against the same model with errkind.Conflict.
func (m *Model) BeginSampling() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	switch m.state {
	case StateLoaded:
		m.state = StateSampling
		return nil
	case StateSampling:
		return errkind.New(errkind.Conflict, "Model.BeginSampling", "model is already sampling")
	default:
		return errkind.New(errkind.BadInput, "Model.BeginSampling", "model is not loaded")
	}
}

// EndSampling transitions Sampling -> Loaded unconditionally: both a
// successful rollout and a failed one return the model to Loaded, per
// the Idle -> Loaded -> Sampling -> Loaded lifecycle.
func (m *Model) EndSampling() {
	m.stateMu.Lock()
	m.state = StateLoaded
	m.stateMu.Unlock()
}

// NewModel builds fresh, randomly initialized parameters for cfg and
// assetCount known symbols (plus the reserved UNKNOWN row).
func NewModel(cfg DiffusionConfig, assetCount int, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	schema := Schema(cfg, assetCount)
	params := make(checkpoint.Parameters, len(schema))
	for name, shape := range schema {
		params[name] = randomDense(rng, shape[0], shape[1])
	}
	return FromParameters(cfg, assetCount, params)
}

// FromParameters builds a Model view over an already-populated parameter
// map, validating it against the config's declared schema first
// (errkind.Fatal on mismatch, per the ModelParameters invariant).
func FromParameters(cfg DiffusionConfig, assetCount int, params checkpoint.Parameters) (*Model, error) {
	schema := Schema(cfg, assetCount)
	if err := checkpoint.Validate(params, schema); err != nil {
		return nil, err
	}
	m := &Model{Config: cfg, Schedule: BuildSchedule(cfg), Params: params, state: StateLoaded}
	m.wireViews(cfg)
	return m, nil
}

func (m *Model) wireViews(cfg DiffusionConfig) {
	m.encoder = NewEncoder(m.Params["encoder.Wx"], m.Params["encoder.Wh"], m.Params["encoder.b"])
	m.embedding = &EmbeddingTable{Table: m.Params["asset.embedding"]}

	blocks := make([]*Block, cfg.DilationDepth)
	for i := 0; i < cfg.DilationDepth; i++ {
		blocks[i] = &Block{
			ConvW:    m.Params[fmt.Sprintf("denoiser.block%d.conv.W", i)],
			ConvB:    m.Params[fmt.Sprintf("denoiser.block%d.conv.b", i)],
			FilmW:    m.Params[fmt.Sprintf("denoiser.block%d.film.W", i)],
			FilmB:    m.Params[fmt.Sprintf("denoiser.block%d.film.b", i)],
			Dilation: 1 << uint(i),
			Kernel:   cfg.KernelSize,
		}
	}
	m.denoiser = &Denoiser{
		InW: m.Params["denoiser.in.W"], InB: m.Params["denoiser.in.b"],
		Blocks: blocks,
		OutW:   m.Params["denoiser.out.W"], OutB: m.Params["denoiser.out.b"],
	}
}

func randomDense(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	scale := 1.0 / math.Sqrt(float64(maxInt(cols, 1)))
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	return mat.NewDense(rows, cols, data)
}

// Example is one (context, target, asset_id) training or inference
// example: contextReturns has length ContextLen, targetReturns (when
// present) has length HorizonLen.
type Example struct {
	ContextReturns []float64
	TargetReturns  []float64
	AssetID        int
}

// EncodeContext runs the encoder and builds the conditioning vector
// (without the step encoding, which is appended per-step during
// training/sampling) for one example.
func (m *Model) EncodeContext(ex Example) (hidden, assetEmbed *mat.Dense, trace EncoderTrace) {
	hidden, trace = m.encoder.Forward(ex.ContextReturns)
	row := m.embedding.Table.RawMatrix().Rows - 1
	if ex.AssetID >= 0 && ex.AssetID < m.embedding.Table.RawMatrix().Rows-1 {
		row = ex.AssetID
	}
	assetEmbed = m.embedding.Lookup(row)
	return hidden, assetEmbed, trace
}

// ForwardNoise implements q(x_t | x_0): x_t = sqrt(alphaBar_t)*x0 +
// sqrt(1-alphaBar_t)*eps, stepIdx is 1-indexed into [1,T].
func (m *Model) ForwardNoise(x0 []float64, stepIdx int, eps []float64) []float64 {
	ab := m.Schedule.SqrtAlphaBar[stepIdx-1]
	om := m.Schedule.SqrtOneMinusAlphaBar[stepIdx-1]
	xt := make([]float64, len(x0))
	for i := range x0 {
		xt[i] = ab*x0[i] + om*eps[i]
	}
	return xt
}

// PredictNoise runs the denoiser for one (x_t, stepIdx, cond) input,
// where cond is built from the encoder hidden state, asset embedding,
// and the step's sinusoidal encoding.
func (m *Model) PredictNoise(xt []float64, stepIdx int, hidden, assetEmbed *mat.Dense) ([]float64, DenoiserTrace) {
	stepEnc := SinusoidalStepEncoding(stepIdx, m.Config.StepEmbedDim)
	cond := BuildCond(hidden, assetEmbed, stepEnc)
	return m.denoiser.Forward(xt, cond)
}

// StepLoss computes the mean squared error between the denoiser's
// prediction and the true noise for one training example at one sampled
// step, along with everything Backward needs to produce gradients.
type StepLoss struct {
	Loss          float64
	Eps           []float64
	PredNoise     []float64
	StepIdx       int
	DenoiserTrace DenoiserTrace
	EncoderTrace  EncoderTrace
	AssetRow      int
	AssetEmbed    *mat.Dense
	EncoderHidden *mat.Dense
}

// TrainingStep draws t ~ U{1..T} and eps ~ N(0, I), forms x_t, runs the
// full forward pass, and returns the noise-prediction MSE loss plus the
// trace needed to backpropagate it (internal/trainer owns the optimizer
// step itself).
func (m *Model) TrainingStep(ex Example, rng *rand.Rand) StepLoss {
	stepIdx := 1 + rng.Intn(m.Config.NumSteps)
	eps := make([]float64, len(ex.TargetReturns))
	for i := range eps {
		eps[i] = rng.NormFloat64()
	}
	xt := m.ForwardNoise(ex.TargetReturns, stepIdx, eps)

	hidden, assetEmbed, encTrace := m.EncodeContext(ex)
	pred, denTrace := m.PredictNoise(xt, stepIdx, hidden, assetEmbed)

	loss := mse(pred, eps)

	row := m.embedding.Table.RawMatrix().Rows - 1
	if ex.AssetID >= 0 && ex.AssetID < row {
		row = ex.AssetID
	}

	return StepLoss{
		Loss: loss, Eps: eps, PredNoise: pred, StepIdx: stepIdx,
		DenoiserTrace: denTrace, EncoderTrace: encTrace,
		AssetRow: row, AssetEmbed: assetEmbed, EncoderHidden: hidden,
	}
}

// Gradients is the full parameter gradient map matching checkpoint.Parameters
// key-for-key, produced by Backward for one StepLoss.
type Gradients map[string]*mat.Dense

// Backward runs the manual backward pass for one training step's loss,
// producing a gradient for every parameter in m.Params.
func (m *Model) Backward(sl StepLoss) Gradients {
	h := len(sl.PredNoise)
	dPred := make([]float64, h)
	for i := range dPred {
		dPred[i] = 2 * (sl.PredNoise[i] - sl.Eps[i]) / float64(h)
	}

	dg := m.denoiser.Backward(sl.DenoiserTrace, dPred)

	condDim := m.Config.CondDim()
	hd := m.Config.HiddenDim
	ed := m.Config.EmbedAsset
	dHidden := mat.NewDense(hd, 1, nil)
	dAssetEmbed := mat.NewDense(ed, 1, nil)
	for i := 0; i < hd; i++ {
		dHidden.Set(i, 0, dg.DCond.At(i, 0))
	}
	for i := 0; i < ed; i++ {
		dAssetEmbed.Set(i, 0, dg.DCond.At(hd+i, 0))
	}
	_ = condDim

	encGrads := m.encoder.Backward(sl.EncoderTrace, dHidden)

	grads := make(Gradients, len(m.Params))
	grads["encoder.Wx"] = encGrads.DWx
	grads["encoder.Wh"] = encGrads.DWh
	grads["encoder.b"] = encGrads.DB

	embedGrad := mat.NewDense(m.embedding.Table.RawMatrix().Rows, ed, nil)
	m.embedding.AccumulateGradient(embedGrad, sl.AssetRow, dAssetEmbed)
	grads["asset.embedding"] = embedGrad

	grads["denoiser.in.W"] = dg.DInW
	grads["denoiser.in.b"] = dg.DInB
	grads["denoiser.out.W"] = dg.DOutW
	grads["denoiser.out.b"] = dg.DOutB
	for i, bg := range dg.DBlocks {
		grads[fmt.Sprintf("denoiser.block%d.conv.W", i)] = bg.DConvW
		grads[fmt.Sprintf("denoiser.block%d.conv.b", i)] = bg.DConvB
		grads[fmt.Sprintf("denoiser.block%d.film.W", i)] = bg.DFilmW
		grads[fmt.Sprintf("denoiser.block%d.film.b", i)] = bg.DFilmB
	}
	return grads
}

func mse(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s / float64(len(a))
}

// ValidateExample rejects malformed examples before they reach the
// model, surfacing errkind.BadInput rather than panicking on a shape
// mismatch deep in a matmul.
func (m *Model) ValidateExample(ex Example) error {
	if len(ex.ContextReturns) != m.Config.ContextLen {
		return errkind.New(errkind.BadInput, "Model.ValidateExample",
			fmt.Sprintf("context length %d, want %d", len(ex.ContextReturns), m.Config.ContextLen))
	}
	if ex.TargetReturns != nil && len(ex.TargetReturns) != m.Config.HorizonLen {
		return errkind.New(errkind.BadInput, "Model.ValidateExample",
			fmt.Sprintf("target length %d, want %d", len(ex.TargetReturns), m.Config.HorizonLen))
	}
	return nil
}

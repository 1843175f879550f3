// Package diffusion implements the conditional denoising diffusion model
// (C2): a recurrent context encoder, an asset identity embedding table,
// and a FiLM-conditioned dilated causal convolutional denoiser, together
// with the forward noising process and both reverse samplers.
//
// There is no autodiff library in the reference corpus (no gorgonia, no
// gonum autodiff facility), so every layer below implements its own
// forward and backward pass by hand, using gonum.org/v1/gonum/mat matmul
// primitives the way internal/portfolio uses them for covariance — the
// same library, two different jobs.
package diffusion

import (
	"fmt"

	"github.com/diffstock/coreengine/internal/checkpoint"
	"github.com/diffstock/coreengine/internal/errkind"
)

// NoiseSchedule selects the variance schedule shape.
type NoiseSchedule string

const (
	ScheduleLinear NoiseSchedule = "linear"
	ScheduleCosine NoiseSchedule = "cosine"
)

// DiffusionConfig is fixed at train time and stamped into the checkpoint
// header; every downstream computation (schema, schedule, sampler) is
// derived from it.
type DiffusionConfig struct {
	NumSteps      int           `json:"num_steps"`
	Schedule      NoiseSchedule `json:"schedule"`
	BetaMin       float64       `json:"beta_min"`
	BetaMax       float64       `json:"beta_max"`
	ContextLen    int           `json:"context_len"`
	HorizonLen    int           `json:"horizon_len"`
	EmbedAsset    int           `json:"embed_asset"`
	HiddenDim     int           `json:"hidden_dim"`
	Channels      int           `json:"channels"`
	DilationDepth int           `json:"dilation_depth"` // number of stacked causal conv blocks
	StepEmbedDim  int           `json:"step_embed_dim"` // sinusoidal step encoding width
	KernelSize    int           `json:"kernel_size"`    // causal conv kernel width, default 2
}

// DefaultConfig returns a baseline configuration matching the ranges
// named in the data model (T in 50-200, feature dim 1). cmd/train and
// cmd/server do not call it; they build their DiffusionConfig from
// appconfig's training settings.
func DefaultConfig() DiffusionConfig {
	return DiffusionConfig{
		NumSteps:      100,
		Schedule:      ScheduleLinear,
		BetaMin:       1e-4,
		BetaMax:       0.02,
		ContextLen:    60,
		HorizonLen:    10,
		EmbedAsset:    8,
		HiddenDim:     32,
		Channels:      16,
		DilationDepth: 4,
		StepEmbedDim:  16,
		KernelSize:    2,
	}
}

// Validate checks the structural constraints a well-formed config must
// satisfy before a model can be built from it.
func (c DiffusionConfig) Validate() error {
	switch {
	case c.NumSteps < 1:
		return errkind.New(errkind.BadInput, "DiffusionConfig.Validate", "num_steps must be >= 1")
	case c.ContextLen < 1 || c.HorizonLen < 1:
		return errkind.New(errkind.BadInput, "DiffusionConfig.Validate", "context_len and horizon_len must be >= 1")
	case c.HiddenDim < 1 || c.EmbedAsset < 1 || c.Channels < 1:
		return errkind.New(errkind.BadInput, "DiffusionConfig.Validate", "hidden_dim, embed_asset and channels must be >= 1")
	case c.DilationDepth < 1:
		return errkind.New(errkind.BadInput, "DiffusionConfig.Validate", "dilation_depth must be >= 1")
	case c.KernelSize < 2:
		return errkind.New(errkind.BadInput, "DiffusionConfig.Validate", "kernel_size must be >= 2")
	case c.BetaMin <= 0 || c.BetaMax <= c.BetaMin:
		return errkind.New(errkind.BadInput, "DiffusionConfig.Validate", "require 0 < beta_min < beta_max")
	}
	return nil
}

// CondDim is the width of the conditioning vector fed to every FiLM
// projection: encoder hidden state concatenated with the asset embedding
// and the sinusoidal step encoding.
func (c DiffusionConfig) CondDim() int {
	return c.HiddenDim + c.EmbedAsset + c.StepEmbedDim
}

// UnknownAssetID is the reserved row of the asset embedding table for
// symbols not present in the AssetRegistry at train time.
const UnknownAssetID = -1

// AssetRegistry is the symbol <-> dense asset_id bijection, created when
// training begins and persisted with the checkpoint. Row A (== len of
// the table) is the reserved UNKNOWN embedding.
type AssetRegistry struct {
	symbolToID map[string]int
	idToSymbol []string
}

// NewAssetRegistry builds a registry over symbols in the given order;
// asset_id is the index into that order.
func NewAssetRegistry(symbols []string) *AssetRegistry {
	r := &AssetRegistry{
		symbolToID: make(map[string]int, len(symbols)),
		idToSymbol: make([]string, len(symbols)),
	}
	for i, s := range symbols {
		r.symbolToID[s] = i
		r.idToSymbol[i] = s
	}
	return r
}

// Size is A, the number of known symbols (excluding the UNKNOWN row).
func (r *AssetRegistry) Size() int { return len(r.idToSymbol) }

// AssetID resolves a symbol to its dense id, or UnknownAssetID if the
// symbol was not present when the registry was built.
func (r *AssetRegistry) AssetID(symbol string) int {
	if id, ok := r.symbolToID[symbol]; ok {
		return id
	}
	return UnknownAssetID
}

// EmbeddingRow returns the row index into the [A+1, E_asset] embedding
// table for the given asset id (UnknownAssetID maps to row A).
func (r *AssetRegistry) EmbeddingRow(assetID int) int {
	if assetID == UnknownAssetID || assetID < 0 || assetID >= r.Size() {
		return r.Size()
	}
	return assetID
}

// Symbols returns the registry's symbols in asset_id order.
func (r *AssetRegistry) Symbols() []string {
	out := make([]string, len(r.idToSymbol))
	copy(out, r.idToSymbol)
	return out
}

// Schema returns the declared name -> (rows, cols) shape map for a
// model's ModelParameters under cfg, used by checkpoint.Validate on load
// and by Model construction to allocate fresh tensors.
func Schema(cfg DiffusionConfig, assetCount int) checkpoint.Schema {
	s := checkpoint.Schema{
		"encoder.Wx": {cfg.HiddenDim, 1},
		"encoder.Wh": {cfg.HiddenDim, cfg.HiddenDim},
		"encoder.b":  {cfg.HiddenDim, 1},

		"asset.embedding": {assetCount + 1, cfg.EmbedAsset},

		"denoiser.in.W": {cfg.Channels, 1},
		"denoiser.in.b": {cfg.Channels, 1},

		"denoiser.out.W": {1, cfg.Channels},
		"denoiser.out.b": {1, 1},
	}
	for i := 0; i < cfg.DilationDepth; i++ {
		s[fmt.Sprintf("denoiser.block%d.conv.W", i)] = [2]int{cfg.Channels, cfg.Channels * cfg.KernelSize}
		s[fmt.Sprintf("denoiser.block%d.conv.b", i)] = [2]int{cfg.Channels, 1}
		s[fmt.Sprintf("denoiser.block%d.film.W", i)] = [2]int{2 * cfg.Channels, cfg.CondDim()}
		s[fmt.Sprintf("denoiser.block%d.film.b", i)] = [2]int{2 * cfg.Channels, 1}
	}
	return s
}

// State is the inference-side model lifecycle: Idle -> Loaded -> Sampling
// -> Loaded. A zero-value Model (construction never completed) reports
// Idle; NewModel/FromParameters transition to Loaded on success. Model's
// BeginSampling/EndSampling drive the rest: Loaded -> Sampling at the
// start of a forecast, and back to Loaded whether the rollout succeeded
// or failed.
type State string

const (
	StateIdle     State = "idle"
	StateLoaded   State = "loaded"
	StateSampling State = "sampling"
)

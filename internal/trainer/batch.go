package trainer

import (
	"math/rand"

	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/errkind"
	"github.com/diffstock/coreengine/internal/features"
)

// BuildExamples slices a symbol's normalized return series into
// (context_window, target_window) pairs: target is the next-H returns
// following an L_ctx-length context, stepping one bar at a time.
func BuildExamples(returns []float64, contextLen, horizonLen, assetID int) []diffusion.Example {
	need := contextLen + horizonLen
	if len(returns) < need {
		return nil
	}
	examples := make([]diffusion.Example, 0, len(returns)-need+1)
	for start := 0; start+need <= len(returns); start++ {
		ctx := make([]float64, contextLen)
		copy(ctx, returns[start:start+contextLen])
		tgt := make([]float64, horizonLen)
		copy(tgt, returns[start+contextLen:start+need])
		examples = append(examples, diffusion.Example{ContextReturns: ctx, TargetReturns: tgt, AssetID: assetID})
	}
	return examples
}

// SplitTemporal splits examples 80/20 into train/validation by temporal
// order — never by random shuffle across time, since later examples may
// leak future information about earlier ones through overlapping
// windows.
func SplitTemporal(examples []diffusion.Example, trainFrac float64) (train, val []diffusion.Example) {
	n := len(examples)
	cut := int(float64(n) * trainFrac)
	return examples[:cut], examples[cut:]
}

// ReturnsForSymbol computes the normalized log-return series for a
// symbol's full close history, used as the raw material for
// BuildExamples. Returns the z-scored series; callers needing price
// space should keep the closes around separately.
func ReturnsForSymbol(closes []float64) ([]float64, error) {
	logReturns, err := features.LogReturns(closes)
	if err != nil {
		return nil, err
	}
	window, err := features.Normalize(logReturns)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "trainer.ReturnsForSymbol", "normalize return series", err)
	}
	return window.Z, nil
}

// ShuffleExamples returns a seeded, shuffled copy of examples — shuffling
// is seed-tracked so that successive epochs with a derived seed remain
// reproducible.
func ShuffleExamples(examples []diffusion.Example, rng *rand.Rand) []diffusion.Example {
	out := make([]diffusion.Example, len(examples))
	copy(out, examples)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

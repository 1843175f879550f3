package trainer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/diffstock/coreengine/internal/diffusion"
)

func TestBuildExamplesSlicesContextAndTarget(t *testing.T) {
	returns := make([]float64, 20)
	for i := range returns {
		returns[i] = float64(i) * 0.01
	}
	examples := BuildExamples(returns, 5, 3, 0)
	wantCount := 20 - 8 + 1
	if len(examples) != wantCount {
		t.Fatalf("expected %d examples, got %d", wantCount, len(examples))
	}
	first := examples[0]
	if len(first.ContextReturns) != 5 || len(first.TargetReturns) != 3 {
		t.Fatalf("unexpected example shape: ctx=%d tgt=%d", len(first.ContextReturns), len(first.TargetReturns))
	}
	if first.TargetReturns[0] != returns[5] {
		t.Errorf("expected target to start right after context, got %v want %v", first.TargetReturns[0], returns[5])
	}
}

func TestSplitTemporalIsOrderPreserving(t *testing.T) {
	examples := make([]diffusion.Example, 10)
	for i := range examples {
		examples[i] = diffusion.Example{AssetID: i}
	}
	train, val := SplitTemporal(examples, 0.8)
	if len(train) != 8 || len(val) != 2 {
		t.Fatalf("expected 8/2 split, got %d/%d", len(train), len(val))
	}
	if train[0].AssetID != 0 || val[0].AssetID != 8 {
		t.Errorf("expected temporal ordering preserved, got train[0]=%d val[0]=%d", train[0].AssetID, val[0].AssetID)
	}
}

func TestShuffleExamplesIsDeterministicForSameSeed(t *testing.T) {
	examples := make([]diffusion.Example, 20)
	for i := range examples {
		examples[i] = diffusion.Example{AssetID: i}
	}
	out1 := ShuffleExamples(examples, rand.New(rand.NewSource(5)))
	out2 := ShuffleExamples(examples, rand.New(rand.NewSource(5)))
	for i := range out1 {
		if out1[i].AssetID != out2[i].AssetID {
			t.Fatalf("expected identical shuffle for identical seed at index %d", i)
		}
	}
}

func TestAdamStepReducesParameterNormTowardGradientDirection(t *testing.T) {
	cfg := diffusion.DiffusionConfig{
		NumSteps: 5, Schedule: diffusion.ScheduleLinear, BetaMin: 1e-4, BetaMax: 0.02,
		ContextLen: 4, HorizonLen: 2, EmbedAsset: 2, HiddenDim: 3,
		Channels: 2, DilationDepth: 1, StepEmbedDim: 2, KernelSize: 2,
	}
	model, err := diffusion.NewModel(cfg, 1, 1)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	optimizer := NewAdam(DefaultAdamConfig(0.01), model.Params)

	ex := diffusion.Example{
		ContextReturns: []float64{0.01, -0.01, 0.02, -0.02},
		TargetReturns:  []float64{0.01, -0.01},
		AssetID:        0,
	}
	rng := rand.New(rand.NewSource(2))
	before := model.TrainingStep(ex, rng)
	grads := model.Backward(before)
	if len(grads) == 0 {
		t.Fatal("expected non-empty gradient map")
	}

	// On Adam's first step the bias-corrected update is -lr*g/(|g|+eps),
	// so a parameter with a nonzero gradient moves against its sign.
	var probeName string
	var probeI, probeJ int
	var probeGrad, probeBefore float64
	for name, g := range grads {
		p, ok := model.Params[name]
		if !ok || probeName != "" {
			continue
		}
		r, c := g.Dims()
		for i := 0; i < r && probeName == ""; i++ {
			for j := 0; j < c; j++ {
				if math.Abs(g.At(i, j)) > 1e-6 {
					probeName, probeI, probeJ, probeGrad, probeBefore = name, i, j, g.At(i, j), p.At(i, j)
					break
				}
			}
		}
	}
	if probeName == "" {
		t.Fatal("expected at least one nonzero gradient entry")
	}

	optimizer.Step(model.Params, grads)

	delta := model.Params[probeName].At(probeI, probeJ) - probeBefore
	if delta*probeGrad >= 0 {
		t.Errorf("expected %s[%d,%d] to move against its gradient %v, moved by %v", probeName, probeI, probeJ, probeGrad, delta)
	}

	after := model.TrainingStep(ex, rand.New(rand.NewSource(2)))
	_ = after // loss after one step is not guaranteed monotonic on a single sample with fresh noise, so only the step direction is checked
}

package diffusion

import (
	"math/rand"
	"testing"
)

func tinyConfig() DiffusionConfig {
	return DiffusionConfig{
		NumSteps: 10, Schedule: ScheduleLinear, BetaMin: 1e-4, BetaMax: 0.02,
		ContextLen: 6, HorizonLen: 4, EmbedAsset: 3, HiddenDim: 5,
		Channels: 4, DilationDepth: 2, StepEmbedDim: 4, KernelSize: 2,
	}
}

func TestNewModelBuildsValidSchema(t *testing.T) {
	cfg := tinyConfig()
	model, err := NewModel(cfg, 3, 42)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if len(model.Params) == 0 {
		t.Fatal("expected non-empty parameter map")
	}
}

func TestAssetRegistryUnknownFallsBackToReservedRow(t *testing.T) {
	reg := NewAssetRegistry([]string{"AAPL", "MSFT"})
	if reg.AssetID("AAPL") != 0 {
		t.Errorf("expected AAPL -> 0, got %d", reg.AssetID("AAPL"))
	}
	if id := reg.AssetID("UNKNOWN_TICKER"); id != UnknownAssetID {
		t.Errorf("expected unknown symbol to map to UnknownAssetID, got %d", id)
	}
	if row := reg.EmbeddingRow(UnknownAssetID); row != reg.Size() {
		t.Errorf("expected UNKNOWN embedding row %d, got %d", reg.Size(), row)
	}
}

func TestTrainingStepProducesFiniteLoss(t *testing.T) {
	cfg := tinyConfig()
	model, err := NewModel(cfg, 2, 7)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	ex := Example{
		ContextReturns: []float64{0.01, -0.02, 0.003, 0.015, -0.008, 0.002},
		TargetReturns:  []float64{0.01, -0.005, 0.002, 0.008},
		AssetID:        0,
	}
	sl := model.TrainingStep(ex, rng)
	if sl.Loss < 0 {
		t.Fatalf("expected non-negative loss, got %v", sl.Loss)
	}
	grads := model.Backward(sl)
	for name, g := range grads {
		rows, cols := g.Dims()
		want, ok := model.Params[name]
		if !ok {
			t.Fatalf("gradient for unknown parameter %q", name)
		}
		wr, wc := want.Dims()
		if rows != wr || cols != wc {
			t.Errorf("gradient shape mismatch for %q: got (%d,%d), want (%d,%d)", name, rows, cols, wr, wc)
		}
	}
}

func TestSampleDDPMProducesHorizonLengthOutput(t *testing.T) {
	cfg := tinyConfig()
	model, err := NewModel(cfg, 1, 3)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	hidden, assetEmbed, _ := model.EncodeContext(Example{
		ContextReturns: []float64{0.01, -0.01, 0.02, -0.02, 0.01, -0.01},
		AssetID:        0,
	})
	rng := rand.New(rand.NewSource(99))
	x0 := model.SampleDDPM(hidden, assetEmbed, rng)
	if len(x0) != cfg.HorizonLen {
		t.Fatalf("expected horizon length %d, got %d", cfg.HorizonLen, len(x0))
	}
	for _, v := range x0 {
		if v != v { // NaN check
			t.Fatal("sampled value is NaN")
		}
	}
}

func TestSampleDDIMIsDeterministicGivenSeed(t *testing.T) {
	cfg := tinyConfig()
	model, err := NewModel(cfg, 1, 5)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	hidden, assetEmbed, _ := model.EncodeContext(Example{
		ContextReturns: []float64{0.01, -0.01, 0.02, -0.02, 0.01, -0.01},
		AssetID:        0,
	})
	schedule := UniformDDIMSchedule(cfg.NumSteps, 5)

	rng1 := rand.New(rand.NewSource(123))
	out1 := model.SampleDDIM(hidden, assetEmbed, schedule, rng1)
	rng2 := rand.New(rand.NewSource(123))
	out2 := model.SampleDDIM(hidden, assetEmbed, schedule, rng2)

	for i := range out1 {
		if out1[i] != out2[i] {
			t.Fatalf("expected deterministic DDIM output given same seed, index %d: %v vs %v", i, out1[i], out2[i])
		}
	}
}

func TestUniformDDIMScheduleIsStrictlyIncreasing(t *testing.T) {
	sched := UniformDDIMSchedule(100, 10)
	for i := 1; i < len(sched); i++ {
		if sched[i] <= sched[i-1] {
			t.Fatalf("expected strictly increasing schedule, got %v", sched)
		}
	}
}

func TestModelLifecycleStateTransitions(t *testing.T) {
	model, err := NewModel(tinyConfig(), 3, 7)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if model.State() != StateLoaded {
		t.Fatalf("expected StateLoaded after construction, got %s", model.State())
	}

	if err := model.BeginSampling(); err != nil {
		t.Fatalf("BeginSampling: %v", err)
	}
	if model.State() != StateSampling {
		t.Fatalf("expected StateSampling, got %s", model.State())
	}
	if err := model.BeginSampling(); err == nil {
		t.Fatal("expected BeginSampling to reject a concurrent sample")
	}

	model.EndSampling()
	if model.State() != StateLoaded {
		t.Fatalf("expected rollback to StateLoaded, got %s", model.State())
	}
}

func TestZeroValueModelIsIdle(t *testing.T) {
	var m Model
	if m.State() != StateIdle {
		t.Fatalf("expected zero-value Model to report StateIdle, got %s", m.State())
	}
	if err := m.BeginSampling(); err == nil {
		t.Fatal("expected BeginSampling on an idle model to fail")
	}
}

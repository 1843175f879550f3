package portfolio

import (
	"math"
	"math/rand"
	"testing"
)

func syntheticInputs(rng *rand.Rand, n, paths int) []AssetInput {
	symbols := []string{"AAA", "BBB", "CCC"}
	inputs := make([]AssetInput, n)
	for i := 0; i < n; i++ {
		pr := make([]float64, paths)
		for p := 0; p < paths; p++ {
			pr[p] = float64(i+1)*0.0005 + rng.NormFloat64()*0.01
		}
		inputs[i] = AssetInput{Symbol: symbols[i%len(symbols)] + string(rune('0'+i)), PathReturns: pr, CurrentPrice: 100}
	}
	return inputs
}

func TestOptimizeWeightsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	inputs := syntheticInputs(rng, 3, 500)

	alloc, err := Optimize(inputs, DefaultConstraints(), 42)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	var sum float64
	for _, w := range alloc.Weights {
		if w < 0 {
			t.Errorf("negative weight: %v", w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("expected weights to sum to 1, got %v", sum)
	}
}

func TestOptimizeRejectsSingleAsset(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	inputs := syntheticInputs(rng, 1, 100)
	if _, err := Optimize(inputs, DefaultConstraints(), 1); err == nil {
		t.Fatal("expected BadInput error for single-asset input")
	}
}

func TestOptimizeLeverageWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	inputs := syntheticInputs(rng, 3, 500)
	c := DefaultConstraints()

	alloc, err := Optimize(inputs, c, 7)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if alloc.Leverage < c.MinLeverage || alloc.Leverage > c.MaxLeverage {
		t.Errorf("leverage %v outside bounds [%v,%v]", alloc.Leverage, c.MinLeverage, c.MaxLeverage)
	}
}

func TestOptimizeIsDeterministicGivenSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	inputs := syntheticInputs(rng, 3, 300)

	a1, err := Optimize(inputs, DefaultConstraints(), 99)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	a2, err := Optimize(inputs, DefaultConstraints(), 99)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	for sym, w := range a1.Weights {
		if a2.Weights[sym] != w {
			t.Fatalf("expected deterministic weights for symbol %s: %v vs %v", sym, w, a2.Weights[sym])
		}
	}
}

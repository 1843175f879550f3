package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNextScheduledFirePrefersEarliestInstant(t *testing.T) {
	t1 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	opt := time.Date(2026, 1, 9, 8, 0, 0, 0, time.UTC)

	next, fireOpt := nextScheduledFire(t1, t2, true, opt)
	if !next.Equal(t1) || fireOpt {
		t.Fatalf("expected t1 (no opt window yet), got next=%v fireOpt=%v", next, fireOpt)
	}
}

func TestNextScheduledFirePicksOptimizationWindowWhenEarliest(t *testing.T) {
	t1 := time.Date(2026, 1, 9, 9, 30, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 9, 16, 0, 0, 0, time.UTC)
	opt := time.Date(2026, 1, 9, 8, 0, 0, 0, time.UTC)

	next, fireOpt := nextScheduledFire(t1, t2, true, opt)
	if !next.Equal(opt) || !fireOpt {
		t.Fatalf("expected the optimization window to fire first, got next=%v fireOpt=%v", next, fireOpt)
	}
}

func TestNextScheduledFireIgnoresOptimizationWindowWhenNoOptimizer(t *testing.T) {
	t1 := time.Date(2026, 1, 9, 9, 30, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 9, 16, 0, 0, 0, time.UTC)
	opt := time.Date(2026, 1, 9, 1, 0, 0, 0, time.UTC) // would be earliest, but no optimizer wired

	next, fireOpt := nextScheduledFire(t1, t2, false, opt)
	if !next.Equal(t1) || fireOpt {
		t.Fatalf("expected t1 with fireOpt=false when no optimizer is wired, got next=%v fireOpt=%v", next, fireOpt)
	}
}

func TestRunOptimizationWindowReplacesTargetWeights(t *testing.T) {
	called := false
	optimize := func(ctx context.Context, symbols []string) (map[string]float64, error) {
		called = true
		if len(symbols) != 2 {
			t.Fatalf("expected 2 symbols, got %v", symbols)
		}
		return map[string]float64{"A": 0.7, "B": 0.3}, nil
	}

	quotes := &fakeQuoteStream{prices: map[string]float64{"A": 100, "B": 50}}
	e := NewEngine(quotes, nil, optimize, nil, nil)
	if err := e.Start(context.Background(), Config{
		InitialCapital: decimal.NewFromInt(1000),
		TargetWeights:  map[string]float64{"A": 0.5, "B": 0.5},
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.runOptimizationWindow(context.Background()); err != nil {
		t.Fatalf("runOptimizationWindow: %v", err)
	}
	if !called {
		t.Fatal("expected OptimizeFunc to be invoked")
	}

	e.mu.RLock()
	got := copyWeights(e.targetWeights)
	e.mu.RUnlock()
	if got["A"] != 0.7 || got["B"] != 0.3 {
		t.Fatalf("expected target weights replaced by optimizer output, got %v", got)
	}
}

func TestRunOptimizationWindowNoopWithoutOptimizer(t *testing.T) {
	quotes := &fakeQuoteStream{prices: map[string]float64{"A": 100}}
	e := NewEngine(quotes, nil, nil, nil, nil)
	if err := e.Start(context.Background(), Config{
		InitialCapital: decimal.NewFromInt(1000),
		TargetWeights:  map[string]float64{"A": 1.0},
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.runOptimizationWindow(context.Background()); err != nil {
		t.Fatalf("expected nil error with no optimizer wired, got %v", err)
	}
	e.mu.RLock()
	got := copyWeights(e.targetWeights)
	e.mu.RUnlock()
	if got["A"] != 1.0 {
		t.Fatalf("expected target weights unchanged, got %v", got)
	}
}

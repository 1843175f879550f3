package features

import (
	"math"
	"testing"
)

func TestLogReturnsRejectsNonPositive(t *testing.T) {
	_, err := LogReturns([]float64{10, -5, 20})
	if err == nil {
		t.Fatal("expected BadInput error for non-positive close")
	}
}

func TestNormalizeDenormalizeRoundTrip(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.015, 0.003, -0.008, 0.02, -0.001}
	w, err := Normalize(returns)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got := Denormalize(w)
	for i := range returns {
		if math.Abs(got[i]-returns[i]) > 1e-8 {
			t.Errorf("index %d: want %v, got %v", i, returns[i], got[i])
		}
	}
}

func TestNormalizeRejectsFlatSeries(t *testing.T) {
	flat := make([]float64, 10)
	_, err := Normalize(flat)
	if err == nil {
		t.Fatal("expected BadInput error for zero-variance series (std below floor)")
	}
}

func TestNormalizeRejectsNonFinite(t *testing.T) {
	returns := []float64{0.01, math.NaN(), 0.02}
	if _, err := Normalize(returns); err == nil {
		t.Fatal("expected BadInput error for NaN input")
	}
}

func TestCompoundFromAnchor(t *testing.T) {
	anchor := 100.0
	returns := []float64{0.0, math.Log(1.1)}
	prices := CompoundFromAnchor(anchor, returns)
	if math.Abs(prices[0]-100.0) > 1e-9 {
		t.Errorf("expected first price unchanged at 100, got %v", prices[0])
	}
	if math.Abs(prices[1]-110.0) > 1e-9 {
		t.Errorf("expected second price 110, got %v", prices[1])
	}
}

package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"http_addr": ":9000"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Errorf("expected http_addr override, got %s", cfg.HTTPAddr)
	}
	if cfg.Optimizer.MaxWeight != 0.40 {
		t.Errorf("expected default max_weight 0.40, got %f", cfg.Optimizer.MaxWeight)
	}
}

func TestValidateRejectsBadWeightBounds(t *testing.T) {
	cfg := Default()
	cfg.Optimizer.MinWeight = 0.5
	cfg.Optimizer.MaxWeight = 0.3
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for min > max weight")
	}
}

func TestWatcherDetectsReloadableChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := Default()
	data := `{"optimizer":{"max_weight":0.4,"min_weight":0.02,"k_samples":2000,"refinement_budget":200,"target_vol_annual":0.15,"min_leverage":0.5,"max_leverage":2.0}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(path, cfg, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	changed := make(chan struct{}, 1)
	w.OnChange(func(old, new *Config) {
		changed <- struct{}{}
	})

	// Force mtime forward and tweak content so checkForChanges sees it.
	newData := `{"optimizer":{"max_weight":0.5,"min_weight":0.02,"k_samples":2000,"refinement_budget":200,"target_vol_annual":0.15,"min_leverage":0.5,"max_leverage":2.0}}`
	if err := os.WriteFile(path, []byte(newData), 0o644); err != nil {
		t.Fatal(err)
	}
	future := w.lastMod.Add(10 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	w.checkForChanges()

	select {
	case <-changed:
	default:
		t.Error("expected OnChange callback to fire after reloadable change")
	}
}

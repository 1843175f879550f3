// Package appconfig provides application-wide configuration management.
// All configuration is loaded from a JSON file and environment variables.
// No configuration is hardcoded in the diffusion, trainer, inference,
// portfolio, or paper-execution packages.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ComputeBackend selects where tensor computation runs.
type ComputeBackend string

const (
	BackendAuto        ComputeBackend = "auto"
	BackendCPU         ComputeBackend = "cpu"
	BackendGPU         ComputeBackend = "gpu"
	BackendAccelerator ComputeBackend = "accelerator"
)

// Config holds all system configuration. Loaded once at startup and passed
// as read-only to all engines.
type Config struct {
	// HTTPAddr is the control surface's listen address, e.g. ":8090".
	HTTPAddr string `json:"http_addr"`

	// DatabaseURL is the Postgres connection string backing the OHLCV
	// history cache and the statestream LISTEN/NOTIFY listener. Paper
	// trades and snapshots are not stored there.
	DatabaseURL string `json:"database_url"`

	// ComputeBackend selects the tensor execution backend. Only "cpu" is
	// implemented; other values are accepted and stored, no message is
	// logged, and computation runs on the cpu path regardless.
	ComputeBackend ComputeBackend `json:"compute_backend"`

	// DataProvider names the external OHLCVSource adapter in use. The
	// adapter itself is an external collaborator (spec.md §1); this
	// field only selects which one the control surface wires up.
	DataProvider string `json:"data_provider"`

	// Symbols is the tracked asset universe: every training run builds
	// its AssetRegistry from this list, and cmd/server uses it for the
	// registry on a cold start (no checkpoint to recover it from). The
	// paper engine's targets come from the /api/paper/start request, not
	// from this list.
	Symbols []string `json:"symbols"`

	// RTHOnly restricts QuoteStream polling to regular trading hours.
	RTHOnly bool `json:"rth_only"`

	// ModelPath overrides the default checkpoint file location.
	ModelPath string `json:"model_path"`

	// Paths for on-disk artifacts.
	Paths PathsConfig `json:"paths"`

	// Training hyperparameter defaults for cmd/train, whose flags override
	// them; /api/train/start takes epochs, batch size, learning rate and
	// patience from the request body alone.
	Training TrainingConfig `json:"training"`

	// Optimizer constraints; hot-reloadable (see Watcher).
	Optimizer OptimizerConfig `json:"optimizer"`

	// Paper execution defaults.
	Paper PaperConfig `json:"paper"`
}

// PathsConfig defines filesystem paths for durable state.
type PathsConfig struct {
	CheckpointDir  string `json:"checkpoint_dir"`
	StrategyFile   string `json:"strategy_file"`
	HistoryCacheTTLSeconds int `json:"history_cache_ttl_seconds"`
}

// TrainingConfig holds default training hyperparameters (spec.md §4.3).
type TrainingConfig struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Patience     int     `json:"patience"`
	ContextLen   int     `json:"context_len"`
	HorizonLen   int     `json:"horizon_len"`
	DiffusionSteps int   `json:"diffusion_steps"`
	Seed         int64   `json:"seed"`
	HistoryYears int     `json:"history_years"`
}

// OptimizerConfig holds the tunable constraints for the portfolio
// optimizer (spec.md §4.5). These are the hot-reloadable analogue of the
// teacher's RiskConfig: they cannot be overridden by a single request,
// only by a config change or a full process restart.
type OptimizerConfig struct {
	MaxWeight        float64 `json:"max_weight"`
	MinWeight        float64 `json:"min_weight"`
	KSamples         int     `json:"k_samples"`
	RefinementBudget int     `json:"refinement_budget"`
	TargetVolAnnual  float64 `json:"target_vol_annual"`
	MinLeverage      float64 `json:"min_leverage"`
	MaxLeverage      float64 `json:"max_leverage"`
}

// PaperConfig holds default paper-execution settings (spec.md §4.6).
type PaperConfig struct {
	FeeRate              float64 `json:"fee_rate"`
	FractionalShares     bool    `json:"fractional_shares"`
	FractionalPrecision  int     `json:"fractional_precision"`
	DefaultInitialCapital float64 `json:"default_initial_capital"`
}

// Default returns a Config with the defaults named throughout spec.md.
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8090",
		ComputeBackend: BackendAuto,
		DataProvider:   "none",
		Symbols:        []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA"},
		Paths: PathsConfig{
			CheckpointDir:          "data/checkpoints",
			StrategyFile:           "data/strategy.json",
			HistoryCacheTTLSeconds: 6 * 3600,
		},
		Training: TrainingConfig{
			Epochs:         50,
			BatchSize:      32,
			LearningRate:   1e-3,
			Patience:       5,
			ContextLen:     60,
			HorizonLen:     10,
			DiffusionSteps: 100,
			Seed:           1,
			HistoryYears:   5,
		},
		Optimizer: OptimizerConfig{
			MaxWeight:        0.40,
			MinWeight:        0.02,
			KSamples:         2000,
			RefinementBudget: 200,
			TargetVolAnnual:  0.15,
			MinLeverage:      0.5,
			MaxLeverage:      2.0,
		},
		Paper: PaperConfig{
			FeeRate:               0.0005,
			FractionalShares:      false,
			FractionalPrecision:   0,
			DefaultInitialCapital: 100000,
		},
	}
}

// Load reads configuration from a JSON file, applies defaults for omitted
// fields, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("appconfig: resolve path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("appconfig: read file %s: %w", absPath, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("appconfig: parse json: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("appconfig: validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DIFFSTOCK_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DIFFSTOCK_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DIFFSTOCK_COMPUTE_BACKEND"); v != "" {
		cfg.ComputeBackend = ComputeBackend(v)
	}
	if v := os.Getenv("DIFFSTOCK_DATA_PROVIDER"); v != "" {
		cfg.DataProvider = v
	}
	if v := os.Getenv("DIFFSTOCK_RTH_ONLY"); v == "true" {
		cfg.RTHOnly = true
	}
	if v := os.Getenv("DIFFSTOCK_MODEL_PATH"); v != "" {
		cfg.ModelPath = v
	}
}

// Validate checks that the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.Optimizer.MinWeight < 0 || c.Optimizer.MaxWeight > 1 || c.Optimizer.MinWeight > c.Optimizer.MaxWeight {
		return fmt.Errorf("optimizer weight bounds invalid: min=%.4f max=%.4f",
			c.Optimizer.MinWeight, c.Optimizer.MaxWeight)
	}
	if c.Optimizer.MinLeverage <= 0 || c.Optimizer.MaxLeverage < c.Optimizer.MinLeverage {
		return fmt.Errorf("optimizer leverage bounds invalid: min=%.2f max=%.2f",
			c.Optimizer.MinLeverage, c.Optimizer.MaxLeverage)
	}
	if c.Paper.FeeRate < 0 {
		return fmt.Errorf("paper.fee_rate must be >= 0, got %f", c.Paper.FeeRate)
	}
	if c.Training.ContextLen <= 0 || c.Training.HorizonLen <= 0 {
		return fmt.Errorf("training context_len and horizon_len must be positive")
	}
	return nil
}

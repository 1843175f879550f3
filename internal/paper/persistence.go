package paper

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/diffstock/coreengine/internal/errkind"
)

// StrategyFile is the durable, atomically-written record of engine
// state, adapted from the checkpoint package's write-to-temp-then-rename
// discipline (internal/checkpoint.Save) since the paper engine persists
// JSON rather than named tensors.
type StrategyFile struct {
	InitialCapital decimal.Decimal    `json:"initial_capital"`
	CashUSD        decimal.Decimal    `json:"cash_usd"`
	Holdings       []Holding          `json:"holdings"`
	TargetWeights  map[string]float64 `json:"target_weights"`
	Schedule       Schedule           `json:"schedule"`
	TradeHistory   []Trade            `json:"trade_history"`
	Snapshots      []Snapshot         `json:"snapshots"`
}

// buildStrategySnapshotLocked assembles a StrategyFile from current
// state. Caller must hold mu.
func (e *Engine) buildStrategySnapshotLocked() StrategyFile {
	holdings := make([]Holding, 0, len(e.holdings))
	for _, h := range e.holdings {
		holdings = append(holdings, h)
	}
	return StrategyFile{
		InitialCapital: e.initialCapital,
		CashUSD:        e.cashUSD,
		Holdings:       holdings,
		TargetWeights:  copyWeights(e.targetWeights),
		Schedule:       e.schedule,
		TradeHistory:   append([]Trade(nil), e.trades...),
		Snapshots:      append([]Snapshot(nil), e.snapshots...),
	}
}

// SaveStrategyFile writes sf to path atomically: write to a sibling
// temp file, fsync, then rename over the destination.
func SaveStrategyFile(path string, sf StrategyFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Transient, "paper.SaveStrategyFile", "marshal strategy file", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".strategy-*.tmp")
	if err != nil {
		return errkind.Wrap(errkind.Transient, "paper.SaveStrategyFile", "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errkind.Wrap(errkind.Transient, "paper.SaveStrategyFile", "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errkind.Wrap(errkind.Transient, "paper.SaveStrategyFile", "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return errkind.Wrap(errkind.Transient, "paper.SaveStrategyFile", "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errkind.Wrap(errkind.Transient, "paper.SaveStrategyFile", "rename temp file", err)
	}
	return nil
}

// LoadStrategyFile reads and validates a strategy file. A file missing
// the holdings field (nil, as opposed to an explicit empty array) is
// rejected as BadInput per the corrupt-file scenario: json.Unmarshal
// leaves Holdings nil when the key is absent, which we treat as
// malformed rather than "zero holdings".
func LoadStrategyFile(path string) (StrategyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StrategyFile{}, errkind.Wrap(errkind.BadInput, "paper.LoadStrategyFile", "read strategy file", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return StrategyFile{}, errkind.Wrap(errkind.BadInput, "paper.LoadStrategyFile", "parse strategy file", err)
	}
	if _, ok := raw["holdings"]; !ok {
		return StrategyFile{}, errkind.New(errkind.BadInput, "paper.LoadStrategyFile", "strategy file missing holdings field")
	}

	var sf StrategyFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return StrategyFile{}, errkind.Wrap(errkind.BadInput, "paper.LoadStrategyFile", "decode strategy file", err)
	}
	return sf, nil
}

// Load reconstructs engine state from a persisted strategy file and
// resumes Running. On a corrupt file the engine is left entirely
// unchanged and the error is returned as BadInput.
func (e *Engine) Load(ctx context.Context, path string) error {
	sf, err := LoadStrategyFile(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.initialCapital = sf.InitialCapital
	e.cashUSD = sf.CashUSD
	e.holdings = make(map[string]Holding, len(sf.Holdings))
	for _, h := range sf.Holdings {
		e.holdings[h.Symbol] = h
	}
	e.lastPrices = make(map[string]decimal.Decimal, len(sf.Holdings))
	for _, h := range sf.Holdings {
		e.lastPrices[h.Symbol] = h.AvgCost
	}
	e.targetWeights = copyWeights(sf.TargetWeights)
	e.schedule = sf.Schedule
	e.trades = append([]Trade(nil), sf.TradeHistory...)
	e.snapshots = append([]Snapshot(nil), sf.Snapshots...)
	e.strategyPath = path
	e.state = StateRunning
	return nil
}

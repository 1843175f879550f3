// Package paper implements the paper-trading execution engine (C6):
// target-weight reconciliation against live quotes, fee-aware fills,
// pro-rata cost-basis amortization, and snapshot/trade history.
//
// Grounded on the teacher's internal/broker.PaperBroker (mutex-guarded
// in-memory holdings, sequential order fills at request price) but
// generalized from single-order placement to scheduled whole-portfolio
// reconciliation against a target weight vector, and upgraded from
// float64 cash/price accounting to github.com/shopspring/decimal for
// exact monetary arithmetic (invariant 8.3 requires exact decimal
// accounting of total_value).
package paper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/errkind"
	"github.com/diffstock/coreengine/internal/marketdata"
)

// State is the paper engine's lifecycle, identical in shape to the
// trainer's: driven exclusively through the control surface.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
)

// DefaultFeeRate is 5 bps on notional, applied to both BUY and SELL
// fills.
const DefaultFeeRate = 0.0005

// Holding is one symbol's current position. Quantity is non-negative
// (long-only); AvgCost updates only on BUY and is amortized pro-rata
// on SELL.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// Side is a trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is one executed fill.
type Trade struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Notional  decimal.Decimal `json:"notional"`
}

// Snapshot is a point-in-time record of portfolio state.
type Snapshot struct {
	ID                 string                     `json:"id"`
	Timestamp          time.Time                  `json:"timestamp"`
	CashUSD            decimal.Decimal            `json:"cash_usd"`
	Holdings           map[string]Holding         `json:"holdings"`
	SymbolPrices       map[string]decimal.Decimal `json:"symbol_prices"`
	TotalValue         decimal.Decimal            `json:"total_value"`
	PnLUSD             decimal.Decimal            `json:"pnl_usd"`
	PnLPct             decimal.Decimal            `json:"pnl_pct"`
	BenchmarkReturnPct decimal.Decimal            `json:"benchmark_return_pct"`
}

// Schedule names the two daily rebalance instants and the optimization
// window.
type Schedule struct {
	TimeZone              string          `json:"time_zone"`
	Time1Hour             int             `json:"time1_hour"`
	Time1Min              int             `json:"time1_min"`
	Time2Hour             int             `json:"time2_hour"`
	Time2Min              int             `json:"time2_min"`
	OptTimeHour           int             `json:"opt_time_hour"`
	OptTimeMin            int             `json:"opt_time_min"`
	OptWeekdays           []time.Weekday  `json:"opt_weekdays"`
}

// Config bundles everything needed to start the engine.
type Config struct {
	InitialCapital decimal.Decimal
	TargetWeights  map[string]float64
	Schedule       Schedule
	FeeRate        float64
	StrategyPath   string
}

// Reporter receives snapshot/trade events; internal/statestream.Broadcaster
// satisfies a paper-specific adapter the same way it does trainer.Reporter.
type Reporter interface {
	ReportSnapshot(Snapshot)
	ReportTrade(Trade)
}

// OptimizeFunc runs the forecast-and-optimize pipeline (C4 -> C5) over a
// symbol universe and returns the resulting target weights. The
// scheduler loop invokes it at the weekly optimization window and feeds
// its result straight into the target weights that the next reconcile
// realizes as holdings (C5 -> C6).
type OptimizeFunc func(ctx context.Context, symbols []string) (map[string]float64, error)

type noopReporter struct{}

func (noopReporter) ReportSnapshot(Snapshot) {}
func (noopReporter) ReportTrade(Trade)       {}

// Engine owns the PaperState singleton: holdings, cash, target weights,
// and schedule. All mutation goes through reconcile, which holds mu for
// the whole batch so snapshot consumers never observe a half-applied
// rebalance.
type Engine struct {
	mu sync.RWMutex

	state          State
	initialCapital decimal.Decimal
	cashUSD        decimal.Decimal
	holdings       map[string]Holding
	targetWeights  map[string]float64
	schedule       Schedule
	feeRate        decimal.Decimal
	strategyPath   string

	trades     []Trade
	snapshots  []Snapshot
	lastPrices map[string]decimal.Decimal

	quotes   marketdata.QuoteStream
	calendar *marketdata.Calendar
	optimize OptimizeFunc
	reporter Reporter
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewEngine builds an idle Engine. optimize may be nil, in which case the
// scheduler never fires the optimization window and the engine only ever
// rebalances to whatever target weights SetTargets/Start supplied.
func NewEngine(quotes marketdata.QuoteStream, calendar *marketdata.Calendar, optimize OptimizeFunc, reporter Reporter, logger *zap.Logger) *Engine {
	if reporter == nil {
		reporter = noopReporter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		state:      StateIdle,
		holdings:   make(map[string]Holding),
		lastPrices: make(map[string]decimal.Decimal),
		quotes:     quotes,
		calendar:   calendar,
		optimize:   optimize,
		reporter:   reporter,
		logger:     logger,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Start transitions Idle/Stopped -> Running, initializing cash and an
// empty holdings map, then launches the scheduler loop.
func (e *Engine) Start(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting || e.state == StatePaused {
		e.mu.Unlock()
		return errkind.New(errkind.Conflict, "paper.Start", "engine already running")
	}
	feeRate := cfg.FeeRate
	if feeRate <= 0 {
		feeRate = DefaultFeeRate
	}
	e.initialCapital = cfg.InitialCapital
	e.cashUSD = cfg.InitialCapital
	e.holdings = make(map[string]Holding)
	e.lastPrices = make(map[string]decimal.Decimal)
	e.targetWeights = copyWeights(cfg.TargetWeights)
	e.schedule = cfg.Schedule
	e.feeRate = decimal.NewFromFloat(feeRate)
	e.strategyPath = cfg.StrategyPath
	e.trades = nil
	e.snapshots = nil
	e.state = StateRunning
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	go e.schedulerLoop(runCtx)
	return nil
}

// Pause toggles Running -> Paused, preserving all state.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return errkind.New(errkind.Conflict, "paper.Pause", "engine not running")
	}
	e.state = StatePaused
	return nil
}

// Resume toggles Paused -> Running.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return errkind.New(errkind.Conflict, "paper.Resume", "engine not paused")
	}
	e.state = StateRunning
	return nil
}

// Stop transitions to Stopped and persists a strategy file.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return errkind.New(errkind.Conflict, "paper.Stop", "engine not running")
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.state = StateStopped
	path := e.strategyPath
	snap := e.buildStrategySnapshotLocked()
	e.mu.Unlock()

	if path != "" {
		if err := SaveStrategyFile(path, snap); err != nil {
			e.logger.Warn("failed to persist strategy file on stop", zap.Error(err))
			return errkind.Wrap(errkind.Transient, "paper.Stop", "persisting strategy file", err)
		}
	}
	return nil
}

// SetTargets replaces the target universe. If applyNow, triggers an
// immediate rebalance; otherwise the new weights take effect at the next
// scheduled instant.
func (e *Engine) SetTargets(ctx context.Context, weights map[string]float64, applyNow bool) error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return errkind.New(errkind.Conflict, "paper.SetTargets", "engine not running")
	}
	e.targetWeights = copyWeights(weights)
	e.mu.Unlock()

	if applyNow {
		return e.Reconcile(ctx)
	}
	return nil
}

// Snapshot returns a deep copy of the current status, safe for
// concurrent readers.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latestSnapshotLocked()
}

// Trades returns a copy of the full trade history.
func (e *Engine) Trades() []Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func newID() string { return uuid.NewString() }

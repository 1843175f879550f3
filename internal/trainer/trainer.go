package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/diffstock/coreengine/internal/checkpoint"
	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/errkind"
	"github.com/diffstock/coreengine/internal/marketdata"
)

// State is the training engine's lifecycle, driven exclusively through
// the control surface: illegal transitions fail with a kind-qualified
// error rather than silently no-opping.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
)

// Hyperparameters configures one training run.
type Hyperparameters struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Patience     int
	Seed         int64
}

// EpochReport is emitted after every epoch via the status channel.
type EpochReport struct {
	Epoch          int     `json:"epoch"`
	TrainLoss      float64 `json:"train_loss"`
	ValLoss        float64 `json:"val_loss"`
	BestValLoss    float64 `json:"best_val_loss"`
	LearningRate   float64 `json:"learning_rate"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Reporter receives per-epoch status; internal/statestream.Broadcaster
// satisfies this via the thin statestream.TrainerReporter adapter.
type Reporter interface {
	ReportEpoch(EpochReport)
}

type noopReporter struct{}

func (noopReporter) ReportEpoch(EpochReport) {}

// Config bundles everything a training run needs beyond hyperparameters.
type Config struct {
	DiffusionConfig diffusion.DiffusionConfig
	Symbols         []string
	HistoryYears    int
	CheckpointPath  string
	Workers         int // errgroup worker pool size for per-batch forward passes
	Retry           RetryConfig
}

// Engine owns the TrainingState singleton and runs one training job at a
// time, serialized by mu.
type Engine struct {
	mu         sync.Mutex
	state      State
	source     marketdata.OHLCVSource
	logger     *zap.Logger
	reporter   Reporter
	lastReport EpochReport

	cancel context.CancelFunc
}

// LastReport returns the most recently emitted EpochReport, the zero
// value if training has not yet completed an epoch.
func (e *Engine) LastReport() EpochReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// NewEngine builds a training engine reading history through source.
func NewEngine(source marketdata.OHLCVSource, logger *zap.Logger, reporter Reporter) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = noopReporter{}
	}
	return &Engine{state: StateIdle, source: source, logger: logger, reporter: reporter}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start begins a training run. Fails with errkind.Conflict if a run is
// already in progress.
func (e *Engine) Start(ctx context.Context, cfg Config, hp Hyperparameters) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		return errkind.New(errkind.Conflict, "trainer.Start", "training already in progress")
	}
	e.state = StateStarting
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		err := e.run(runCtx, cfg, hp)
		e.mu.Lock()
		if err != nil {
			e.logger.Error("training run failed", zap.Error(err))
		}
		e.state = StateStopped
		e.mu.Unlock()
	}()
	return nil
}

// Stop cooperatively cancels the in-progress run at its next suspension
// point. Fails with errkind.Conflict if no run is in progress.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning && e.state != StateStarting {
		return errkind.New(errkind.Conflict, "trainer.Stop", "no training run in progress")
	}
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

func (e *Engine) run(ctx context.Context, cfg Config, hp Hyperparameters) error {
	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	registry := diffusion.NewAssetRegistry(cfg.Symbols)

	type symbolData struct {
		symbol string
		train  []diffusion.Example
		val    []diffusion.Example
	}
	perSymbol := make([]symbolData, len(cfg.Symbols))

	from := time.Now().AddDate(-cfg.HistoryYears, 0, 0)
	to := time.Now()
	for i, sym := range cfg.Symbols {
		var series marketdata.SymbolSeries
		err := WithRetry(ctx, cfg.Retry, e.logger, fmt.Sprintf("fetch %s history", sym), func() error {
			var fetchErr error
			series, fetchErr = e.source.FetchSeries(ctx, sym, from, to)
			return fetchErr
		})
		if err != nil {
			return errkind.Wrapf(errkind.Fatal, "trainer.run", err, "fetch history for %s", sym)
		}
		clean, dropped := series.Sanitize(5 * 24 * time.Hour)
		if dropped > 0 {
			e.logger.Warn("dropped bars sanitizing series", zap.String("symbol", sym), zap.Int("dropped", dropped))
		}
		returns, err := ReturnsForSymbol(clean.Closes())
		if err != nil {
			return errkind.Wrapf(errkind.Fatal, "trainer.run", err, "compute returns for %s", sym)
		}
		examples := BuildExamples(returns, cfg.DiffusionConfig.ContextLen, cfg.DiffusionConfig.HorizonLen, registry.AssetID(sym))
		train, val := SplitTemporal(examples, 0.8)
		perSymbol[i] = symbolData{symbol: sym, train: train, val: val}
	}

	var allTrain, allVal []diffusion.Example
	for _, sd := range perSymbol {
		allTrain = append(allTrain, sd.train...)
		allVal = append(allVal, sd.val...)
	}
	if len(allTrain) == 0 {
		return errkind.New(errkind.Fatal, "trainer.run", "no training examples after windowing; history too short")
	}

	model, err := diffusion.NewModel(cfg.DiffusionConfig, registry.Size(), hp.Seed)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "trainer.run", "build model", err)
	}
	optimizer := NewAdam(DefaultAdamConfig(hp.LearningRate), model.Params)

	bestValLoss := mathInf()
	epochsWithoutImprovement := 0
	startTime := time.Now()
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rng := rand.New(rand.NewSource(hp.Seed + int64(epoch)))
		shuffled := ShuffleExamples(allTrain, rng)

		trainLoss, err := e.runEpoch(ctx, model, optimizer, shuffled, hp.BatchSize, workers, rng)
		if err != nil {
			return err
		}

		valLoss, err := e.evaluate(ctx, model, allVal, workers)
		if err != nil {
			return err
		}

		if valLoss < bestValLoss {
			bestValLoss = valLoss
			epochsWithoutImprovement = 0
			if err := e.saveCheckpoint(cfg, model, registry, bestValLoss, epoch); err != nil {
				e.logger.Warn("checkpoint save failed", zap.Error(err))
			}
		} else {
			epochsWithoutImprovement++
		}

		report := EpochReport{
			Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, BestValLoss: bestValLoss,
			LearningRate: hp.LearningRate, ElapsedSeconds: time.Since(startTime).Seconds(),
		}
		e.mu.Lock()
		e.lastReport = report
		e.mu.Unlock()
		e.reporter.ReportEpoch(report)

		if epochsWithoutImprovement >= hp.Patience {
			e.logger.Info("early stopping", zap.Int("epoch", epoch), zap.Float64("best_val_loss", bestValLoss))
			break
		}
	}
	return nil
}

func (e *Engine) runEpoch(ctx context.Context, model *diffusion.Model, optimizer *Adam, examples []diffusion.Example, batchSize, workers int, rng *rand.Rand) (float64, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	var totalLoss float64
	var count int

	for start := 0; start < len(examples); start += batchSize {
		end := start + batchSize
		if end > len(examples) {
			end = len(examples)
		}
		batch := examples[start:end]

		results := make([]diffusion.StepLoss, len(batch))
		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(workers)
		for i, ex := range batch {
			i, ex := i, ex
			grp.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				localRng := rand.New(rand.NewSource(rng.Int63() + int64(i)))
				results[i] = model.TrainingStep(ex, localRng)
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			return 0, errkind.Wrap(errkind.Fatal, "trainer.runEpoch", "batch forward pass", err)
		}

		for _, sl := range results {
			grads := model.Backward(sl)
			optimizer.Step(model.Params, grads)
			totalLoss += sl.Loss
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return totalLoss / float64(count), nil
}

func (e *Engine) evaluate(ctx context.Context, model *diffusion.Model, examples []diffusion.Example, workers int) (float64, error) {
	if len(examples) == 0 {
		return 0, nil
	}
	losses := make([]float64, len(examples))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(workers)
	for i, ex := range examples {
		i, ex := i, ex
		grp.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			rng := rand.New(rand.NewSource(int64(i) + 1))
			sl := model.TrainingStep(ex, rng)
			losses[i] = sl.Loss
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return 0, errkind.Wrap(errkind.Fatal, "trainer.evaluate", "validation pass", err)
	}
	var sum float64
	for _, l := range losses {
		sum += l
	}
	return sum / float64(len(losses)), nil
}

func (e *Engine) saveCheckpoint(cfg Config, model *diffusion.Model, registry *diffusion.AssetRegistry, bestValLoss float64, epoch int) error {
	diffCfgJSON, err := marshalJSON(model.Config)
	if err != nil {
		return err
	}
	registryJSON, err := marshalJSON(registry.Symbols())
	if err != nil {
		return err
	}
	header := checkpoint.Header{
		DiffusionConfigJSON: json.RawMessage(diffCfgJSON),
		AssetRegistryJSON:   json.RawMessage(registryJSON),
		PosteriorVariance:   "beta",
		BestValLoss:         bestValLoss,
		Epoch:               epoch,
	}
	return checkpoint.Save(cfg.CheckpointPath, header, model.Params)
}

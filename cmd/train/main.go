// Command train runs one training job to completion from the command
// line, without the HTTP control surface — useful for a scripted batch
// job or a cron-triggered retrain, mirroring the teacher's standalone
// cmd/engine entrypoint that runs a single pass and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/appconfig"
	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/marketdata"
	"github.com/diffstock/coreengine/internal/telemetry"
	"github.com/diffstock/coreengine/internal/trainer"
)

// stdoutReporter prints one line per epoch, for a human watching the job
// run rather than the websocket feed used by cmd/server.
type stdoutReporter struct{ logger *zap.Logger }

func (r stdoutReporter) ReportEpoch(report trainer.EpochReport) {
	r.logger.Info("epoch complete",
		zap.Int("epoch", report.Epoch),
		zap.Float64("train_loss", report.TrainLoss),
		zap.Float64("val_loss", report.ValLoss),
		zap.Float64("best_val_loss", report.BestValLoss),
		zap.Float64("elapsed_seconds", report.ElapsedSeconds))
}

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols to train on (overrides config)")
	epochs := flag.Int("epochs", 0, "training epochs (0 = use config default)")
	batchSize := flag.Int("batch-size", 0, "batch size (0 = use config default)")
	learningRate := flag.Float64("lr", 0, "learning rate (0 = use config default)")
	patience := flag.Int("patience", 0, "early-stopping patience (0 = use config default)")
	dev := flag.Bool("dev", false, "use human-readable console logging")
	flag.Parse()

	logger := telemetry.NewLogger(*dev)
	defer logger.Sync()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	symbolList := cfg.Symbols
	if *symbolsFlag != "" {
		symbolList = strings.Split(*symbolsFlag, ",")
	}
	if len(symbolList) == 0 {
		logger.Fatal("no symbols provided; pass -symbols=SYM1,SYM2 or set symbols in the config file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	historyStore, err := marketdata.NewPostgresHistoryStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect history store", zap.Error(err))
	}
	historyTTL := time.Duration(cfg.Paths.HistoryCacheTTLSeconds) * time.Second
	historySource := marketdata.NewHistoryCache(inertUpstream{}, historyStore, historyTTL, logger.Named("historycache"))

	diffCfg := diffusion.DiffusionConfig{
		NumSteps: cfg.Training.DiffusionSteps, Schedule: diffusion.ScheduleCosine,
		BetaMin: 1e-4, BetaMax: 0.02,
		ContextLen: cfg.Training.ContextLen, HorizonLen: cfg.Training.HorizonLen,
		EmbedAsset: 8, HiddenDim: 32, Channels: 32, DilationDepth: 4, StepEmbedDim: 16, KernelSize: 2,
	}

	trainEngine := trainer.NewEngine(historySource, logger.Named("trainer"), stdoutReporter{logger: logger})
	trainConfig := trainer.Config{
		DiffusionConfig: diffCfg,
		Symbols:         symbolList,
		HistoryYears:    cfg.Training.HistoryYears,
		CheckpointPath:  cfg.ModelPath,
		Workers:         4,
	}

	hp := trainer.Hyperparameters{
		Epochs:       orInt(*epochs, cfg.Training.Epochs),
		BatchSize:    orInt(*batchSize, cfg.Training.BatchSize),
		LearningRate: orFloat(*learningRate, cfg.Training.LearningRate),
		Patience:     orInt(*patience, cfg.Training.Patience),
		Seed:         cfg.Training.Seed,
	}

	if err := trainEngine.Start(ctx, trainConfig, hp); err != nil {
		logger.Fatal("start training", zap.Error(err))
	}

	for {
		state := trainEngine.State()
		if state == trainer.StateStopped {
			break
		}
		select {
		case <-ctx.Done():
			trainEngine.Stop()
			fmt.Println("training interrupted")
			os.Exit(1)
		case <-time.After(500 * time.Millisecond):
		}
	}

	report := trainEngine.LastReport()
	fmt.Printf("training finished: epoch=%d best_val_loss=%.6f checkpoint=%s\n", report.Epoch, report.BestValLoss, cfg.ModelPath)
}

func orInt(flagVal, cfgVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	return cfgVal
}

func orFloat(flagVal, cfgVal float64) float64 {
	if flagVal != 0 {
		return flagVal
	}
	return cfgVal
}

// inertUpstream lets a training-only run operate purely off the Postgres
// history cache's already-synced bars, without a live vendor adapter
// wired in.
type inertUpstream struct{}

func (inertUpstream) FetchDailyCloses(ctx context.Context, symbol string, n int, asOf time.Time) ([]float64, error) {
	return nil, fmt.Errorf("no upstream vendor configured; relying on cached history only")
}

func (inertUpstream) FetchSeries(ctx context.Context, symbol string, from, to time.Time) (marketdata.SymbolSeries, error) {
	return marketdata.SymbolSeries{}, fmt.Errorf("no upstream vendor configured; relying on cached history only")
}

// Command server runs the HTTP/JSON control surface: training, forecast,
// portfolio optimization, paper execution, and the websocket state feed,
// all wired to a single process the way the teacher's cmd/dashboard and
// cmd/engine are combined here into one binary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/appconfig"
	"github.com/diffstock/coreengine/internal/checkpoint"
	"github.com/diffstock/coreengine/internal/control"
	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/errkind"
	"github.com/diffstock/coreengine/internal/inference"
	"github.com/diffstock/coreengine/internal/marketdata"
	"github.com/diffstock/coreengine/internal/paper"
	"github.com/diffstock/coreengine/internal/portfolio"
	"github.com/diffstock/coreengine/internal/statestream"
	"github.com/diffstock/coreengine/internal/telemetry"
	"github.com/diffstock/coreengine/internal/trainer"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	dev := flag.Bool("dev", false, "use human-readable console logging")
	flag.Parse()

	logger := telemetry.NewLogger(*dev)
	defer logger.Sync()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	historyStore, err := marketdata.NewPostgresHistoryStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect history store", zap.Error(err))
	}
	if err := historyStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("ensure history schema", zap.Error(err))
	}

	quoteSource, err := buildQuoteSource(cfg, logger)
	if err != nil {
		logger.Fatal("build quote source", zap.Error(err))
	}
	upstream, err := buildOHLCVUpstream(cfg, logger)
	if err != nil {
		logger.Fatal("build history upstream", zap.Error(err))
	}
	historyTTL := time.Duration(cfg.Paths.HistoryCacheTTLSeconds) * time.Second
	historySource := marketdata.NewHistoryCache(upstream, historyStore, historyTTL, logger.Named("historycache"))

	calendar, err := marketdata.NewCalendar("America/New_York", 9, 30, 16, 0, nil)
	if err != nil {
		logger.Fatal("build trading calendar", zap.Error(err))
	}

	broadcaster := statestream.NewBroadcaster(logger.Named("statestream"))
	go broadcaster.Run()

	eventListener := statestream.NewEventListener(cfg.DatabaseURL, broadcaster, logger.Named("statestream"), statestream.DefaultChannels)
	eventListener.Start(ctx)

	diffCfg := diffusion.DiffusionConfig{
		NumSteps: cfg.Training.DiffusionSteps, Schedule: diffusion.ScheduleCosine,
		BetaMin: 1e-4, BetaMax: 0.02,
		ContextLen: cfg.Training.ContextLen, HorizonLen: cfg.Training.HorizonLen,
		EmbedAsset: 8, HiddenDim: 32, Channels: 32, DilationDepth: 4, StepEmbedDim: 16, KernelSize: 2,
	}

	model, registry, err := loadOrInitModel(cfg, diffCfg, logger)
	if err != nil {
		logger.Fatal("load model", zap.Error(err))
	}

	trainReporter := statestream.NewTrainerReporter(broadcaster)
	trainEngine := trainer.NewEngine(historySource, logger.Named("trainer"), trainReporter)
	trainConfig := trainer.Config{
		DiffusionConfig: diffCfg,
		Symbols:         cfg.Symbols,
		HistoryYears:    cfg.Training.HistoryYears,
		CheckpointPath:  cfg.ModelPath,
		Workers:         4,
	}

	// inferenceModel is called on every forecast request and returns the
	// model loaded at startup; a checkpoint written by a later training run
	// is not loaded until the process restarts.
	currentModel := model
	currentRegistry := registry
	inferenceModel := func() (*diffusion.Model, *diffusion.AssetRegistry) {
		return currentModel, currentRegistry
	}

	portfolioOptimizer := buildPortfolioOptimizer(cfg, inferenceModel, historySource)

	paperReporter := statestream.NewPaperReporter(broadcaster)
	paperEngine := paper.NewEngine(quoteSource, calendar, portfolioOptimizer, paperReporter, logger.Named("paper"))

	server := control.NewServer(control.Dependencies{
		Logger:         logger.Named("control"),
		TrainEngine:    trainEngine,
		TrainConfig:    trainConfig,
		InferenceModel: inferenceModel,
		QuoteSource:    quoteSource,
		HistorySource:  historySource,
		PaperEngine:    paperEngine,
		Broadcaster:    broadcaster,
		Workers:        4,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("control surface listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	waitForShutdown(logger, cancel, httpServer, trainEngine, paperEngine, eventListener, broadcaster)
}

// waitForShutdown blocks until a termination signal arrives, then drains
// the HTTP server and cooperatively stops every engine. A second signal
// forces immediate exit without persisting paper state, matching the
// command surface's exit behavior: the first signal is a request, the
// second is an order.
func waitForShutdown(logger *zap.Logger, cancel context.CancelFunc, httpServer *http.Server, trainEngine *trainer.Engine, paperEngine *paper.Engine, eventListener *statestream.EventListener, broadcaster *statestream.Broadcaster) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("shutdown signal received, draining")

	go func() {
		<-sigChan
		logger.Warn("second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	cancel()

	if err := trainEngine.Stop(); err != nil {
		logger.Warn("stop trainer", zap.Error(err))
	}
	if err := paperEngine.Stop(); err != nil {
		logger.Warn("stop paper engine", zap.Error(err))
	}

	eventListener.Stop()
	broadcaster.Shutdown()

	logger.Info("shutdown complete")
}

// loadOrInitModel loads the checkpoint at cfg.ModelPath if present,
// otherwise returns a nil model and a registry built from cfg.Symbols, so
// the control surface can serve /api/train/start immediately on a cold
// start while forecast requests fail with "no trained model loaded".
func loadOrInitModel(cfg *appconfig.Config, diffCfg diffusion.DiffusionConfig, logger *zap.Logger) (*diffusion.Model, *diffusion.AssetRegistry, error) {
	if cfg.ModelPath == "" {
		return nil, diffusion.NewAssetRegistry(cfg.Symbols), nil
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		logger.Info("no checkpoint found, starting with an untrained model", zap.String("path", cfg.ModelPath))
		return nil, diffusion.NewAssetRegistry(cfg.Symbols), nil
	}

	header, err := checkpoint.LoadHeader(cfg.ModelPath)
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(header.DiffusionConfigJSON, &diffCfg); err != nil {
		return nil, nil, errkind.Wrap(errkind.Fatal, "main.loadOrInitModel", "parse diffusion config header", err)
	}
	var symbols []string
	if err := json.Unmarshal(header.AssetRegistryJSON, &symbols); err != nil {
		return nil, nil, errkind.Wrap(errkind.Fatal, "main.loadOrInitModel", "parse asset registry header", err)
	}
	schema := diffusion.Schema(diffCfg, len(symbols))

	_, params, err := checkpoint.Load(cfg.ModelPath, schema)
	if err != nil {
		return nil, nil, err
	}
	registry := diffusion.NewAssetRegistry(symbols)
	model, err := diffusion.FromParameters(diffCfg, registry.Size(), params)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("loaded checkpoint", zap.String("path", cfg.ModelPath), zap.Strings("symbols", symbols))
	return model, registry, nil
}

// buildPortfolioOptimizer closes over the live model and history source
// so the paper engine's scheduler can run the forecast-then-optimize
// pipeline (C4 -> C5) at its weekly optimization window without holding
// any of those collaborators itself.
func buildPortfolioOptimizer(cfg *appconfig.Config, inferenceModel func() (*diffusion.Model, *diffusion.AssetRegistry), historySource marketdata.OHLCVSource) paper.OptimizeFunc {
	constraints := portfolio.Constraints{
		MaxWeight: cfg.Optimizer.MaxWeight, MinWeight: cfg.Optimizer.MinWeight,
		KSamples: cfg.Optimizer.KSamples, RefinementBudget: cfg.Optimizer.RefinementBudget,
		TargetVolAnnual: cfg.Optimizer.TargetVolAnnual,
		MinLeverage:     cfg.Optimizer.MinLeverage, MaxLeverage: cfg.Optimizer.MaxLeverage,
	}
	horizon := cfg.Training.HorizonLen

	return func(ctx context.Context, symbols []string) (map[string]float64, error) {
		model, registry := inferenceModel()
		if model == nil {
			return nil, errkind.New(errkind.Conflict, "main.portfolioOptimizer", "no trained model loaded")
		}
		engine := inference.NewEngine(model, registry, historySource, 4)

		inputs := make([]portfolio.AssetInput, 0, len(symbols))
		for _, sym := range symbols {
			result, err := engine.Forecast(ctx, inference.Request{
				Symbol: sym, HorizonLen: horizon, NumPaths: 1000,
				Sampler: diffusion.SamplerDDPM, RequestTime: time.Now(),
			})
			if err != nil {
				return nil, err
			}
			pathReturns := make([]float64, len(result.SampleReturns))
			for i, path := range result.SampleReturns {
				var total float64
				for _, v := range path {
					total += v
				}
				pathReturns[i] = total
			}
			inputs = append(inputs, portfolio.AssetInput{Symbol: sym, PathReturns: pathReturns, CurrentPrice: result.CurrentPrice})
		}

		alloc, err := portfolio.Optimize(inputs, constraints, time.Now().UnixNano())
		if err != nil {
			return nil, err
		}
		return alloc.Weights, nil
	}
}

// buildQuoteSource and buildOHLCVUpstream select the external data
// adapter named by cfg.DataProvider. Only "none" (a deliberately inert
// source returning no data, for config validation and local smoke-runs)
// ships in this module; a deployment wires its own vendor adapter here,
// matching the teacher's pattern of treating the price feed as a pluggable
// boundary rather than a baked-in dependency.
func buildQuoteSource(cfg *appconfig.Config, logger *zap.Logger) (marketdata.QuoteStream, error) {
	if cfg.DataProvider != "none" {
		logger.Warn("unknown data_provider, falling back to an inert source", zap.String("data_provider", cfg.DataProvider))
	}
	return inertSource{}, nil
}

func buildOHLCVUpstream(cfg *appconfig.Config, logger *zap.Logger) (marketdata.OHLCVSource, error) {
	if cfg.DataProvider != "none" {
		logger.Warn("unknown data_provider, falling back to an inert source", zap.String("data_provider", cfg.DataProvider))
	}
	return inertSource{}, nil
}

// inertSource implements both marketdata.QuoteStream and OHLCVSource by
// returning empty results. It lets the control surface boot and serve
// /health and /api/train/status without a live market-data vendor wired
// in, the way a fresh checkout has no credentials configured yet.
type inertSource struct{}

func (inertSource) LatestQuotes(ctx context.Context, symbols []string) (map[string]marketdata.Quote, error) {
	return map[string]marketdata.Quote{}, nil
}

func (inertSource) FetchDailyCloses(ctx context.Context, symbol string, n int, asOf time.Time) ([]float64, error) {
	return nil, errkind.New(errkind.Transient, "inertSource.FetchDailyCloses", "no market data provider configured")
}

func (inertSource) FetchSeries(ctx context.Context, symbol string, from, to time.Time) (marketdata.SymbolSeries, error) {
	return marketdata.SymbolSeries{}, errkind.New(errkind.Transient, "inertSource.FetchSeries", "no market data provider configured")
}

package control

import (
	"context"
	"net/http"
	"time"

	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/errkind"
	"github.com/diffstock/coreengine/internal/inference"
	"github.com/diffstock/coreengine/internal/portfolio"
	"github.com/diffstock/coreengine/internal/trainer"
)

type forecastRequest struct {
	Symbol      string `json:"symbol"`
	Horizon     int    `json:"horizon"`
	Simulations int    `json:"simulations"`
}

func (s *Server) runForecast(r *http.Request, req forecastRequest) (inference.ForecastResult, error) {
	model, registry := s.inferenceModel()
	if model == nil {
		return inference.ForecastResult{}, errkind.New(errkind.Conflict, "control.runForecast", "no trained model loaded")
	}
	engine := inference.NewEngine(model, registry, s.historySource, s.workers)
	return engine.Forecast(r.Context(), inference.Request{
		Symbol: req.Symbol, HorizonLen: req.Horizon, NumPaths: req.Simulations,
		Sampler: diffusion.SamplerDDPM, RequestTime: time.Now(),
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req forecastRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handleForecast", errkind.Wrap(errkind.BadInput, "control.handleForecast", "decode request", err))
		return
	}
	result, err := s.runForecast(r, req)
	if err != nil {
		respondEngineError(w, "control.handleForecast", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type forecastBatchRequest struct {
	Symbols     []string `json:"symbols"`
	Horizon     int      `json:"horizon"`
	Simulations int      `json:"simulations"`
}

func (s *Server) handleForecastBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req forecastBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handleForecastBatch", errkind.Wrap(errkind.BadInput, "control.handleForecastBatch", "decode request", err))
		return
	}

	results := make([]inference.ForecastResult, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		result, err := s.runForecast(r, forecastRequest{Symbol: sym, Horizon: req.Horizon, Simulations: req.Simulations})
		if err != nil {
			respondEngineError(w, "control.handleForecastBatch", err)
			return
		}
		results = append(results, result)
	}
	respondJSON(w, http.StatusOK, results)
}

type portfolioRequest struct {
	Symbols []string `json:"symbols"`
}

// handlePortfolio forecasts every requested symbol, then optimizes
// weights over the sampled path returns. Each path's total-horizon
// log-return is the sum of its per-step log-returns
// (ForecastResult.SampleReturns), matching the optimizer's
// AssetInput.PathReturns contract.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req portfolioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handlePortfolio", errkind.Wrap(errkind.BadInput, "control.handlePortfolio", "decode request", err))
		return
	}

	inputs := make([]portfolio.AssetInput, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		result, err := s.runForecast(r, forecastRequest{Symbol: sym, Horizon: 10, Simulations: 1000})
		if err != nil {
			respondEngineError(w, "control.handlePortfolio", err)
			return
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

	alloc, err := portfolio.Optimize(inputs, portfolio.DefaultConstraints(), time.Now().UnixNano())
	if err != nil {
		respondEngineError(w, "control.handlePortfolio", err)
		return
	}
	respondJSON(w, http.StatusOK, alloc)
}

type quotesRequest struct {
	Symbols []string `json:"symbols"`
}

type quotesResponse struct {
	Prices       map[string]float64 `json:"prices"`
	ExchangeTsMs map[string]int64   `json:"exchange_ts_ms"`
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req quotesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handleQuotes", errkind.Wrap(errkind.BadInput, "control.handleQuotes", "decode request", err))
		return
	}
	quotes, err := s.quoteSource.LatestQuotes(r.Context(), req.Symbols)
	if err != nil {
		respondEngineError(w, "control.handleQuotes", errkind.Wrap(errkind.Transient, "control.handleQuotes", "fetch quotes", err))
		return
	}
	resp := quotesResponse{Prices: make(map[string]float64, len(quotes)), ExchangeTsMs: make(map[string]int64, len(quotes))}
	for sym, q := range quotes {
		resp.Prices[sym] = q.Price
		resp.ExchangeTsMs[sym] = q.ExchangeTime.UnixMilli()
	}
	respondJSON(w, http.StatusOK, resp)
}

type trainStartRequest struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Patience     int     `json:"patience"`
}

func (s *Server) handleTrainStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req trainStartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handleTrainStart", errkind.Wrap(errkind.BadInput, "control.handleTrainStart", "decode request", err))
		return
	}
	hp := trainer.Hyperparameters{
		Epochs: req.Epochs, BatchSize: req.BatchSize, LearningRate: req.LearningRate,
		Patience: req.Patience, Seed: time.Now().UnixNano(),
	}
	// The training run outlives this request, so it must not inherit
	// r.Context(), which is cancelled as soon as the handler returns.
	if err := s.trainEngine.Start(context.Background(), s.trainConfig, hp); err != nil {
		respondEngineError(w, "control.handleTrainStart", err)
		return
	}
	respondOK(w)
}

func (s *Server) handleTrainStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":       s.trainEngine.State(),
		"last_report": s.trainEngine.LastReport(),
	})
}

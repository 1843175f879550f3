package control

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/diffusion"
	"github.com/diffstock/coreengine/internal/marketdata"
	"github.com/diffstock/coreengine/internal/paper"
	"github.com/diffstock/coreengine/internal/statestream"
	"github.com/diffstock/coreengine/internal/trainer"
)

// Server wires every engine to the HTTP/JSON command surface. One
// instance per process, mirroring the teacher's single dashboard Server
// struct holding all request-serving dependencies.
type Server struct {
	mux *http.ServeMux

	logger *zap.Logger

	trainEngine    *trainer.Engine
	trainConfig    trainer.Config
	inferenceModel func() (*diffusion.Model, *diffusion.AssetRegistry) // returns the model to forecast with (nil when none is loaded)
	quoteSource    marketdata.QuoteStream
	historySource  marketdata.OHLCVSource
	paperEngine    *paper.Engine
	broadcaster    *statestream.Broadcaster
	workers        int
}

// Dependencies bundles every collaborator the control surface needs.
type Dependencies struct {
	Logger         *zap.Logger
	TrainEngine    *trainer.Engine
	TrainConfig    trainer.Config
	InferenceModel func() (*diffusion.Model, *diffusion.AssetRegistry)
	QuoteSource    marketdata.QuoteStream
	HistorySource  marketdata.OHLCVSource
	PaperEngine    *paper.Engine
	Broadcaster    *statestream.Broadcaster
	Workers        int
}

// NewServer builds the HTTP handler tree. The returned Server satisfies
// http.Handler via Mux().
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := deps.Workers
	if workers < 1 {
		workers = 4
	}

	s := &Server{
		mux:            http.NewServeMux(),
		logger:         logger,
		trainEngine:    deps.TrainEngine,
		trainConfig:    deps.TrainConfig,
		inferenceModel: deps.InferenceModel,
		quoteSource:    deps.QuoteSource,
		historySource:  deps.HistorySource,
		paperEngine:    deps.PaperEngine,
		broadcaster:    deps.Broadcaster,
		workers:        workers,
	}
	s.routes()
	return s
}

// Mux returns the wired http.Handler, for use with http.Server.
func (s *Server) Mux() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/api/forecast", s.handleForecast)
	s.mux.HandleFunc("/api/forecast/batch", s.handleForecastBatch)
	s.mux.HandleFunc("/api/portfolio", s.handlePortfolio)
	s.mux.HandleFunc("/api/paper/start", s.handlePaperStart)
	s.mux.HandleFunc("/api/paper/pause", s.handlePaperPause)
	s.mux.HandleFunc("/api/paper/resume", s.handlePaperResume)
	s.mux.HandleFunc("/api/paper/stop", s.handlePaperStop)
	s.mux.HandleFunc("/api/paper/load", s.handlePaperLoad)
	s.mux.HandleFunc("/api/paper/targets", s.handlePaperTargets)
	s.mux.HandleFunc("/api/paper/status", s.handlePaperStatus)
	s.mux.HandleFunc("/api/paper/optimization", s.handlePaperOptimization)
	s.mux.HandleFunc("/api/quotes", s.handleQuotes)
	s.mux.HandleFunc("/api/train/start", s.handleTrainStart)
	s.mux.HandleFunc("/api/train/status", s.handleTrainStatus)
	s.mux.HandleFunc("/api/state", s.handleState)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleState composes a read of every subsystem, matching /api/state's
// "All subsystems" effect in the command table.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	composite := map[string]interface{}{
		"train_state": s.trainEngine.State(),
		"train_last_report": s.trainEngine.LastReport(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.paperEngine != nil {
		composite["paper_state"] = s.paperEngine.State()
		composite["paper_snapshot"] = s.paperEngine.Snapshot()
	}
	respondJSON(w, http.StatusOK, composite)
}

package control

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/diffstock/coreengine/internal/errkind"
	"github.com/diffstock/coreengine/internal/paper"
)

type paperStartRequest struct {
	Targets               []string `json:"targets"`
	InitialCapital        float64  `json:"initial_capital"`
	Time1                 string   `json:"time1"` // "HH:MM"
	Time2                 string   `json:"time2"`
	OptimizationTime      string   `json:"optimization_time"`
	OptimizationWeekdays  []int    `json:"optimization_weekdays"`
}

func parseHHMM(s string) (hour, min int, ok bool) {
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || n != 2 {
		return 0, 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func (s *Server) handlePaperStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req paperStartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handlePaperStart", errkind.Wrap(errkind.BadInput, "control.handlePaperStart", "decode request", err))
		return
	}
	h1, m1, ok1 := parseHHMM(req.Time1)
	h2, m2, ok2 := parseHHMM(req.Time2)
	ho, mo, ok3 := parseHHMM(req.OptimizationTime)
	if !ok1 || !ok2 || !ok3 {
		respondEngineError(w, "control.handlePaperStart", errkind.New(errkind.BadInput, "control.handlePaperStart", "time1/time2/optimization_time must be HH:MM"))
		return
	}
	weekdays := make([]time.Weekday, len(req.OptimizationWeekdays))
	for i, d := range req.OptimizationWeekdays {
		weekdays[i] = time.Weekday(d)
	}
	weight := 1.0 / float64(len(req.Targets))
	weights := make(map[string]float64, len(req.Targets))
	for _, sym := range req.Targets {
		weights[sym] = weight
	}

	cfg := paper.Config{
		InitialCapital: decimal.NewFromFloat(req.InitialCapital),
		TargetWeights:  weights,
		Schedule: paper.Schedule{
			Time1Hour: h1, Time1Min: m1, Time2Hour: h2, Time2Min: m2,
			OptTimeHour: ho, OptTimeMin: mo, OptWeekdays: weekdays,
		},
		FeeRate: paper.DefaultFeeRate,
	}
	// The scheduler loop outlives this request, so it must not inherit
	// r.Context(), which is cancelled as soon as the handler returns.
	if err := s.paperEngine.Start(context.Background(), cfg); err != nil {
		respondEngineError(w, "control.handlePaperStart", err)
		return
	}
	respondOK(w)
}

func (s *Server) handlePaperPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	if err := s.paperEngine.Pause(); err != nil {
		respondEngineError(w, "control.handlePaperPause", err)
		return
	}
	respondOK(w)
}

func (s *Server) handlePaperResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	if err := s.paperEngine.Resume(); err != nil {
		respondEngineError(w, "control.handlePaperResume", err)
		return
	}
	respondOK(w)
}

func (s *Server) handlePaperStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	if err := s.paperEngine.Stop(); err != nil {
		respondEngineError(w, "control.handlePaperStop", err)
		return
	}
	respondOK(w)
}

type paperLoadRequest struct {
	StrategyFile string `json:"strategy_file"`
}

func (s *Server) handlePaperLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req paperLoadRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handlePaperLoad", errkind.Wrap(errkind.BadInput, "control.handlePaperLoad", "decode request", err))
		return
	}
	if err := s.paperEngine.Load(r.Context(), req.StrategyFile); err != nil {
		respondEngineError(w, "control.handlePaperLoad", err)
		return
	}
	respondOK(w)
}

type paperTargetsRequest struct {
	Symbols  []string `json:"symbols"`
	ApplyNow bool     `json:"apply_now"`
}

func (s *Server) handlePaperTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req paperTargetsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handlePaperTargets", errkind.Wrap(errkind.BadInput, "control.handlePaperTargets", "decode request", err))
		return
	}
	weight := 0.0
	if len(req.Symbols) > 0 {
		weight = 1.0 / float64(len(req.Symbols))
	}
	weights := make(map[string]float64, len(req.Symbols))
	for _, sym := range req.Symbols {
		weights[sym] = weight
	}
	if err := s.paperEngine.SetTargets(r.Context(), weights, req.ApplyNow); err != nil {
		respondEngineError(w, "control.handlePaperTargets", err)
		return
	}
	respondOK(w)
}

func (s *Server) handlePaperStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":    s.paperEngine.State(),
		"snapshot": s.paperEngine.Snapshot(),
		"trades":   s.paperEngine.Trades(),
	})
}

type paperOptimizationRequest struct {
	OptimizationTime     string `json:"optimization_time"`
	OptimizationWeekdays []int  `json:"optimization_weekdays"`
}

// handlePaperOptimization decodes the request and answers OK when the
// engine is Running or Paused (Conflict otherwise). It does not change
// the schedule: the optimization window keeps the time and weekdays the
// engine was started with, and the request's values are not applied.
func (s *Server) handlePaperOptimization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	var req paperOptimizationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, "control.handlePaperOptimization", errkind.Wrap(errkind.BadInput, "control.handlePaperOptimization", "decode request", err))
		return
	}
	if s.paperEngine.State() != paper.StateRunning && s.paperEngine.State() != paper.StatePaused {
		respondEngineError(w, "control.handlePaperOptimization", errkind.New(errkind.Conflict, "control.handlePaperOptimization", "engine not running"))
		return
	}
	respondOK(w)
}

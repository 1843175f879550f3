// Package control implements the HTTP/JSON command surface (C7): every
// command maps to a single state-machine transition on exactly one
// engine, serialized per-engine by that engine's own mutex; reads are
// lock-free snapshots. Adapted from the teacher's cmd/dashboard HTTP
// server (stdlib http.ServeMux, JSON response helpers, gorilla/websocket
// upgrade) generalized from read-only trade analytics to forecast,
// portfolio, paper, and training commands.
package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/diffstock/coreengine/internal/errkind"
)

// ErrorResponse is the wire shape for every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// OKResponse is the wire shape for commands whose only response is an
// acknowledgement.
type OKResponse struct {
	OK bool `json:"ok"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondOK(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// respondEngineError maps a kind-qualified error to its HTTP status and
// stable wire code (errkind.HTTPStatus / errkind.Code); any other error
// is treated as Fatal.
func respondEngineError(w http.ResponseWriter, op string, err error) {
	kind := errkind.KindOf(err)
	resp := ErrorResponse{
		Error:     http.StatusText(errkind.HTTPStatus(kind)),
		Code:      errkind.Code(kind),
		Message:   err.Error(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	respondJSON(w, errkind.HTTPStatus(kind), resp)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Package apihttp binds the storage layout, capacity gate, and
// supervisor behind the module host's six-endpoint wire contract.
//
// Grounded on kazuph-wallfacer's internal/handler.Handler (dependency
// struct + writeJSON helper) and root server.go's buildMux/middleware
// pair, adapted from the teacher's task-board routes to the fixed
// /info, /submit, /state, /kill, /log, /result contract.
package apihttp

import (
	"encoding/json"
	"net/http"

	"github.com/kazuph/modulehost/internal/apierror"
	"github.com/kazuph/modulehost/internal/capacity"
	"github.com/kazuph/modulehost/internal/logger"
	"github.com/kazuph/modulehost/internal/storage"
	"github.com/kazuph/modulehost/internal/supervisor"
)

// Info describes the module host for the /info endpoint.
type Info struct {
	APIVersion         string `json:"apiVersion"`
	ModuleName         string `json:"moduleName"`
	ImplementationName string `json:"implementationName"`
}

// Handler holds the dependencies every route needs.
type Handler struct {
	layout *storage.Layout
	gate   *capacity.Gate
	sup    *supervisor.Supervisor
	info   Info
}

// NewHandler constructs a Handler.
func NewHandler(layout *storage.Layout, gate *capacity.Gate, sup *supervisor.Supervisor, info Info) *Handler {
	return &Handler{layout: layout, gate: gate, sup: sup, info: info}
}

// writeJSON serializes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.HTTP.Error("write json", "error", err)
	}
}

// writeAPIError reports an *apierror.Error in the uniform {"message": ...}
// shape at its mapped status code.
func writeAPIError(w http.ResponseWriter, err *apierror.Error) {
	writeJSON(w, err.Kind.StatusCode(), map[string]any{"message": err.Message})
}

// NewMux builds the routed, middleware-wrapped http.Handler.
func NewMux(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", h.Info)
	mux.HandleFunc("POST /submit", h.Submit)
	mux.HandleFunc("GET /state/{id}", h.State)
	mux.HandleFunc("GET /kill/{id}", h.Kill)
	mux.HandleFunc("GET /log/{id}", h.Log)
	mux.HandleFunc("GET /result/{id}/{file}", h.Result)
	return securityMiddleware(loggingMiddleware(mux))
}

// Info implements GET /info.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	running, err := h.layout.RunningTaskCount()
	if err != nil {
		writeAPIError(w, apierror.New(apierror.Internal, "count running tasks: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"apiVersion":         h.info.APIVersion,
		"moduleName":         h.info.ModuleName,
		"implementationName": h.info.ImplementationName,
		"runningTasks":       running,
		"maxTasks":           h.gate.MaxTasks(),
	})
}

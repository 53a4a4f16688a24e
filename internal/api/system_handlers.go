// Package api is the thin HTTP adapter over the control facade. It maps the
// facade's errors onto status codes and otherwise stays out of the way; the
// orchestration logic lives in internal/core.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"testrun/internal/core"
	"testrun/internal/models"
)

// SystemHandler handles the run-control endpoints.
type SystemHandler struct {
	core *core.Core
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(c *core.Core) *SystemHandler {
	return &SystemHandler{core: c}
}

// RegisterRoutes registers the system routes.
func (h *SystemHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/system/start", h.startRun).Methods("POST")
	r.HandleFunc("/system/stop", h.stopRun).Methods("POST")
	r.HandleFunc("/system/status", h.getStatus).Methods("GET")
}

// startRequest is the body of POST /system/start.
type startRequest struct {
	Device struct {
		MACAddr     string                            `json:"mac_addr"`
		Firmware    string                            `json:"firmware"`
		TestModules map[string]models.ModuleOverride `json:"test_modules"`
	} `json:"device"`
}

// startRun begins a test run for the device named in the request body.
func (h *SystemHandler) startRun(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "startRun").Logger()

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn().Err(err).Msg("Invalid start request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	snapshot, err := h.core.Start(req.Device.MACAddr, req.Device.Firmware, req.Device.TestModules)
	if err != nil {
		logger.Warn().Err(err).Str("mac", req.Device.MACAddr).Msg("Start refused")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		logger.Error().Err(err).Msg("Failed to encode session snapshot")
	}
}

// stopRun cancels the current run.
func (h *SystemHandler) stopRun(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "stopRun").Logger()

	if err := h.core.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Stop refused")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"success": "Testrun stopped"})
}

// getStatus returns the current session snapshot.
func (h *SystemHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getStatus").Logger()

	status := h.core.Status()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logger.Error().Err(err).Msg("Failed to encode status")
	}
}

// writeError maps a facade error onto an HTTP status code with a JSON
// `{"error": …}` body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrDeviceNotFound), errors.Is(err, core.ErrNotRunning):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyRunning), errors.Is(err, core.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, core.ErrNetworkNotReady):
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

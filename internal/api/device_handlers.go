package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"testrun/internal/core"
	"testrun/internal/models"
)

// DeviceHandler handles device-profile endpoints.
type DeviceHandler struct {
	core *core.Core
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(c *core.Core) *DeviceHandler {
	return &DeviceHandler{core: c}
}

// RegisterRoutes registers the device routes.
func (h *DeviceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/devices", h.getDevices).Methods("GET")
	r.HandleFunc("/devices", h.saveDevice).Methods("POST")
	r.HandleFunc("/devices/{mac}", h.deleteDevice).Methods("DELETE")
}

// getDevices returns every known device profile.
func (h *DeviceHandler) getDevices(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getDevices").Logger()

	devices := h.core.Devices()
	if devices == nil {
		devices = []*models.Device{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(devices); err != nil {
		logger.Error().Err(err).Msg("Failed to encode devices")
	}
}

// saveDevice creates or updates a device profile.
func (h *DeviceHandler) saveDevice(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "saveDevice").Logger()

	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		logger.Warn().Err(err).Msg("Invalid device body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.core.SaveDevice(&device); err != nil {
		logger.Warn().Err(err).Str("mac", device.MACAddr).Msg("Save refused")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&device)
}

// deleteDevice removes a device profile and its run history.
func (h *DeviceHandler) deleteDevice(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "deleteDevice").Logger()

	mac := mux.Vars(r)["mac"]
	if err := h.core.DeleteDevice(mac); err != nil {
		logger.Warn().Err(err).Str("mac", mac).Msg("Delete refused")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"success": "Device deleted"})
}

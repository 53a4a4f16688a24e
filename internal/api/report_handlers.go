package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"testrun/internal/core"
)

// ReportHandler handles run-history queries and serves saved report files.
type ReportHandler struct {
	core       *core.Core
	devicesDir string
}

// NewReportHandler creates a new report handler. devicesDir is the root of
// the per-device folders holding saved reports.
func NewReportHandler(c *core.Core, devicesDir string) *ReportHandler {
	return &ReportHandler{core: c, devicesDir: devicesDir}
}

// RegisterRoutes registers the report routes.
func (h *ReportHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/reports/{mac}", h.getRuns).Methods("GET")
	r.HandleFunc("/report/{folder}/{timestamp}", h.getReport).Methods("GET")
	r.HandleFunc("/report/{folder}/{timestamp}/{file}", h.getReportFile).Methods("GET")
}

// getRuns returns the recorded runs for a device, most recent first.
func (h *ReportHandler) getRuns(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getRuns").Logger()

	mac := mux.Vars(r)["mac"]
	runs, err := h.core.Runs(mac)
	if err != nil {
		logger.Warn().Err(err).Str("mac", mac).Msg("Run query refused")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		logger.Error().Err(err).Msg("Failed to encode runs")
	}
}

// getReport serves the HTML report of a saved run.
func (h *ReportHandler) getReport(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "report.html")
}

// getReportFile serves one artefact out of a saved run.
func (h *ReportHandler) getReportFile(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, mux.Vars(r)["file"])
}

// serve resolves a saved report path, refusing anything that escapes the
// devices directory.
func (h *ReportHandler) serve(w http.ResponseWriter, r *http.Request, file string) {
	vars := mux.Vars(r)
	path := filepath.Join(h.devicesDir, vars["folder"], "reports", vars["timestamp"], file)
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, filepath.Clean(h.devicesDir)+string(filepath.Separator)) {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

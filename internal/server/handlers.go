package server

import (
	"encoding/json"
	"net/http"

	"github.com/jfoltran/walbouncer/internal/config"
	"github.com/jfoltran/walbouncer/internal/metrics"
)

type handlers struct {
	collector *metrics.Collector
	cfg       *config.Config
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap)
}

func (h *handlers) sessions(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap.Sessions)
}

func (h *handlers) configHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeJSON(w, map[string]string{"error": "no config available"})
		return
	}
	writeJSON(w, struct {
		Listen  config.ListenConfig  `json:"listen"`
		Master  config.MasterConfig  `json:"master"`
		Admin   config.AdminConfig   `json:"admin"`
		Logging config.LoggingConfig `json:"logging"`
	}{
		Listen:  h.cfg.Listen,
		Master:  h.cfg.Master,
		Admin:   h.cfg.Admin,
		Logging: h.cfg.Logging,
	})
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	entries := h.collector.Logs()
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

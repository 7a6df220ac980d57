package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/ruteri/stowage/api"
	"github.com/ruteri/stowage/common"
)

func writeHealth(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.HealthResponse{Status: status, Version: common.Version})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, "alive")
}

// handleReadinessCheck answers 503 while draining so that load balancers
// stop routing new uploads here.
func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Load() {
		writeHealth(w, http.StatusOK, "ready")
		return
	}
	writeHealth(w, http.StatusServiceUnavailable, "not ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeHealth(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready", "drainDuration", srv.cfg.DrainDuration)
	writeHealth(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeHealth(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeHealth(w, http.StatusOK, "ready")
}

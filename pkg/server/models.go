package server

import (
	"net/http"

	"github.com/originhq/origin/pkg/api"
)

// handleModelStatus reports which scoring models are loaded and whether
// any model type is running on the built-in heuristics.
func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.registry.Status())
}

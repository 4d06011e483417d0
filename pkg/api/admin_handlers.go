package api

import (
	"net/http"

	"github.com/platinummonkey/portrait/pkg/httputil"
	"github.com/platinummonkey/portrait/pkg/middleware"
)

func (s *Server) analyzeOrphans(w http.ResponseWriter, r *http.Request) {
	report, err := s.storage.Analyze(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) cleanupOrphans(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.GetIdentity(r.Context())

	var req CleanupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Password == "" {
		httputil.WriteBadRequest(w, "password is required")
		return
	}

	result, err := s.storage.Cleanup(r.Context(), caller.UserID, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		PendingApproval: len(s.approvals.Pending()),
	})
}

// handleListRegions handles GET /regions.
func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.workspaces.List(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RegionsResponse{Regions: regions})
}

// handleGetRegion handles GET /regions/{region}.
func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	region := engine.Region(chi.URLParam(r, "region"))
	if err := region.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, err.Error())
		return
	}

	ws, err := s.workspaces.Get(r.Context(), region)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := RegionResponse{Workspace: ws}
	if rec, err := s.approvals.Latest(r.Context(), region); err == nil {
		resp.LatestApproval = rec
	} else if engine.CodeOf(err) != engine.ErrCodeNotFound {
		s.logger.Warn().Err(err).Str("region", string(region)).Msg("Failed to load latest approval")
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleListApprovals handles GET /approvals.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ApprovalsResponse{Pending: s.approvals.Pending()})
}

// handleDecide handles POST /approvals/{id}.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	pendingID := chi.URLParam(r, "id")

	var req DecisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, err.Error())
		return
	}

	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "unauthenticated")
		return
	}
	if req.Actor != "" && req.Actor != principal.Actor {
		s.writeError(w, http.StatusForbidden, engine.ErrCodeUnauthorizedActor,
			"actor "+req.Actor+" does not match the API token")
		return
	}

	rec, err := s.approvals.Decide(r.Context(), pendingID, principal.Actor, req.Decision, req.Comment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.logger.Info().
		Str("pending_id", pendingID).
		Str("region", string(rec.Region)).
		Str("actor", rec.Actor).
		Str("decision", string(rec.Decision)).
		Msg("Approval decision recorded")

	respondJSON(w, http.StatusOK, DecisionResponse{Record: rec})
}

// writeEngineError maps classified engine errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := engine.CodeOf(err)
	status := http.StatusInternalServerError

	switch code {
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeValidation:
		status = http.StatusBadRequest
	case engine.ErrCodeUnauthorizedActor:
		status = http.StatusForbidden
	case engine.ErrCodeStaleApproval:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

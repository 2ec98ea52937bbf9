package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/1sec-project/accessguard/internal/response"
)

func (s *Server) mountResponses(r chi.Router) {
	r.Get("/policies", s.handleListPolicies)
	r.Post("/policies", s.handleCreatePolicy)
	r.Get("/policies/{policyID}", s.handleGetPolicy)
	r.Patch("/policies/{policyID}", s.handleUpdatePolicy)
	r.Delete("/policies/{policyID}", s.handleDeletePolicy)
	r.Post("/policies/{policyID}/trigger", s.handleTriggerPolicy)

	r.Get("/responses", s.handleResponseHistory)
	r.Get("/responses/stats", s.handleResponseStats)
	r.Get("/responses/{responseID}", s.handleGetResponse)
}

type triggerRequest struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	TriggeredBy string `json:"triggered_by"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	var (
		policies []response.Policy
		err      error
	)
	if trigger := r.URL.Query().Get("trigger"); trigger != "" {
		policies, err = s.engine.Policies.GetPoliciesByTrigger(r.Context(), trigger)
	} else {
		policies, err = s.engine.Policies.GetAllPolicies(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if policies == nil {
		policies = []response.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": policies, "total": len(policies)})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p response.Policy
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.engine.Policies.CreatePolicy(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Policies.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var u response.PolicyUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.Policies.UpdatePolicy(r.Context(), chi.URLParam(r, "policyID"), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Policies.DeletePolicy(r.Context(), chi.URLParam(r, "policyID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerPolicy starts a response and returns the PENDING record; the
// action runs after the request completes.
func (s *Server) handleTriggerPolicy(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.engine.Executor.TriggerResponse(r.Context(), chi.URLParam(r, "policyID"), req.TriggeredBy,
		response.Target{UserID: req.UserID, DeviceID: req.DeviceID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleResponseHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.engine.Executor.GetResponseHistory(r.Context(), response.HistoryFilter{
		PolicyID:     q.Get("policy_id"),
		TargetUserID: q.Get("user_id"),
		Status:       response.Status(strings.ToUpper(q.Get("status"))),
		Limit:        limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []response.SecurityResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"responses": history, "total": len(history)})
}

func (s *Server) handleResponseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Executor.GetResponseStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.Executor.GetResponse(r.Context(), chi.URLParam(r, "responseID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

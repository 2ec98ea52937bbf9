package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/core"
)

func (s *Server) mountAnomalies(r chi.Router) {
	r.Post("/events", s.handleIngestEvent)
	r.Post("/events/async", s.handlePublishEvent)

	r.Get("/anomalies/{anomalyID}", s.handleGetAnomaly)
	r.Patch("/anomalies/{anomalyID}", s.handleUpdateAnomalyStatus)
	r.Post("/anomalies/correlate", s.handleCorrelate)
	r.Get("/users/{userID}/anomalies", s.handleUserAnomalies)
	r.Get("/users/{userID}/correlation", s.handleCorrelateUser)

	r.Get("/alerts", s.handleListAlerts)
	r.Get("/alerts/{alertID}", s.handleGetAlert)
	r.Post("/alerts/{alertID}/acknowledge", s.handleAcknowledgeAlert)
	r.Post("/alerts/{alertID}/resolve", s.handleResolveAlert)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

type correlateRequest struct {
	AnomalyIDs []string `json:"anomaly_ids" validate:"required,min=1"`
}

// handleIngestEvent runs detection inline and returns the anomalies found.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var event core.AccessEvent
	if err := decodeJSON(w, r, &event); err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.engine.Detector.DetectAnomalies(r.Context(), event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []anomaly.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": found, "total": len(found)})
}

// handlePublishEvent queues the event on the bus and returns immediately.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var event core.AccessEvent
	if err := decodeJSON(w, r, &event); err != nil {
		s.writeError(w, r, err)
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if err := s.engine.PublishAccessEvent(&event); err != nil {
		if core.IsConflict(err) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus disabled"})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": event.ID})
}

func (s *Server) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Detector.GetAnomaly(r.Context(), chi.URLParam(r, "anomalyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := anomaly.ParseStatus(strings.ToUpper(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.engine.Detector.UpdateAnomalyStatus(r.Context(), chi.URLParam(r, "anomalyID"), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	anomalies := make([]anomaly.Anomaly, 0, len(req.AnomalyIDs))
	for _, id := range req.AnomalyIDs {
		a, err := s.engine.Detector.GetAnomaly(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		anomalies = append(anomalies, a)
	}
	writeJSON(w, http.StatusOK, s.engine.Detector.CorrelateAnomalies(anomalies))
}

func (s *Server) handleUserAnomalies(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	found, err := s.engine.Detector.GetUserAnomalies(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []anomaly.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "anomalies": found, "total": len(found)})
}

func (s *Server) handleCorrelateUser(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Detector.CorrelateUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := anomaly.AlertFilter{UserID: q.Get("user_id")}
	if v := q.Get("status"); v != "" {
		status, err := anomaly.ParseStatus(strings.ToUpper(v))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = status
	}
	if v := q.Get("min_severity"); v != "" {
		sev, err := core.LookupSeverity(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.MinSeverity = sev
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	alerts, err := s.engine.Alerts.GetAlerts(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []anomaly.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "total": len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Alerts.GetAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Alerts.AcknowledgeAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Alerts.ResolveAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// parseLimit reads an optional non-negative limit query parameter.
func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, core.ValidationError("limit must be a non-negative integer")
	}
	return n, nil
}

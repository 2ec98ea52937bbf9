package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/1sec-project/accessguard/internal/directory"
)

// defaultSessionTTL applies when a session is registered without expires_at.
const defaultSessionTTL = 12 * time.Hour

func (s *Server) mountDirectory(r chi.Router) {
	r.Put("/users/{userID}", s.handleUpsertUser)
	r.Get("/users/{userID}", s.handleGetUser)
	r.Post("/users/{userID}/devices", s.handleRegisterDevice)
	r.Get("/devices/{deviceID}", s.handleGetDevice)
	r.Post("/users/{userID}/sessions", s.handleCreateSession)
	r.Get("/users/{userID}/sessions", s.handleCountSessions)
	r.Delete("/users/{userID}/sessions", s.handleRevokeSessions)
}

type upsertUserRequest struct {
	Email  string               `json:"email" validate:"required,email"`
	Name   string               `json:"name"`
	Admin  bool                 `json:"admin"`
	Status directory.UserStatus `json:"status" validate:"omitempty,oneof=ACTIVE DISABLED"`
}

type registerDeviceRequest struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint" validate:"required"`
	Name        string `json:"name"`
}

type createSessionRequest struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req upsertUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u := directory.User{
		ID:     chi.URLParam(r, "userID"),
		Email:  req.Email,
		Name:   req.Name,
		Admin:  req.Admin,
		Status: req.Status,
	}
	if err := s.engine.Users.UpsertUser(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.engine.Users.GetUser(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.Users.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := directory.Device{
		ID:          req.ID,
		UserID:      chi.URLParam(r, "userID"),
		Fingerprint: req.Fingerprint,
		Name:        req.Name,
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if err := s.engine.Devices.UpsertDevice(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.engine.Devices.GetDeviceByID(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Devices.GetDeviceByID(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	sess := directory.Session{
		ID:        req.ID,
		UserID:    chi.URLParam(r, "userID"),
		DeviceID:  req.DeviceID,
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(defaultSessionTTL)
	}
	if err := s.engine.Sessions.Create(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleCountSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	n, err := s.engine.Sessions.CountForUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "active_sessions": n})
}

func (s *Server) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	n, err := s.engine.Sessions.RevokeAllForUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "revoked": n})
}

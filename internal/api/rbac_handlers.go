package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) mountRBAC(r chi.Router) {
	r.Get("/permissions", s.handleListPermissions)
	r.Post("/permissions", s.handleCreatePermission)

	r.Get("/roles", s.handleListRoles)
	r.Post("/roles", s.handleCreateRole)
	r.Get("/roles/{roleID}", s.handleGetRole)
	r.Delete("/roles/{roleID}", s.handleDeleteRole)
	r.Post("/roles/{roleID}/permissions", s.handleAddRolePermission)
	r.Delete("/roles/{roleID}/permissions/{permissionID}", s.handleRemoveRolePermission)
	r.Post("/roles/{roleID}/parents", s.handleAddParentRole)
	r.Delete("/roles/{roleID}/parents/{parentID}", s.handleRemoveParentRole)

	r.Get("/users/{userID}/roles", s.handleGetUserRoles)
	r.Post("/users/{userID}/roles", s.handleAssignRole)
	r.Delete("/users/{userID}/roles", s.handleRemoveAllRoles)
	r.Delete("/users/{userID}/roles/{roleID}", s.handleRemoveRole)
	r.Get("/users/{userID}/permissions", s.handleGetUserPermissions)
	r.Get("/users/{userID}/permissions/{permission}", s.handleHasPermission)
}

type createPermissionRequest struct {
	Name         string `json:"name" validate:"required"`
	Description  string `json:"description"`
	ResourceType string `json:"resource_type" validate:"required"`
	Action       string `json:"action" validate:"required"`
}

type createRoleRequest struct {
	Name          string   `json:"name" validate:"required"`
	Description   string   `json:"description"`
	PermissionIDs []string `json:"permission_ids"`
}

type permissionRefRequest struct {
	PermissionID string `json:"permission_id" validate:"required"`
}

type parentRefRequest struct {
	ParentID string `json:"parent_id" validate:"required"`
}

type roleRefRequest struct {
	RoleID string `json:"role_id" validate:"required"`
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	rbac := s.engine.RBAC
	if rt := r.URL.Query().Get("resource_type"); rt != "" {
		perms, err := rbac.GetPermissionsByResourceType(r.Context(), rt)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms, "total": len(perms)})
		return
	}
	perms, err := rbac.GetAllPermissions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms, "total": len(perms)})
}

func (s *Server) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.RBAC.CreatePermission(r.Context(), req.Name, req.Description, req.ResourceType, req.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.engine.RBAC.ListRoles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": roles, "total": len(roles)})
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := s.engine.RBAC.CreateRole(r.Context(), req.Name, req.Description, req.PermissionIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := s.engine.RBAC.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RBAC.DeleteRole(r.Context(), chi.URLParam(r, "roleID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRolePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRefRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.RBAC.AddPermissionToRole(r.Context(), chi.URLParam(r, "roleID"), req.PermissionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RBAC.RemovePermissionFromRole(r.Context(), chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddParentRole(w http.ResponseWriter, r *http.Request) {
	var req parentRefRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.RBAC.AddParentRole(r.Context(), chi.URLParam(r, "roleID"), req.ParentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveParentRole(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RBAC.RemoveParentRole(r.Context(), chi.URLParam(r, "roleID"), chi.URLParam(r, "parentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	roles, err := s.engine.RBAC.GetUserRoles(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "roles": roles, "total": len(roles)})
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req roleRefRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.RBAC.AssignRoleToUser(r.Context(), chi.URLParam(r, "userID"), req.RoleID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RBAC.RemoveRoleFromUser(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAllRoles(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RBAC.RemoveAllRolesFromUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleGetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	perms, err := s.engine.RBAC.GetUserPermissions(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "permissions": perms, "total": len(perms)})
}

func (s *Server) handleHasPermission(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	name := chi.URLParam(r, "permission")
	ok, err := s.engine.RBAC.HasPermission(r.Context(), userID, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "permission": name, "allowed": ok})
}

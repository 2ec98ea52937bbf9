package memory

import (
	"context"
	"fmt"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/rbac"
)

func (s *Store) CreatePermission(_ context.Context, p rbac.Permission) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.permByName[p.Name]; taken {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", p.Name, core.ErrDuplicateName)
	}
	s.permissions[p.ID] = p
	s.permByName[p.Name] = p.ID
	return p, nil
}

func (s *Store) GetPermission(_ context.Context, id string) (rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[id]
	if !ok {
		return rbac.Permission{}, fmt.Errorf("%s: %w", id, rbac.ErrPermissionNotFound)
	}
	return p, nil
}

func (s *Store) ListPermissions(_ context.Context) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) ListPermissionsByResourceType(_ context.Context, resourceType string) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []rbac.Permission{}
	for _, p := range s.permissions {
		if p.ResourceType == resourceType {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetPermissionsByIDs skips IDs that no longer exist.
func (s *Store) GetPermissionsByIDs(_ context.Context, ids []string) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.permissions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) CreateRole(_ context.Context, r rbac.Role) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.roleByName[r.Name]; taken {
		return rbac.Role{}, fmt.Errorf("role %q: %w", r.Name, core.ErrDuplicateName)
	}
	for _, pid := range r.PermissionIDs {
		if _, ok := s.permissions[pid]; !ok {
			return rbac.Role{}, fmt.Errorf("%s: %w", pid, rbac.ErrPermissionNotFound)
		}
	}
	r.PermissionIDs = cloneStrings(r.PermissionIDs)
	r.ParentIDs = cloneStrings(r.ParentIDs)
	s.roles[r.ID] = r
	s.roleByName[r.Name] = r.ID
	return copyRole(r), nil
}

func (s *Store) GetRole(_ context.Context, id string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return rbac.Role{}, fmt.Errorf("%s: %w", id, rbac.ErrRoleNotFound)
	}
	return copyRole(r), nil
}

func (s *Store) ListRoles(_ context.Context) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, copyRole(r))
	}
	return out, nil
}

// DeleteRole removes the role and every inheritance edge pointing at it.
func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, rbac.ErrRoleNotFound)
	}
	delete(s.roles, id)
	delete(s.roleByName, r.Name)
	for cid, child := range s.roles {
		if parents, removed := removeString(child.ParentIDs, id); removed {
			child.ParentIDs = parents
			s.roles[cid] = child
		}
	}
	return nil
}

func (s *Store) AttachPermission(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("%s: %w", roleID, rbac.ErrRoleNotFound)
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return fmt.Errorf("%s: %w", permissionID, rbac.ErrPermissionNotFound)
	}
	if containsString(r.PermissionIDs, permissionID) {
		return nil
	}
	r.PermissionIDs = append(cloneStrings(r.PermissionIDs), permissionID)
	s.roles[roleID] = r
	return nil
}

func (s *Store) DetachPermission(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("%s: %w", roleID, rbac.ErrRoleNotFound)
	}
	perms, removed := removeString(r.PermissionIDs, permissionID)
	if !removed {
		return fmt.Errorf("%s not granted to role %s: %w", permissionID, roleID, rbac.ErrPermissionNotFound)
	}
	r.PermissionIDs = perms
	s.roles[roleID] = r
	return nil
}

func (s *Store) AddParent(_ context.Context, roleID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("%s: %w", roleID, rbac.ErrRoleNotFound)
	}
	if _, ok := s.roles[parentID]; !ok {
		return fmt.Errorf("%s: %w", parentID, rbac.ErrRoleNotFound)
	}
	if containsString(r.ParentIDs, parentID) {
		return nil
	}
	r.ParentIDs = append(cloneStrings(r.ParentIDs), parentID)
	s.roles[roleID] = r
	return nil
}

func (s *Store) RemoveParent(_ context.Context, roleID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("%s: %w", roleID, rbac.ErrRoleNotFound)
	}
	parents, removed := removeString(r.ParentIDs, parentID)
	if !removed {
		return fmt.Errorf("%s does not inherit %s: %w", roleID, parentID, rbac.ErrRoleNotFound)
	}
	r.ParentIDs = parents
	s.roles[roleID] = r
	return nil
}

func (s *Store) CreateAssignment(_ context.Context, a rbac.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return fmt.Errorf("%s: %w", a.RoleID, rbac.ErrRoleNotFound)
	}
	byRole, ok := s.assignments[a.UserID]
	if !ok {
		byRole = make(map[string]rbac.Assignment)
		s.assignments[a.UserID] = byRole
	}
	if _, dup := byRole[a.RoleID]; dup {
		return fmt.Errorf("user %s role %s: %w", a.UserID, a.RoleID, rbac.ErrDuplicateAssignment)
	}
	byRole[a.RoleID] = a
	return nil
}

func (s *Store) DeleteAssignment(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole := s.assignments[userID]
	if _, ok := byRole[roleID]; !ok {
		return fmt.Errorf("user %s role %s: %w", userID, roleID, rbac.ErrAssignmentNotFound)
	}
	delete(byRole, roleID)
	if len(byRole) == 0 {
		delete(s.assignments, userID)
	}
	return nil
}

func (s *Store) ListUserRoleIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assignments[userID]))
	for roleID := range s.assignments[userID] {
		out = append(out, roleID)
	}
	return out, nil
}

func (s *Store) CountRoleAssignments(_ context.Context, roleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byRole := range s.assignments {
		if _, ok := byRole[roleID]; ok {
			n++
		}
	}
	return n, nil
}

func copyRole(r rbac.Role) rbac.Role {
	r.PermissionIDs = cloneStrings(r.PermissionIDs)
	r.ParentIDs = cloneStrings(r.ParentIDs)
	return r
}

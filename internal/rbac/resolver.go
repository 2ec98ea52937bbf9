package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/core"
)

// Resolver computes and mutates effective permissions. Nothing is cached: every
// read recomputes the union from the current role and assignment state, so a
// mutation is visible to the very next call.
type Resolver struct {
	perms       PermissionRepository
	roles       RoleRepository
	assignments AssignmentRepository
	logger      zerolog.Logger
	now         func() time.Time

	// graphMu serializes parent-edge insertion so two concurrent edges cannot
	// jointly close a cycle that neither check saw.
	graphMu sync.Mutex
}

// NewResolver constructs a Resolver over the given repositories.
func NewResolver(perms PermissionRepository, roles RoleRepository, assignments AssignmentRepository, logger zerolog.Logger) *Resolver {
	return &Resolver{
		perms:       perms,
		roles:       roles,
		assignments: assignments,
		logger:      logger.With().Str("component", "permission_resolver").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreatePermission registers a new permission. Names are globally unique.
func (r *Resolver) CreatePermission(ctx context.Context, name, description, resourceType, action string) (Permission, error) {
	p := Permission{
		ID:           uuid.New().String(),
		Name:         strings.TrimSpace(name),
		Description:  strings.TrimSpace(description),
		ResourceType: strings.TrimSpace(resourceType),
		Action:       strings.TrimSpace(action),
		CreatedAt:    r.now(),
	}
	if err := core.Validate(p); err != nil {
		return Permission{}, err
	}
	created, err := r.perms.CreatePermission(ctx, p)
	if err != nil {
		return Permission{}, fmt.Errorf("creating permission %q: %w", p.Name, err)
	}
	r.logger.Info().Str("permission", created.Name).Str("resource_type", created.ResourceType).Msg("permission created")
	return created, nil
}

// GetAllPermissions returns every permission ordered by name.
func (r *Resolver) GetAllPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := r.perms.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	sortPermissions(perms)
	return perms, nil
}

// GetPermissionsByResourceType returns the permissions scoped to one resource type.
func (r *Resolver) GetPermissionsByResourceType(ctx context.Context, resourceType string) ([]Permission, error) {
	resourceType = strings.TrimSpace(resourceType)
	if resourceType == "" {
		return nil, core.ValidationError("resource type required")
	}
	perms, err := r.perms.ListPermissionsByResourceType(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	sortPermissions(perms)
	return perms, nil
}

// CreateRole inserts a role with an initial permission set.
func (r *Resolver) CreateRole(ctx context.Context, name, description string, permissionIDs []string) (Role, error) {
	now := r.now()
	role := Role{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := core.Validate(role); err != nil {
		return Role{}, err
	}
	for _, id := range dedupe(permissionIDs) {
		if _, err := r.perms.GetPermission(ctx, id); err != nil {
			return Role{}, err
		}
		role.PermissionIDs = append(role.PermissionIDs, id)
	}
	created, err := r.roles.CreateRole(ctx, role)
	if err != nil {
		return Role{}, fmt.Errorf("creating role %q: %w", role.Name, err)
	}
	r.logger.Info().Str("role", created.Name).Int("permissions", len(created.PermissionIDs)).Msg("role created")
	return created, nil
}

// GetRole returns a role with its direct permission and parent IDs.
func (r *Resolver) GetRole(ctx context.Context, roleID string) (Role, error) {
	return r.roles.GetRole(ctx, roleID)
}

// ListRoles returns every role ordered by name.
func (r *Resolver) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := r.roles.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// DeleteRole removes an unassigned role. Child roles lose the inheritance edge.
func (r *Resolver) DeleteRole(ctx context.Context, roleID string) error {
	if _, err := r.roles.GetRole(ctx, roleID); err != nil {
		return err
	}
	n, err := r.assignments.CountRoleAssignments(ctx, roleID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("role %s has %d assignment(s): %w", roleID, n, ErrRoleInUse)
	}
	if err := r.roles.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	r.logger.Info().Str("role_id", roleID).Msg("role deleted")
	return nil
}

// AddPermissionToRole grants a permission to a role. Every user holding the role,
// directly or through inheritance, sees it on the next read.
func (r *Resolver) AddPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	if _, err := r.roles.GetRole(ctx, roleID); err != nil {
		return err
	}
	if _, err := r.perms.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	if err := r.roles.AttachPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	r.logger.Info().Str("role_id", roleID).Str("permission_id", permissionID).Msg("permission attached to role")
	return nil
}

// RemovePermissionFromRole revokes a permission from a role.
func (r *Resolver) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	if _, err := r.roles.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := r.roles.DetachPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	r.logger.Info().Str("role_id", roleID).Str("permission_id", permissionID).Msg("permission detached from role")
	return nil
}

// AddParentRole makes roleID inherit every permission of parentID. The edge is
// rejected with ErrRoleCycle if parentID already (transitively) inherits roleID.
func (r *Resolver) AddParentRole(ctx context.Context, roleID, parentID string) error {
	if roleID == parentID {
		return cycleError([]string{roleID, roleID})
	}
	if _, err := r.roles.GetRole(ctx, roleID); err != nil {
		return err
	}
	if _, err := r.roles.GetRole(ctx, parentID); err != nil {
		return err
	}

	r.graphMu.Lock()
	defer r.graphMu.Unlock()

	cycle, err := findCycle(ctx, roleID, withEdge(r.parentsOf, roleID, parentID))
	if err != nil {
		return err
	}
	if cycle != nil {
		r.logger.Warn().Str("role_id", roleID).Str("parent_id", parentID).Strs("cycle", cycle).Msg("rejected cyclic role inheritance")
		return cycleError(cycle)
	}
	if err := r.roles.AddParent(ctx, roleID, parentID); err != nil {
		return err
	}
	r.logger.Info().Str("role_id", roleID).Str("parent_id", parentID).Msg("role inheritance added")
	return nil
}

// RemoveParentRole drops an inheritance edge.
func (r *Resolver) RemoveParentRole(ctx context.Context, roleID, parentID string) error {
	if err := r.roles.RemoveParent(ctx, roleID, parentID); err != nil {
		return err
	}
	r.logger.Info().Str("role_id", roleID).Str("parent_id", parentID).Msg("role inheritance removed")
	return nil
}

// AssignRoleToUser links a user to a role. Fails with ErrRoleNotFound for an
// unknown role, ErrDuplicateAssignment if already linked and ErrRoleCycle if the
// role's inheritance graph is not acyclic.
func (r *Resolver) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || roleID == "" {
		return core.ValidationError("user id and role id required")
	}
	if _, err := r.roles.GetRole(ctx, roleID); err != nil {
		return err
	}
	cycle, err := findCycle(ctx, roleID, r.parentsOf)
	if err != nil {
		return err
	}
	if cycle != nil {
		return cycleError(cycle)
	}
	if err := r.assignments.CreateAssignment(ctx, Assignment{UserID: userID, RoleID: roleID, CreatedAt: r.now()}); err != nil {
		return err
	}
	r.logger.Info().Str("user_id", userID).Str("role_id", roleID).Msg("role assigned")
	return nil
}

// RemoveRoleFromUser unlinks a user from a role. Fails with ErrAssignmentNotFound
// if the pair is not assigned.
func (r *Resolver) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	if err := r.assignments.DeleteAssignment(ctx, userID, roleID); err != nil {
		return err
	}
	r.logger.Info().Str("user_id", userID).Str("role_id", roleID).Msg("role removed")
	return nil
}

// RemoveAllRolesFromUser unlinks every role of a user and returns how many were removed.
func (r *Resolver) RemoveAllRolesFromUser(ctx context.Context, userID string) (int, error) {
	roleIDs, err := r.assignments.ListUserRoleIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, roleID := range roleIDs {
		err := r.assignments.DeleteAssignment(ctx, userID, roleID)
		if err != nil && !errors.Is(err, ErrAssignmentNotFound) {
			return removed, err
		}
		if err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info().Str("user_id", userID).Int("roles", removed).Msg("all roles removed")
	}
	return removed, nil
}

// GetUserRoles returns the roles directly assigned to a user.
func (r *Resolver) GetUserRoles(ctx context.Context, userID string) ([]Role, error) {
	roleIDs, err := r.assignments.ListUserRoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		role, err := r.roles.GetRole(ctx, id)
		if errors.Is(err, ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// GetUserPermissions returns exactly the union of the permissions of every role
// reachable from the user's current assignments, ordered by name.
func (r *Resolver) GetUserPermissions(ctx context.Context, userID string) ([]Permission, error) {
	roleIDs, err := r.assignments.ListUserRoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 {
		return []Permission{}, nil
	}

	permIDs := make(map[string]struct{})
	seen := make(map[string]struct{}, len(roleIDs))
	queue := append([]string{}, roleIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		role, err := r.roles.GetRole(ctx, id)
		if errors.Is(err, ErrRoleNotFound) {
			r.logger.Debug().Str("role_id", id).Msg("skipping dangling role reference")
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, pid := range role.PermissionIDs {
			permIDs[pid] = struct{}{}
		}
		queue = append(queue, role.ParentIDs...)
	}

	ids := make([]string, 0, len(permIDs))
	for id := range permIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	perms, err := r.perms.GetPermissionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortPermissions(perms)
	return perms, nil
}

// HasPermission reports whether the named permission is in the user's effective set.
func (r *Resolver) HasPermission(ctx context.Context, userID, permissionName string) (bool, error) {
	perms, err := r.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Name == permissionName {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) parentsOf(ctx context.Context, roleID string) ([]string, error) {
	role, err := r.roles.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return role.ParentIDs, nil
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

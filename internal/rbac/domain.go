package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
)

var (
	ErrRoleNotFound        = fmt.Errorf("role: %w", core.ErrNotFound)
	ErrPermissionNotFound  = fmt.Errorf("permission: %w", core.ErrNotFound)
	ErrAssignmentNotFound  = fmt.Errorf("role assignment: %w", core.ErrNotFound)
	ErrDuplicateAssignment = fmt.Errorf("role already assigned: %w", core.ErrConflict)
	ErrRoleCycle           = fmt.Errorf("role inheritance cycle: %w", core.ErrConflict)
	ErrRoleInUse           = fmt.Errorf("role still assigned: %w", core.ErrConflict)
)

// Permission represents an atomic capability on a resource type.
type Permission struct {
	ID           string    `json:"id"`
	Name         string    `json:"name" validate:"required,max=128"`
	Description  string    `json:"description,omitempty" validate:"max=512"`
	ResourceType string    `json:"resource_type" validate:"required,max=64"`
	Action       string    `json:"action" validate:"required,max=64"`
	CreatedAt    time.Time `json:"created_at"`
}

// Role groups permissions and may inherit every permission of its parents.
type Role struct {
	ID            string    `json:"id"`
	Name          string    `json:"name" validate:"required,max=128"`
	Description   string    `json:"description,omitempty" validate:"max=512"`
	PermissionIDs []string  `json:"permission_ids"`
	ParentIDs     []string  `json:"parent_ids"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Assignment links a user to a role. Unique per (UserID, RoleID).
type Assignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionRepository persists permissions. CreatePermission must fail with
// core.ErrDuplicateName when the name is taken.
type PermissionRepository interface {
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListPermissionsByResourceType(ctx context.Context, resourceType string) ([]Permission, error)
	GetPermissionsByIDs(ctx context.Context, ids []string) ([]Permission, error)
}

// RoleRepository persists roles, their permission sets and their parent edges.
// GetRole returns ErrRoleNotFound for unknown IDs and fills PermissionIDs and ParentIDs.
type RoleRepository interface {
	CreateRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	DeleteRole(ctx context.Context, id string) error
	AttachPermission(ctx context.Context, roleID, permissionID string) error
	DetachPermission(ctx context.Context, roleID, permissionID string) error
	AddParent(ctx context.Context, roleID, parentID string) error
	RemoveParent(ctx context.Context, roleID, parentID string) error
}

// AssignmentRepository persists user-role links. CreateAssignment must fail with
// ErrDuplicateAssignment and DeleteAssignment with ErrAssignmentNotFound.
type AssignmentRepository interface {
	CreateAssignment(ctx context.Context, a Assignment) error
	DeleteAssignment(ctx context.Context, userID, roleID string) error
	ListUserRoleIDs(ctx context.Context, userID string) ([]string, error)
	CountRoleAssignments(ctx context.Context, roleID string) (int, error)
}

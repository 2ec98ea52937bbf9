package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/rbac"
)

const permissionColumns = `id, name, description, resource_type, action, created_at`

func scanPermission(row pgx.Row) (rbac.Permission, error) {
	var p rbac.Permission
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ResourceType, &p.Action, &p.CreatedAt)
	return p, err
}

func (s *Store) queryPermissions(ctx context.Context, sql string, args ...any) ([]rbac.Permission, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []rbac.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreatePermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	_, err := s.db.Exec(ctx, `INSERT INTO permissions (`+permissionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Description, p.ResourceType, p.Action, p.CreatedAt)
	if isUniqueViolation(err) {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", p.Name, core.ErrDuplicateName)
	}
	if err != nil {
		return rbac.Permission{}, fmt.Errorf("inserting permission: %w", err)
	}
	return p, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (rbac.Permission, error) {
	p, err := scanPermission(s.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if err != nil {
		return rbac.Permission{}, noRows(err, id, rbac.ErrPermissionNotFound)
	}
	return p, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return s.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`)
}

func (s *Store) ListPermissionsByResourceType(ctx context.Context, resourceType string) ([]rbac.Permission, error) {
	return s.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE resource_type = $1 ORDER BY name`, resourceType)
}

// GetPermissionsByIDs skips IDs that no longer exist.
func (s *Store) GetPermissionsByIDs(ctx context.Context, ids []string) ([]rbac.Permission, error) {
	if len(ids) == 0 {
		return []rbac.Permission{}, nil
	}
	return s.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1)`, ids)
}

// roleSelect fills PermissionIDs and ParentIDs in insertion order.
const roleSelect = `
SELECT r.id, r.name, r.description, r.created_at, r.updated_at,
       COALESCE((SELECT array_agg(rp.permission_id ORDER BY rp.position) FROM role_permissions rp WHERE rp.role_id = r.id), '{}'),
       COALESCE((SELECT array_agg(pa.parent_id ORDER BY pa.position) FROM role_parents pa WHERE pa.role_id = r.id), '{}')
FROM roles r`

func scanRole(row pgx.Row) (rbac.Role, error) {
	var r rbac.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt, &r.PermissionIDs, &r.ParentIDs)
	return r, err
}

func (s *Store) CreateRole(ctx context.Context, r rbac.Role) (rbac.Role, error) {
	err := s.withTx(ctx, func(tx *Store) error {
		_, err := tx.db.Exec(ctx, `INSERT INTO roles (id, name, description, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			r.ID, r.Name, r.Description, r.CreatedAt, r.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("role %q: %w", r.Name, core.ErrDuplicateName)
		}
		if err != nil {
			return fmt.Errorf("inserting role: %w", err)
		}
		for _, pid := range r.PermissionIDs {
			if err := tx.AttachPermission(ctx, r.ID, pid); err != nil {
				return err
			}
		}
		for _, parent := range r.ParentIDs {
			if err := tx.AddParent(ctx, r.ID, parent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return rbac.Role{}, err
	}
	return r, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (rbac.Role, error) {
	r, err := scanRole(s.db.QueryRow(ctx, roleSelect+` WHERE r.id = $1`, id))
	if err != nil {
		return rbac.Role{}, noRows(err, id, rbac.ErrRoleNotFound)
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := s.db.Query(ctx, roleSelect+` ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []rbac.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRole removes the role; inheritance edges go with it through ON DELETE CASCADE.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if _, fk := constraintError(err, codeForeignKeyViolation); fk {
		return fmt.Errorf("%s: %w", id, rbac.ErrRoleInUse)
	}
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, rbac.ErrRoleNotFound)
	}
	return nil
}

func (s *Store) AttachPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, permissionID)
	if constraint, fk := constraintError(err, codeForeignKeyViolation); fk {
		if constraint == "role_permissions_role_fk" {
			return fmt.Errorf("%s: %w", roleID, rbac.ErrRoleNotFound)
		}
		return fmt.Errorf("%s: %w", permissionID, rbac.ErrPermissionNotFound)
	}
	if err != nil {
		return fmt.Errorf("attaching permission: %w", err)
	}
	return s.touchRole(ctx, roleID)
}

func (s *Store) DetachPermission(ctx context.Context, roleID, permissionID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("detaching permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRole(ctx, roleID); err != nil {
			return err
		}
		return fmt.Errorf("%s not granted to role %s: %w", permissionID, roleID, rbac.ErrPermissionNotFound)
	}
	return s.touchRole(ctx, roleID)
}

func (s *Store) AddParent(ctx context.Context, roleID, parentID string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO role_parents (role_id, parent_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, parentID)
	if constraint, fk := constraintError(err, codeForeignKeyViolation); fk {
		if constraint == "role_parents_role_fk" {
			return fmt.Errorf("%s: %w", roleID, rbac.ErrRoleNotFound)
		}
		return fmt.Errorf("%s: %w", parentID, rbac.ErrRoleNotFound)
	}
	if err != nil {
		return fmt.Errorf("adding parent role: %w", err)
	}
	return s.touchRole(ctx, roleID)
}

func (s *Store) RemoveParent(ctx context.Context, roleID, parentID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM role_parents WHERE role_id = $1 AND parent_id = $2`, roleID, parentID)
	if err != nil {
		return fmt.Errorf("removing parent role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s does not inherit %s: %w", roleID, parentID, rbac.ErrRoleNotFound)
	}
	return s.touchRole(ctx, roleID)
}

func (s *Store) touchRole(ctx context.Context, roleID string) error {
	_, err := s.db.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
	return err
}

func (s *Store) CreateAssignment(ctx context.Context, a rbac.Assignment) error {
	_, err := s.db.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, $3)`, a.UserID, a.RoleID, a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s role %s: %w", a.UserID, a.RoleID, rbac.ErrDuplicateAssignment)
	}
	if _, fk := constraintError(err, codeForeignKeyViolation); fk {
		return fmt.Errorf("%s: %w", a.RoleID, rbac.ErrRoleNotFound)
	}
	if err != nil {
		return fmt.Errorf("inserting assignment: %w", err)
	}
	return nil
}

func (s *Store) DeleteAssignment(ctx context.Context, userID, roleID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("deleting assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s role %s: %w", userID, roleID, rbac.ErrAssignmentNotFound)
	}
	return nil
}

func (s *Store) ListUserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *Store) CountRoleAssignments(ctx context.Context, roleID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, roleID).Scan(&n)
	return n, err
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/rbac"
	"github.com/1sec-project/accessguard/internal/response"
)

func TestConstraintError(t *testing.T) {
	unique := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: "roles_name_key"})
	name, ok := constraintError(unique, codeUniqueViolation)
	assert.True(t, ok)
	assert.Equal(t, "roles_name_key", name)
	assert.True(t, isUniqueViolation(unique))

	fk := &pgconn.PgError{Code: "23503", ConstraintName: "user_roles_role_fk"}
	assert.False(t, isUniqueViolation(fk))
	name, ok = constraintError(fk, codeForeignKeyViolation)
	assert.True(t, ok)
	assert.Equal(t, "user_roles_role_fk", name)

	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(pgx.ErrNoRows))
}

func TestNoRows(t *testing.T) {
	err := noRows(pgx.ErrNoRows, "r-1", rbac.ErrRoleNotFound)
	assert.ErrorIs(t, err, rbac.ErrRoleNotFound)
	assert.True(t, core.IsNotFound(err))

	other := errors.New("conn reset")
	assert.Equal(t, other, noRows(other, "r-1", rbac.ErrRoleNotFound))
}

func TestAlertQuery(t *testing.T) {
	sql, args := alertQuery(anomaly.AlertFilter{})
	assert.Equal(t, `SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC`, sql)
	assert.Empty(t, args)

	sql, args = alertQuery(anomaly.AlertFilter{Status: anomaly.StatusNew, MinSeverity: core.SeverityHigh, UserID: "u1", Limit: 10})
	assert.Equal(t, `SELECT `+alertColumns+` FROM alerts WHERE status = $1 AND severity >= $2 AND user_id = $3 ORDER BY created_at DESC LIMIT $4`, sql)
	assert.Equal(t, []any{"NEW", 3, "u1", 10}, args)
}

func TestResponseQuery(t *testing.T) {
	sql, args := responseQuery(response.HistoryFilter{TargetUserID: "u1", Status: response.StatusFailed})
	assert.Equal(t, `SELECT `+responseColumns+` FROM security_responses WHERE target_user_id = $1 AND status = $2 ORDER BY created_at DESC`, sql)
	assert.Equal(t, []any{"u1", "FAILED"}, args)
}

func TestJSONHelpers(t *testing.T) {
	m, err := unmarshalJSON[map[string]string](nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	raw, err := marshalJSON(map[string]string{"strip_roles": "true"})
	require.NoError(t, err)
	m, err = unmarshalJSON[map[string]string](raw)
	require.NoError(t, err)
	assert.Equal(t, "true", m["strip_roles"])
}

// openTestStore connects to ACCESSGUARD_TEST_POSTGRES_DSN and skips when unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ACCESSGUARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ACCESSGUARD_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn, 4, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(s.Close)
	return s
}

func TestIntegration_RBAC(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	suffix := uuid.New().String()[:8]

	perm := rbac.Permission{ID: uuid.New().String(), Name: "doc.read." + suffix, ResourceType: "DOCUMENT", Action: "read", CreatedAt: now}
	_, err := s.CreatePermission(ctx, perm)
	require.NoError(t, err)
	_, err = s.CreatePermission(ctx, rbac.Permission{ID: uuid.New().String(), Name: perm.Name, ResourceType: "DOCUMENT", Action: "read", CreatedAt: now})
	assert.ErrorIs(t, err, core.ErrDuplicateName)

	parent := rbac.Role{ID: uuid.New().String(), Name: "viewer-" + suffix, PermissionIDs: []string{perm.ID}, CreatedAt: now, UpdatedAt: now}
	_, err = s.CreateRole(ctx, parent)
	require.NoError(t, err)
	child := rbac.Role{ID: uuid.New().String(), Name: "editor-" + suffix, ParentIDs: []string{parent.ID}, CreatedAt: now, UpdatedAt: now}
	_, err = s.CreateRole(ctx, child)
	require.NoError(t, err)

	got, err := s.GetRole(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{parent.ID}, got.ParentIDs)
	assert.Empty(t, got.PermissionIDs)

	err = s.AttachPermission(ctx, child.ID, "missing")
	assert.ErrorIs(t, err, rbac.ErrPermissionNotFound)

	user := "user-" + suffix
	require.NoError(t, s.CreateAssignment(ctx, rbac.Assignment{UserID: user, RoleID: child.ID, CreatedAt: now}))
	err = s.CreateAssignment(ctx, rbac.Assignment{UserID: user, RoleID: child.ID, CreatedAt: now})
	assert.ErrorIs(t, err, rbac.ErrDuplicateAssignment)

	n, err := s.CountRoleAssignments(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteAssignment(ctx, user, child.ID))
	require.NoError(t, s.DeleteRole(ctx, parent.ID))
	got, err = s.GetRole(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ParentIDs)
}

func TestIntegration_EventWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := "user-" + uuid.New().String()[:8]
	t0 := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		e := core.AccessEvent{ID: uuid.New().String(), UserID: user, Action: "login", ResourceType: "LOGIN", Result: core.AccessFailure, Timestamp: t0.Add(time.Duration(i) * time.Minute)}
		first, err := s.RecordEvent(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, i == 0, first)
	}
	n, err := s.CountEvents(ctx, user, core.AccessFailure, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIntegration_FirstAccessSurvivesPruning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := "user-" + uuid.New().String()[:8]
	t0 := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	e := core.AccessEvent{ID: uuid.New().String(), UserID: user, Action: "read", ResourceType: "DOCUMENT", ResourceID: "q3", Result: core.AccessSuccess, Timestamp: t0}
	first, err := s.RecordEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, first)

	_, err = s.PruneEvents(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	n, err := s.CountEvents(ctx, user, core.AccessSuccess, time.Time{})
	require.NoError(t, err)
	require.Zero(t, n)

	e.ID, e.Timestamp = uuid.New().String(), time.Now().UTC()
	first, err = s.RecordEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, first, "a pruned event does not make the resource new again")
}

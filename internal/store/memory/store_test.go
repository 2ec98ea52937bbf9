package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/rbac"
	"github.com/1sec-project/accessguard/internal/response"
)

func event(user string, result core.AccessResult, at time.Time, resource string) core.AccessEvent {
	return core.AccessEvent{
		ID:           at.String(),
		UserID:       user,
		Action:       "read",
		ResourceType: "DOCUMENT",
		ResourceID:   resource,
		Result:       result,
		Timestamp:    at,
	}
}

func TestRecordEvent_CountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	s := New(Options{EventRetention: 10 * time.Minute})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.RecordEvent(ctx, event("u1", core.AccessFailure, base.Add(time.Duration(i)*time.Minute), "doc"))
		require.NoError(t, err)
	}
	_, err := s.RecordEvent(ctx, event("u1", core.AccessSuccess, base.Add(3*time.Minute), "doc"))
	require.NoError(t, err)

	n, err := s.CountEvents(ctx, "u1", core.AccessFailure, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, _ = s.CountEvents(ctx, "u1", core.AccessSuccess, base)
	assert.Equal(t, 1, n)

	n, _ = s.CountEvents(ctx, "u2", core.AccessFailure, base)
	assert.Zero(t, n)
}

func TestRecordEvent_OutOfOrderAndPruned(t *testing.T) {
	ctx := context.Background()
	s := New(Options{EventRetention: 5 * time.Minute})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _ = s.RecordEvent(ctx, event("u1", core.AccessFailure, base.Add(2*time.Minute), "a"))
	_, _ = s.RecordEvent(ctx, event("u1", core.AccessFailure, base, "a"))
	n, _ := s.CountEvents(ctx, "u1", core.AccessFailure, base.Add(time.Minute))
	assert.Equal(t, 1, n)

	_, _ = s.RecordEvent(ctx, event("u1", core.AccessFailure, base.Add(20*time.Minute), "a"))
	n, _ = s.CountEvents(ctx, "u1", core.AccessFailure, time.Time{})
	assert.Equal(t, 1, n, "events older than the retention are dropped")
}

func TestRecordEvent_FirstAccessPerResource(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	now := time.Now()

	first, _ := s.RecordEvent(ctx, event("u1", core.AccessSuccess, now, "a"))
	assert.True(t, first)
	first, _ = s.RecordEvent(ctx, event("u1", core.AccessSuccess, now, "a"))
	assert.False(t, first)
	first, _ = s.RecordEvent(ctx, event("u1", core.AccessSuccess, now, "b"))
	assert.True(t, first)
	first, _ = s.RecordEvent(ctx, event("u2", core.AccessSuccess, now, "a"))
	assert.True(t, first)
}

func TestRecordEvent_FirstAccessSurvivesPruningAndEviction(t *testing.T) {
	ctx := context.Background()
	s := New(Options{MaxTrackedUsers: 1, EventRetention: time.Minute})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, _ := s.RecordEvent(ctx, event("u1", core.AccessSuccess, base, "a"))
	assert.True(t, first)

	first, _ = s.RecordEvent(ctx, event("u1", core.AccessSuccess, base.Add(time.Hour), "a"))
	assert.False(t, first, "pruned from the window but still known")

	_, _ = s.RecordEvent(ctx, event("u2", core.AccessSuccess, base.Add(time.Hour), "a"))
	n, _ := s.CountEvents(ctx, "u1", core.AccessSuccess, time.Time{})
	require.Zero(t, n, "u1 window evicted")

	first, _ = s.RecordEvent(ctx, event("u1", core.AccessSuccess, base.Add(2*time.Hour), "a"))
	assert.False(t, first, "evicted window but still known")
}

func TestRecordEvent_EvictsLeastRecentUser(t *testing.T) {
	ctx := context.Background()
	s := New(Options{MaxTrackedUsers: 2})
	now := time.Now()

	_, _ = s.RecordEvent(ctx, event("u1", core.AccessFailure, now, "a"))
	_, _ = s.RecordEvent(ctx, event("u2", core.AccessFailure, now, "a"))
	_, _ = s.RecordEvent(ctx, event("u3", core.AccessFailure, now, "a"))

	n, _ := s.CountEvents(ctx, "u1", core.AccessFailure, time.Time{})
	assert.Zero(t, n)
	n, _ = s.CountEvents(ctx, "u3", core.AccessFailure, time.Time{})
	assert.Equal(t, 1, n)
}

func TestConcurrentDuplicatesFailDeterministically(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	_, err := s.CreateRole(ctx, rbac.Role{ID: "r1", Name: "viewer"})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	policyErrs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateAssignment(ctx, rbac.Assignment{UserID: "u1", RoleID: "r1"})
			_, policyErrs[i] = s.CreatePolicy(ctx, response.Policy{ID: string(rune('a' + i)), Name: "lockout", Trigger: "BRUTE_FORCE", Action: response.ActionRevokeSessions})
		}(i)
	}
	wg.Wait()

	var ok, okPolicy int
	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			ok++
		} else {
			assert.ErrorIs(t, errs[i], rbac.ErrDuplicateAssignment)
		}
		if policyErrs[i] == nil {
			okPolicy++
		} else {
			assert.ErrorIs(t, policyErrs[i], core.ErrDuplicateName)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, okPolicy)
}

func TestDeleteRoleDropsInheritanceEdges(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	_, _ = s.CreateRole(ctx, rbac.Role{ID: "parent", Name: "parent"})
	_, _ = s.CreateRole(ctx, rbac.Role{ID: "child", Name: "child"})
	require.NoError(t, s.AddParent(ctx, "child", "parent"))

	require.NoError(t, s.DeleteRole(ctx, "parent"))
	child, err := s.GetRole(ctx, "child")
	require.NoError(t, err)
	assert.Empty(t, child.ParentIDs)

	_, err = s.CreateRole(ctx, rbac.Role{ID: "parent2", Name: "parent"})
	assert.NoError(t, err, "name is free again after delete")
}

func TestUpdatePolicyRename(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	_, _ = s.CreatePolicy(ctx, response.Policy{ID: "p1", Name: "one"})
	_, _ = s.CreatePolicy(ctx, response.Policy{ID: "p2", Name: "two"})

	p, _ := s.GetPolicy(ctx, "p2")
	p.Name = "one"
	assert.ErrorIs(t, s.UpdatePolicy(ctx, p), core.ErrDuplicateName)

	p.Name = "three"
	require.NoError(t, s.UpdatePolicy(ctx, p))
	_, err := s.CreatePolicy(ctx, response.Policy{ID: "p4", Name: "two"})
	assert.NoError(t, err)
}

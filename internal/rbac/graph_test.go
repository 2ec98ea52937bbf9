package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticParents(edges map[string][]string) parentsFunc {
	return func(_ context.Context, id string) ([]string, error) {
		parents, ok := edges[id]
		if !ok {
			return nil, ErrRoleNotFound
		}
		return parents, nil
	}
}

func TestFindCycle(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		edges map[string][]string
		start string
		cycle []string
	}{
		{"leaf", map[string][]string{"a": nil}, "a", nil},
		{"chain", map[string][]string{"a": {"b"}, "b": {"c"}, "c": nil}, "a", nil},
		{"diamond", map[string][]string{"a": {"b", "c"}, "b": {"d"}, "c": {"d"}, "d": nil}, "a", nil},
		{"self loop", map[string][]string{"a": {"a"}}, "a", []string{"a", "a"}},
		{"three cycle", map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}, "a", []string{"a", "b", "c", "a"}},
		{"cycle below start", map[string][]string{"x": {"a"}, "a": {"b"}, "b": {"a"}}, "x", []string{"a", "b", "a"}},
		{"dangling parent", map[string][]string{"a": {"ghost"}}, "a", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycle, err := findCycle(ctx, tt.start, staticParents(tt.edges))
			require.NoError(t, err)
			assert.Equal(t, tt.cycle, cycle)
		})
	}
}

func TestFindCycle_WithProposedEdge(t *testing.T) {
	edges := staticParents(map[string][]string{"a": {"b"}, "b": {"c"}, "c": nil})
	cycle, err := findCycle(context.Background(), "c", withEdge(edges, "c", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "c"}, cycle)
	assert.Equal(t, "role inheritance cycle: conflict: c -> a -> b -> c", cycleError(cycle).Error())
}

func TestFindCycle_PropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := findCycle(context.Background(), "a", func(context.Context, string) ([]string, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

// cyclicRoles serves a role graph that already contains a cycle, as a store
// edited out of band might.
type cyclicRoles struct {
	RoleRepository
	roles map[string]Role
}

func (c cyclicRoles) GetRole(_ context.Context, id string) (Role, error) {
	r, ok := c.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return r, nil
}

type noAssignments struct{ AssignmentRepository }

func (noAssignments) CreateAssignment(context.Context, Assignment) error {
	panic("assignment must not be created for a cyclic role")
}

func TestAssignRoleToUser_RejectsCyclicGraph(t *testing.T) {
	roles := cyclicRoles{roles: map[string]Role{
		"a": {ID: "a", Name: "a", ParentIDs: []string{"b"}},
		"b": {ID: "b", Name: "b", ParentIDs: []string{"a"}},
	}}
	r := NewResolver(nil, roles, noAssignments{}, zerolog.Nop())

	err := r.AssignRoleToUser(context.Background(), "u1", "a")
	assert.ErrorIs(t, err, ErrRoleCycle)
}

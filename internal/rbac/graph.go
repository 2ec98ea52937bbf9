package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type mark uint8

const (
	unvisited mark = iota
	visiting
	visited
)

// parentsFunc returns the direct parents of a role.
type parentsFunc func(ctx context.Context, roleID string) ([]string, error)

// findCycle walks the parent graph depth-first from start. A role reached while
// still on the DFS stack (visiting) closes a cycle; the returned path runs from
// that role back to itself. A nil path means the reachable subgraph is acyclic.
// Roles that no longer exist are treated as leaves.
func findCycle(ctx context.Context, start string, parents parentsFunc) ([]string, error) {
	marks := make(map[string]mark)
	var stack []string

	var visit func(id string) ([]string, error)
	visit = func(id string) ([]string, error) {
		switch marks[id] {
		case visiting:
			for i, s := range stack {
				if s == id {
					cycle := append([]string{}, stack[i:]...)
					return append(cycle, id), nil
				}
			}
			return []string{id, id}, nil
		case visited:
			return nil, nil
		}

		marks[id] = visiting
		stack = append(stack, id)

		next, err := parents(ctx, id)
		if err != nil && !errors.Is(err, ErrRoleNotFound) {
			return nil, err
		}
		for _, p := range next {
			cycle, err := visit(p)
			if err != nil || cycle != nil {
				return cycle, err
			}
		}

		stack = stack[:len(stack)-1]
		marks[id] = visited
		return nil, nil
	}

	return visit(start)
}

// withEdge overlays a proposed child→parent edge on top of parents.
func withEdge(parents parentsFunc, child, parent string) parentsFunc {
	return func(ctx context.Context, roleID string) ([]string, error) {
		ids, err := parents(ctx, roleID)
		if roleID != child {
			return ids, err
		}
		if err != nil && !errors.Is(err, ErrRoleNotFound) {
			return nil, err
		}
		return append(append([]string{}, ids...), parent), nil
	}
}

func cycleError(path []string) error {
	return fmt.Errorf("%w: %s", ErrRoleCycle, strings.Join(path, " -> "))
}

package conflict

import "regpipe/pkg/domain"

// Reachable reports whether target can be reached from start by following
// overrides edges. The arbiter calls this before inserting a new edge:
// inserting winner→loser when winner is already reachable from loser would
// close a supersession cycle, which is a correctness violation.
func Reachable(edges []Edge, start, target domain.RuleID) bool {
	if start == target {
		return true
	}
	adjacency := make(map[domain.RuleID][]domain.RuleID, len(edges))
	for _, e := range edges {
		adjacency[e.Winner] = append(adjacency[e.Winner], e.Loser)
	}
	seen := map[domain.RuleID]struct{}{start: {}}
	stack := []domain.RuleID{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adjacency[node] {
			if next == target {
				return true
			}
			if _, visited := seen[next]; visited {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

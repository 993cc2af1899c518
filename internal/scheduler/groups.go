package scheduler

import (
	"sort"

	"ir-orchestrator/internal/model"
)

// Group is one dispatch barrier. Actions in a parallel group run together;
// a sequential group holds a single ordering-constrained action.
type Group struct {
	Tier     int
	Parallel bool
	Indices  []int
}

// Partition splits a plan into dispatch groups. Actions whose depends_on
// or rollback action names another action in the plan are constrained and
// each becomes its own sequential group, in dependency order. Everything
// else runs in one parallel group per tier. Tiers run in ascending order;
// within a tier the parallel group goes first.
func Partition(plan []model.ResponseActionConfig) []Group {
	if len(plan) == 0 {
		return nil
	}

	byKind := make(map[model.ActionKind][]int)
	for i, a := range plan {
		byKind[a.Kind] = append(byKind[a.Kind], i)
	}

	// edges[j] lists actions that must wait for j.
	edges := make(map[int][]int)
	indegree := make([]int, len(plan))
	constrained := make([]bool, len(plan))
	uf := newUnionFind(len(plan))

	link := func(before, after int) {
		if before == after {
			return
		}
		edges[before] = append(edges[before], after)
		indegree[after]++
		constrained[before] = true
		constrained[after] = true
		uf.union(before, after)
	}

	for i, a := range plan {
		for _, dep := range a.DependsOn {
			for _, j := range byKind[dep] {
				link(j, i)
			}
		}
		if a.RollbackAction != "" {
			for _, j := range byKind[a.RollbackAction] {
				link(i, j)
			}
		}
	}

	componentTier := make(map[int]int)
	for i, a := range plan {
		if !constrained[i] {
			continue
		}
		root := uf.find(i)
		if t, ok := componentTier[root]; !ok || a.Tier < t {
			componentTier[root] = a.Tier
		}
	}

	order := topoOrder(len(plan), edges, indegree, constrained)

	tierSet := make(map[int]bool)
	for _, a := range plan {
		tierSet[a.Tier] = true
	}
	tiers := make([]int, 0, len(tierSet))
	for t := range tierSet {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)

	var groups []Group
	for _, tier := range tiers {
		var parallel []int
		for i, a := range plan {
			if !constrained[i] && a.Tier == tier {
				parallel = append(parallel, i)
			}
		}
		if len(parallel) > 0 {
			groups = append(groups, Group{Tier: tier, Parallel: true, Indices: parallel})
		}
		for _, i := range order {
			if componentTier[uf.find(i)] == tier {
				groups = append(groups, Group{Tier: tier, Parallel: false, Indices: []int{i}})
			}
		}
	}
	return groups
}

// topoOrder returns constrained indices in dependency order, ties broken by
// plan position. Members of a cycle are appended in plan order.
func topoOrder(n int, edges map[int][]int, indegree []int, constrained []bool) []int {
	deg := append([]int(nil), indegree...)
	done := make([]bool, n)
	var order []int

	for {
		next := -1
		for i := 0; i < n; i++ {
			if constrained[i] && !done[i] && deg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		done[next] = true
		order = append(order, next)
		for _, j := range edges[next] {
			deg[j]--
		}
	}

	for i := 0; i < n; i++ {
		if constrained[i] && !done[i] {
			order = append(order, i)
		}
	}
	return order
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

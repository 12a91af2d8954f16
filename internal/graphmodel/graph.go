// Package graphmodel holds the computation graph, duplicate-task
// elimination, and the derived successor/predecessor/cost views the
// scheduler consumes.
package graphmodel

import (
	"reflect"

	"github.com/swarmguard/graphsched/internal/args"
)

// TaskID re-exports args.TaskID so callers only need one type name.
type TaskID = args.TaskID

// TaskFunc is a user task body. in is the fully-expanded args tree
// (dependencies already resolved): a task that expects keyword
// arguments receives an args.Map, one expecting positional arguments
// receives an args.Seq, and one expecting a single value receives a
// bare scalar. Go has no dynamic **kwargs call, so the invocation style
// is conveyed by the shape of in rather than by reflection-based call
// assembly; the task function type-switches on it.
type TaskFunc func(in args.Value) (any, error)

// Task is one vertex of the computation graph.
type Task struct {
	ID   TaskID
	Fn   TaskFunc
	Args args.Value
	Cost float64
}

// Graph is an insertion-ordered TaskID -> Task mapping.
type Graph struct {
	order []TaskID
	byKey map[string]Task
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{byKey: map[string]Task{}}
}

// Add inserts or overwrites a task, preserving first-insertion order.
func (g *Graph) Add(t Task) {
	k := args.KeyOf(t.ID)
	if _, exists := g.byKey[k]; !exists {
		g.order = append(g.order, t.ID)
	}
	g.byKey[k] = t
}

// Get looks up a task by ID.
func (g *Graph) Get(id TaskID) (Task, bool) {
	t, ok := g.byKey[args.KeyOf(id)]
	return t, ok
}

// Tasks returns every task in insertion order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.byKey[args.KeyOf(id)])
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.order) }

// funcKey identifies a TaskFunc by its underlying code pointer. Go
// closures have no == operator, so this is the practical stand-in for
// stable function identity; distinct closures compiled from the same
// literal can share a pointer, which is an accepted limitation of the
// approach.
func funcKey(f TaskFunc) uintptr {
	return reflect.ValueOf(f).Pointer()
}

// Successors returns, for every task v, the list of tasks that declare a
// dependency on v.
func Successors(g *Graph) map[string][]TaskID {
	out := make(map[string][]TaskID, g.Len())
	for _, t := range g.Tasks() {
		out[args.KeyOf(t.ID)] = nil
	}
	for _, t := range g.Tasks() {
		for _, dep := range args.ListDependencies(t.Args) {
			k := args.KeyOf(dep)
			out[k] = append(out[k], t.ID)
		}
	}
	return out
}

// Predecessors reverses Successors.
func Predecessors(g *Graph) map[string][]TaskID {
	succ := Successors(g)
	out := make(map[string][]TaskID, len(succ))
	for _, t := range g.Tasks() {
		out[args.KeyOf(t.ID)] = nil
	}
	for key, succs := range succ {
		for _, s := range succs {
			sk := args.KeyOf(s)
			out[sk] = append(out[sk], idOf(key, g))
		}
	}
	return out
}

func idOf(key string, g *Graph) TaskID {
	if t, ok := g.byKey[key]; ok {
		return t.ID
	}
	return nil
}

// ComputeCosts returns each task's compute cost, keyed by args.KeyOf(id).
func ComputeCosts(g *Graph) map[string]float64 {
	out := make(map[string]float64, g.Len())
	for _, t := range g.Tasks() {
		out[args.KeyOf(t.ID)] = t.Cost
	}
	return out
}

// CommCosts returns each task's per-predecessor communication costs,
// keyed by args.KeyOf(id).
func CommCosts(g *Graph) map[string][]args.CommCost {
	out := make(map[string][]args.CommCost, g.Len())
	for _, t := range g.Tasks() {
		out[args.KeyOf(t.ID)] = args.ListCommunicationCosts(t.Args)
	}
	return out
}

// Dedup removes duplicate tasks tier by tier from roots downward. A
// task is a duplicate of an already-kept task when their functions
// share an identity and their args are args.EquivalentArgs. Returns
// the reduced graph and a multiplex map from a kept task's key to the
// TaskIDs that were merged into it (in first-duplicate-found order).
func Dedup(g *Graph) (*Graph, map[string][]TaskID) {
	// working is a mutable copy of per-task args, re-relabelled as
	// duplicates are discovered, mirroring remove_duplicates' graph_.copy().
	working := map[string]Task{}
	for _, t := range g.Tasks() {
		working[args.KeyOf(t.ID)] = t
	}

	successors := Successors(g)
	predCount := map[string]int{}
	predSets := map[string]map[string]bool{}
	for _, t := range g.Tasks() {
		predCount[args.KeyOf(t.ID)] = 0
		predSets[args.KeyOf(t.ID)] = map[string]bool{}
	}
	for key, succs := range successors {
		for _, s := range succs {
			sk := args.KeyOf(s)
			if !predSets[sk][key] {
				predSets[sk][key] = true
				predCount[sk]++
			}
		}
	}

	reduced := NewGraph()
	multiplex := map[string][]TaskID{}

	var tier []string
	for _, id := range g.order {
		k := args.KeyOf(id)
		if predCount[k] == 0 {
			tier = append(tier, k)
		}
	}

	for len(tier) > 0 {
		for _, key := range tier {
			val := working[key]
			existingKey := ""
			for _, rt := range reduced.Tasks() {
				rk := args.KeyOf(rt.ID)
				if funcKey(val.Fn) == funcKey(rt.Fn) && args.EquivalentArgs(val.Args, rt.Args) {
					existingKey = rk
					break
				}
			}

			if existingKey == "" {
				reduced.Add(val)
			} else {
				kept := reduced.byKey[existingKey]
				if val.Cost > kept.Cost {
					kept.Cost = val.Cost
					reduced.byKey[existingKey] = kept
				}

				labels := map[string]TaskID{key: kept.ID}
				for _, succID := range successors[key] {
					sk := args.KeyOf(succID)
					succTask := working[sk]
					succTask.Args = args.RelabelDependencies(succTask.Args, labels)
					working[sk] = succTask
				}

				multiplex[existingKey] = append(multiplex[existingKey], val.ID)
			}

			delete(predSets, key)
			for pk := range predSets {
				if predSets[pk][key] {
					delete(predSets[pk], key)
					predCount[pk]--
				}
			}
		}

		var next []string
		for _, id := range g.order {
			k := args.KeyOf(id)
			if _, open := predSets[k]; !open {
				continue
			}
			if predCount[k] == 0 {
				next = append(next, k)
			}
		}
		tier = next
	}

	return reduced, multiplex
}

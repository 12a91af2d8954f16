package graphsched_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/graphsched"
	"github.com/swarmguard/graphsched/internal/taskerr"
)

func scalarSquare(in graphsched.Value) (any, error) {
	n := in.(int)
	return n * n, nil
}

func seqDiv(in graphsched.Value) (any, error) {
	xs := in.(graphsched.Seq)
	return xs[0].(int) / xs[1].(int), nil
}

func seqAdd(in graphsched.Value) (any, error) {
	xs := in.(graphsched.Seq)
	return xs[0].(int) + xs[1].(int), nil
}

func seqMul(in graphsched.Value) (any, error) {
	xs := in.(graphsched.Seq)
	return xs[0].(int) * xs[1].(int), nil
}

func seqSub(in graphsched.Value) (any, error) {
	xs := in.(graphsched.Seq)
	return xs[0].(int) - xs[1].(int), nil
}

// algebraGraph is a small algebra graph: a=3^2, b=4^2, c=10/2, d=a+b,
// e=a*c, f=d-e, expected {a:9, b:16, c:5, d:25, e:45, f:-20}.
func algebraGraph() *graphsched.Graph {
	g := graphsched.NewGraph()
	g.Add(graphsched.Task{ID: "a", Fn: scalarSquare, Args: 3, Cost: 1})
	g.Add(graphsched.Task{ID: "b", Fn: scalarSquare, Args: 4, Cost: 1})
	g.Add(graphsched.Task{ID: "c", Fn: seqDiv, Args: graphsched.Seq{10, 2}, Cost: 1})
	g.Add(graphsched.Task{
		ID: "d", Fn: seqAdd,
		Args: graphsched.Seq{
			graphsched.Dependency{Producer: "a"},
			graphsched.Dependency{Producer: "b"},
		},
		Cost: 1,
	})
	g.Add(graphsched.Task{
		ID: "e", Fn: seqMul,
		Args: graphsched.Seq{
			graphsched.Dependency{Producer: "a"},
			graphsched.Dependency{Producer: "c"},
		},
		Cost: 1,
	})
	g.Add(graphsched.Task{
		ID: "f", Fn: seqSub,
		Args: graphsched.Seq{
			graphsched.Dependency{Producer: "d"},
			graphsched.Dependency{Producer: "e"},
		},
		Cost: 1,
	})
	return g
}

func TestE1AlgebraGraphSingleWorker(t *testing.T) {
	result, err := graphsched.Run(context.Background(), algebraGraph(), 1, graphsched.RunOptions{})
	require.NoError(t, err)

	want := map[string]int{"a": 9, "b": 16, "c": 5, "d": 25, "e": 45, "f": -20}
	for id, v := range want {
		got, ok := result.Get(id)
		require.True(t, ok, "missing result for %s", id)
		assert.Equal(t, v, got, "task %s", id)
	}
}

// TestI6SameResultRegardlessOfWorkerCount checks that a deterministic
// pure-function graph produces the same result map whether run on one
// worker or several.
func TestI6SameResultRegardlessOfWorkerCount(t *testing.T) {
	want := map[string]int{"a": 9, "b": 16, "c": 5, "d": 25, "e": 45, "f": -20}

	for _, n := range []int{1, 2, 3, 4} {
		result, err := graphsched.Run(context.Background(), algebraGraph(), n, graphsched.RunOptions{
			Timeout: 5 * time.Second,
		})
		require.NoError(t, err)
		for id, v := range want {
			got, ok := result.Get(id)
			require.True(t, ok, "workers=%d missing %s", n, id)
			assert.Equal(t, v, got, "workers=%d task %s", n, id)
		}
	}
}

func idFn(in graphsched.Value) (any, error) { return in, nil }

func sumFn(in graphsched.Value) (any, error) {
	xs := in.([]int)
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return sum, nil
}

func lenFn(in graphsched.Value) (any, error) {
	xs := in.([]int)
	return len(xs), nil
}

func divFn(in graphsched.Value) (any, error) {
	xs := in.(graphsched.Seq)
	a, b := xs[0].(int), xs[1].(int)
	if b == 0 {
		return nil, errors.New("division by zero")
	}
	return a / b, nil
}

func squareFn(in graphsched.Value) (any, error) {
	return in.(int) * in.(int), nil
}

// failureGraph: dividing by a zero-length slice's count propagates a
// TaskError into task 3, which in turn propagates as a DependencyError
// into task 5, while sibling task 6 (which does not depend on the
// failing task) still succeeds.
func failureGraph() *graphsched.Graph {
	g := graphsched.NewGraph()
	g.Add(graphsched.Task{ID: 0, Fn: idFn, Args: []int{}, Cost: 1})
	g.Add(graphsched.Task{ID: 1, Fn: sumFn, Args: graphsched.Dependency{Producer: 0}, Cost: 1})
	g.Add(graphsched.Task{ID: 2, Fn: lenFn, Args: graphsched.Dependency{Producer: 0}, Cost: 1})
	g.Add(graphsched.Task{
		ID: 3, Fn: divFn,
		Args: graphsched.Seq{graphsched.Dependency{Producer: 1}, graphsched.Dependency{Producer: 2}},
		Cost: 1,
	})
	g.Add(graphsched.Task{
		ID: 4, Fn: seqAdd,
		Args: graphsched.Seq{graphsched.Dependency{Producer: 1}, graphsched.Dependency{Producer: 2}},
		Cost: 1,
	})
	g.Add(graphsched.Task{ID: 5, Fn: squareFn, Args: graphsched.Dependency{Producer: 3}, Cost: 1})
	g.Add(graphsched.Task{ID: 6, Fn: squareFn, Args: graphsched.Dependency{Producer: 4}, Cost: 1})
	return g
}

func TestE2FailurePropagation(t *testing.T) {
	result, err := graphsched.Run(context.Background(), failureGraph(), 2, graphsched.RunOptions{
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	v0, _ := result.Get(0)
	assert.Equal(t, []int{}, v0)

	v1, _ := result.Get(1)
	assert.Equal(t, 0, v1)
	v2, _ := result.Get(2)
	assert.Equal(t, 0, v2)

	v3, ok := result.Get(3)
	require.True(t, ok)
	e3, isErr := v3.(*graphsched.Error)
	require.True(t, isErr, "expected task 3 to be an error value, got %T", v3)
	assert.Equal(t, taskerr.KindTask, e3.Kind)

	v4, _ := result.Get(4)
	assert.Equal(t, 0, v4)

	v5, ok := result.Get(5)
	require.True(t, ok)
	e5, isErr := v5.(*graphsched.Error)
	require.True(t, isErr, "expected task 5 to be a dependency error, got %T", v5)
	assert.Equal(t, taskerr.KindDependency, e5.Kind)

	v6, _ := result.Get(6)
	assert.Equal(t, 0, v6)
}

// TestE4DuplicateElimination: task 1 is a duplicate of task 0 (same
// function, equivalent args), and tasks 3 and 6, which consume task 1,
// duplicate task 2, which consumes task 0. After planning, the reduced
// graph keeps only the first task
// of each duplicate set, but execution still reports a result for every
// original TaskID.
func TestE4DuplicateElimination(t *testing.T) {
	const x = 7
	g := graphsched.NewGraph()
	g.Add(graphsched.Task{ID: 0, Fn: squareFn, Args: x, Cost: 13})
	g.Add(graphsched.Task{ID: 1, Fn: squareFn, Args: x, Cost: 16})
	statsFn := func(in graphsched.Value) (any, error) { return in.(int) + 1, nil }
	g.Add(graphsched.Task{ID: 2, Fn: statsFn, Args: graphsched.Dependency{Producer: 0}, Cost: 28})
	g.Add(graphsched.Task{ID: 3, Fn: statsFn, Args: graphsched.Dependency{Producer: 1}, Cost: 21})
	g.Add(graphsched.Task{ID: 6, Fn: statsFn, Args: graphsched.Dependency{Producer: 1}, Cost: 15})

	prog, ids, err := graphsched.Plan(g, 2, graphsched.PlanOptions{})
	require.NoError(t, err)

	result, err := graphsched.Execute(context.Background(), prog, ids, graphsched.ExecuteOptions{
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	want := map[int]int{0: 49, 1: 49, 2: 50, 3: 50, 6: 50}
	for id, v := range want {
		got, ok := result.Get(id)
		require.True(t, ok, "missing result for task %d", id)
		assert.Equal(t, v, got, "task %d", id)
	}
}

// TestE6InflateTupleIds checks that tuple-shaped TaskIDs are expanded
// into nested maps at the output boundary.
func TestE6InflateTupleIds(t *testing.T) {
	g := graphsched.NewGraph()
	g.Add(graphsched.Task{ID: graphsched.Tuple{"stats", 0}, Fn: idFn, Args: 1, Cost: 1})
	g.Add(graphsched.Task{ID: graphsched.Tuple{"stats", 1}, Fn: idFn, Args: 2, Cost: 1})
	g.Add(graphsched.Task{ID: graphsched.Tuple{"square", 0}, Fn: idFn, Args: 3, Cost: 1})

	result, err := graphsched.Run(context.Background(), g, 2, graphsched.RunOptions{
		Timeout: 5 * time.Second,
		Inflate: true,
	})
	require.NoError(t, err)

	inflated := result.All()
	stats, ok := inflated["stats"].(map[string]any)
	require.True(t, ok, "expected nested stats map, got %#v", inflated["stats"])
	assert.Equal(t, 1, stats["0"])
	assert.Equal(t, 2, stats["1"])

	square, ok := inflated["square"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, square["0"])
}

// TestPrefixAvoidsIdCollisions exercises the sub-graph composition
// utility: every TaskID is namespaced under prefix and every Dependency
// producer is relabelled to match.
func TestPrefixAvoidsIdCollisions(t *testing.T) {
	g := graphsched.NewGraph()
	g.Add(graphsched.Task{ID: "a", Fn: scalarSquare, Args: 2, Cost: 1})
	g.Add(graphsched.Task{ID: "b", Fn: seqAdd, Args: graphsched.Seq{
		graphsched.Dependency{Producer: "a"}, graphsched.Dependency{Producer: "a"},
	}, Cost: 1})

	prefixed := graphsched.Prefix(g, "sub1")
	tasks := prefixed.Tasks()
	require.Len(t, tasks, 2)

	for _, task := range tasks {
		tup, ok := task.ID.(graphsched.Tuple)
		require.True(t, ok, "expected tuple ID, got %#v", task.ID)
		assert.Equal(t, "sub1", tup[0])
	}

	result, err := graphsched.Run(context.Background(), prefixed, 1, graphsched.RunOptions{})
	require.NoError(t, err)
	v, ok := result.Get(graphsched.Tuple{"sub1", "b"})
	require.True(t, ok)
	assert.Equal(t, 8, v)
}

func TestEmptyGraphProducesEmptyResult(t *testing.T) {
	g := graphsched.NewGraph()
	result, err := graphsched.Run(context.Background(), g, 3, graphsched.RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.All())
}

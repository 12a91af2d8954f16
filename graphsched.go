// Package graphsched schedules a DAG of computational tasks onto a
// fixed number of worker processes using a HEFT-style upward-rank
// heuristic, then executes the resulting program, exchanging results
// over a channel fabric and surfacing errors and timeouts as ordinary
// result values.
package graphsched

import (
	"context"
	"time"

	"github.com/swarmguard/graphsched/internal/args"
	"github.com/swarmguard/graphsched/internal/execengine"
	"github.com/swarmguard/graphsched/internal/graphmodel"
	"github.com/swarmguard/graphsched/internal/program"
	"github.com/swarmguard/graphsched/internal/schedule"
	"github.com/swarmguard/graphsched/internal/taskerr"
)

// Re-exported so callers never need to import the internal packages.
type (
	TaskID     = args.TaskID
	Value      = args.Value
	Seq        = args.Seq
	Map        = args.Map
	Tuple      = args.Tuple
	Range      = args.Range
	KeySeq     = args.KeySeq
	Dependency = args.Dependency
	TaskFunc   = graphmodel.TaskFunc
	Task       = graphmodel.Task
	Graph      = graphmodel.Graph
	Error      = taskerr.Error
)

// NewGraph returns an empty graph ready for Add calls.
func NewGraph() *Graph { return graphmodel.NewGraph() }

// PlanOptions configures Plan.
type PlanOptions struct {
	// OutputTasks restricts the IdMap to only these tasks (and the
	// Communication/merge entries needed to reach them). nil keeps
	// every task.
	OutputTasks []TaskID
}

// Program is one worker's ordered instruction list, produced by Plan
// and consumed by Execute.
type Program = program.Program

// IdMap parallels a Program, naming which TaskID (or merged set of
// TaskIDs) each step's result belongs to.
type IdMap = program.IdMap

// Plan deduplicates graph, computes upward ranks, places every task
// onto one of nWorkers timelines by earliest finish time, and turns
// that schedule into nWorkers ordered programs plus their IdMap.
func Plan(graph *Graph, nWorkers int, opts PlanOptions) (Program, IdMap, error) {
	reduced, multiplex, sch, err := schedule.Plan(graph, nWorkers)
	if err != nil {
		return nil, nil, err
	}

	prog, ids := program.Generate(reduced, sch)
	ids = program.MultiplexTaskIds(ids, multiplex)
	ids = program.FilterTaskIds(ids, opts.OutputTasks)

	return prog, ids, nil
}

// ExecuteOptions configures Execute.
type ExecuteOptions struct {
	// Timeout bounds both an individual Receive step's wait for its
	// peer and the master's wait for a worker's full result list.
	// Zero means wait forever.
	Timeout time.Duration
	// Inflate expands tuple-shaped TaskIDs into nested maps in the
	// result returned by Result.All.
	Inflate bool
	// Costs adds compute/communication cost telemetry to Result.
	Costs bool
}

// Result is the task-ID-keyed outcome of Execute.
type Result = execengine.Result

// Execute runs prog (and its IdMap) across len(prog) workers, worker 0
// inline and the rest concurrently, and collects their results. A nil
// ids reports every step under a (worker, step) Tuple.
func Execute(ctx context.Context, prog Program, ids IdMap, opts ExecuteOptions) (*Result, error) {
	return execengine.Run(ctx, prog, ids, execengine.Options{
		Timeout: opts.Timeout,
		Inflate: opts.Inflate,
		Costs:   opts.Costs,
	})
}

// RunOptions composes PlanOptions and ExecuteOptions for the
// convenience entry point.
type RunOptions struct {
	OutputTasks []TaskID
	Timeout     time.Duration
	Inflate     bool
	Costs       bool
}

// Run plans graph across nWorkers and immediately executes it,
// composing Plan and Execute for callers who don't need the
// intermediate program to inspect or persist.
func Run(ctx context.Context, graph *Graph, nWorkers int, opts RunOptions) (*Result, error) {
	prog, ids, err := Plan(graph, nWorkers, PlanOptions{OutputTasks: opts.OutputTasks})
	if err != nil {
		return nil, err
	}
	return Execute(ctx, prog, ids, ExecuteOptions{
		Timeout: opts.Timeout,
		Inflate: opts.Inflate,
		Costs:   opts.Costs,
	})
}

// Prefix returns a new graph in which every TaskID t is replaced by
// (prefix, t...) if t was already a Tuple, else (prefix, t), with
// every Dependency producer updated to match. It lets a sub-graph be
// safely embedded inside a larger one without TaskID collisions.
func Prefix(graph *Graph, prefix TaskID) *Graph {
	prefixOne := func(id TaskID) TaskID {
		if tup, ok := args.IsTuple(id); ok {
			out := make(args.Tuple, 0, len(tup)+1)
			out = append(out, prefix)
			out = append(out, tup...)
			return out
		}
		return args.Tuple{prefix, id}
	}

	out := graphmodel.NewGraph()
	labels := map[string]TaskID{}
	for _, t := range graph.Tasks() {
		labels[args.KeyOf(t.ID)] = prefixOne(t.ID)
	}
	for _, t := range graph.Tasks() {
		out.Add(Task{
			ID:   prefixOne(t.ID),
			Fn:   t.Fn,
			Args: args.RelabelDependencies(t.Args, labels),
			Cost: t.Cost,
		})
	}
	return out
}

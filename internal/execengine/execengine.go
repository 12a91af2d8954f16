// Package execengine runs a generated program across N simulated
// worker processes and collects their results back into a single
// task-ID-keyed result set.
//
// Workers are goroutines rather than OS processes: nothing in the
// reference corpus reaches for multiprocess/IPC primitives, and Go
// channels already provide the FIFO queue a Send/Receive pair needs,
// paired with context and time.After for deadline handling.
package execengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/graphsched/internal/args"
	"github.com/swarmguard/graphsched/internal/program"
	"github.com/swarmguard/graphsched/internal/taskerr"
)

// Options configures a single Run.
type Options struct {
	// Timeout bounds a Receive step's wait for its peer and, at the
	// master, how long to wait for an entire worker's result list.
	// Zero means wait forever.
	Timeout time.Duration
	// Inflate expands tuple-shaped TaskIDs into nested maps in the
	// result returned by Result.All.
	Inflate bool
	// Costs adds per-task compute/communication cost telemetry to the
	// result.
	Costs bool
}

// NewRunID mints a run identifier for telemetry/ledger correlation.
func NewRunID() string { return uuid.NewString() }

type instruments struct {
	taskDuration   metric.Float64Histogram
	taskTimeouts   metric.Int64Counter
	workersSpawned metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter("graphsched")
	taskDuration, _ := meter.Float64Histogram("graphsched_task_duration_ms")
	taskTimeouts, _ := meter.Int64Counter("graphsched_task_timeouts_total")
	workersSpawned, _ := meter.Int64Counter("graphsched_workers_spawned_total")
	return instruments{
		taskDuration:   taskDuration,
		taskTimeouts:   taskTimeouts,
		workersSpawned: workersSpawned,
	}
}

// joinGracePeriod bounds how long the master waits for child workers
// to wind down after all result lists have been collected or timed out.
const joinGracePeriod = 100 * time.Millisecond

type stepOutcome struct {
	Value   any
	Elapsed time.Duration
}

// fabric holds a dedicated channel per directed worker pair, buffered
// to the number of Send steps the program has on that pair, so each
// pair is a private FIFO queue and a Send never waits on its peer.
type fabric struct {
	chans map[[2]int]chan any
}

func newFabric(prog program.Program) *fabric {
	n := len(prog)
	sends := map[[2]int]int{}
	for w, tl := range prog {
		for _, step := range tl {
			if step.Kind == program.StepSend {
				sends[[2]int{w, step.Peer}]++
			}
		}
	}
	f := &fabric{chans: map[[2]int]chan any{}}
	for sink := 0; sink < n; sink++ {
		for source := 0; source < sink; source++ {
			f.chans[[2]int{source, sink}] = make(chan any, sends[[2]int{source, sink}])
			f.chans[[2]int{sink, source}] = make(chan any, sends[[2]int{sink, source}])
		}
	}
	return f
}

// send pushes v on the from->to channel, blocking while the channel's
// buffer is full until timeout elapses. A send that times out yields a local
// TaskTimeoutError rather than the transmitted value; the stranded peer
// Receive then times out on its own side.
func (f *fabric) send(ctx context.Context, from, to int, v any, timeout time.Duration) any {
	ch := f.chans[[2]int{from, to}]
	if timeout <= 0 {
		select {
		case ch <- v:
			return nil
		case <-ctx.Done():
			return taskerr.NewTimeoutError(nil)
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- v:
		return nil
	case <-timer.C:
		return taskerr.NewTimeoutError(nil)
	case <-ctx.Done():
		return taskerr.NewTimeoutError(nil)
	}
}

func (f *fabric) receive(ctx context.Context, from, to int, timeout time.Duration) any {
	ch := f.chans[[2]int{from, to}]
	if timeout <= 0 {
		select {
		case v := <-ch:
			return v
		case <-ctx.Done():
			return taskerr.NewTimeoutError(nil)
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v
	case <-timer.C:
		return taskerr.NewTimeoutError(nil)
	case <-ctx.Done():
		return taskerr.NewTimeoutError(nil)
	}
}

func callArgsOf(v args.Value) []any {
	switch x := v.(type) {
	case args.Seq:
		return []any(x)
	case args.Map:
		out := make([]any, 0, len(x))
		for _, k := range args.SortedKeys(x) {
			out = append(out, x[k])
		}
		return out
	default:
		return []any{v}
	}
}

// executeTaskList sequentially runs one worker's task list, resolving
// local dependencies against earlier steps' results and the channel
// fabric for cross-worker ones.
func executeTaskList(ctx context.Context, worker int, tl program.TaskList, f *fabric, inst instruments, opts Options) []stepOutcome {
	out := make([]stepOutcome, 0, len(tl))
	localResults := map[string]any{}

	for i, step := range tl {
		start := time.Now()
		var value any

		switch step.Kind {
		case program.StepSend:
			dep := step.Args.(args.Dependency)
			idx := dep.Producer.(int)
			// Forwarded verbatim, including error sentinels: the
			// receiver needs the real failure to keep propagating
			// rather than block until its own receive deadline. A send
			// that itself times out yields a local timeout error and
			// is not retried; the peer's Receive times out in turn.
			value = f.send(ctx, worker, step.Peer, out[idx].Value, opts.Timeout)

		case program.StepReceive:
			value = f.receive(ctx, step.Peer, worker, opts.Timeout)
			localResults[args.KeyOf(i)] = value

		default: // program.StepCompute
			expanded, err := args.ExpandArgs(step.Args, localResults)
			if err != nil {
				if de, ok := err.(*taskerr.Error); ok {
					value = de
				} else {
					value = taskerr.NewTaskError(err, nil, "expand_args")
				}
			} else if res, ferr := step.Fn(expanded); ferr != nil {
				value = taskerr.NewTaskError(ferr, callArgsOf(expanded), fmt.Sprintf("worker %d step %d", worker, i))
			} else {
				value = res
			}
			localResults[args.KeyOf(i)] = value
		}

		elapsed := time.Since(start)
		if step.Kind == program.StepCompute {
			inst.taskDuration.Record(ctx, float64(elapsed.Milliseconds()))
		}
		if e, ok := taskerr.AsError(value); ok && e.Kind == taskerr.KindTimeout {
			inst.taskTimeouts.Add(ctx, 1)
		}
		out = append(out, stepOutcome{Value: value, Elapsed: elapsed})
	}

	return out
}

// TaskCost is the approximate cost telemetry for one task: its own
// compute time plus the time spent receiving each dependency's value.
type TaskCost struct {
	Compute       float64
	Communication map[string]CommEntry
}

// CommEntry names the predecessor a communication cost was measured
// against.
type CommEntry struct {
	Producer args.TaskID
	Cost     float64
}

// Result is the task-ID-keyed outcome of a Run.
type Result struct {
	byKey    map[string]any
	idByKey  map[string]args.TaskID
	order    []args.TaskID
	inflated bool
	Costs    map[string]TaskCost
	// Warnings collects non-fatal diagnostics, such as a task legitimately
	// named "costs" colliding with the reserved cost-telemetry key.
	Warnings []*taskerr.Error
}

// Get returns the result for id, if any task produced one.
func (r *Result) Get(id args.TaskID) (any, bool) {
	v, ok := r.byKey[args.KeyOf(id)]
	return v, ok
}

// CostFor returns the cost telemetry for id, if Costs was requested
// and id was in fact executed.
func (r *Result) CostFor(id args.TaskID) (TaskCost, bool) {
	tc, ok := r.Costs[args.KeyOf(id)]
	return tc, ok
}

// All returns every collected result. By default keys are canonical
// task keys; when the run requested Inflate, tuple-shaped TaskIDs are
// instead expanded into nested maps. Get always looks up by the
// original TaskID regardless.
func (r *Result) All() map[string]any {
	if r.inflated {
		return inflate(r.byKey, r.idByKey)
	}
	return r.byKey
}

// Inflated expands tuple-shaped TaskIDs into nested maps, the way
// Prefix-composed sub-graphs are meant to be read back out, whether or
// not the run requested Inflate.
func (r *Result) Inflated() map[string]any {
	return inflate(r.byKey, r.idByKey)
}

func collect(results [][]stepOutcome, ids program.IdMap) *Result {
	byKey := map[string]any{}
	idByKey := map[string]args.TaskID{}
	var order []args.TaskID

	assign := func(id args.TaskID, val any) {
		k := args.KeyOf(id)
		if _, exists := byKey[k]; !exists {
			order = append(order, id)
		}
		byKey[k] = val
		idByKey[k] = id
	}

	for w, row := range ids {
		for i, idEntry := range row {
			val := results[w][i].Value
			switch v := idEntry.(type) {
			case program.Communication:
				// Send/Receive steps carry no externally visible result.
			case []args.TaskID:
				for _, t := range v {
					if t != nil {
						assign(t, val)
					}
				}
			case nil:
				// Filtered out by FilterTaskIds.
			default:
				assign(v, val)
			}
		}
	}

	return &Result{byKey: byKey, idByKey: idByKey, order: order}
}

func costsDict(prog program.Program, results [][]stepOutcome, ids program.IdMap) map[string]TaskCost {
	out := map[string]TaskCost{}
	muxTasks := map[string]string{}

	ensure := func(key string) TaskCost {
		tc, ok := out[key]
		if !ok {
			tc = TaskCost{Communication: map[string]CommEntry{}}
			out[key] = tc
		}
		return tc
	}

	for w, row := range ids {
		for i, idEntry := range row {
			elapsed := results[w][i].Elapsed.Seconds()
			switch v := idEntry.(type) {
			case program.Communication:
				// Only the Receive side is attributed; a Send step's
				// elapsed time is not counted as communication cost.
				if prog[w][i].Kind != program.StepReceive {
					continue
				}
				sk := args.KeyOf(v.Sender)
				for _, recipient := range v.Recipients {
					rk := args.KeyOf(recipient)
					tc := ensure(rk)
					entry := tc.Communication[sk]
					entry.Producer = v.Sender
					entry.Cost += elapsed
					tc.Communication[sk] = entry
					out[rk] = tc
				}
			case []args.TaskID:
				if len(v) == 0 {
					continue
				}
				properKey := args.KeyOf(v[0])
				tc := ensure(properKey)
				tc.Compute = elapsed
				out[properKey] = tc
				for _, dup := range v[1:] {
					muxTasks[args.KeyOf(dup)] = properKey
				}
			case nil:
			default:
				k := args.KeyOf(v)
				tc := ensure(k)
				tc.Compute = elapsed
				out[k] = tc
			}
		}
	}

	for muxKey, properKey := range muxTasks {
		out[muxKey] = out[properKey]
	}

	return out
}

func inflate(flat map[string]any, idByKey map[string]args.TaskID) map[string]any {
	out := map[string]any{}
	for k, v := range flat {
		id := idByKey[k]
		tup, ok := args.IsTuple(id)
		if !ok || len(tup) == 0 {
			out[fmt.Sprint(id)] = v
			continue
		}
		cur := out
		for _, part := range tup[:len(tup)-1] {
			pk := fmt.Sprint(part)
			next, ok := cur[pk].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[pk] = next
			}
			cur = next
		}
		cur[fmt.Sprint(tup[len(tup)-1])] = v
	}
	return out
}

func intPtr(i int) *int { return &i }

// Run executes prog across len(prog) workers, worker 0 inline in the
// calling goroutine and the rest concurrently, then collects their
// results against ids. If a worker fails to report within
// opts.Timeout, its entire result list is replaced with timeout
// errors; a partial list from a dead or unresponsive worker is never
// trusted.
func Run(ctx context.Context, prog program.Program, ids program.IdMap, opts Options) (*Result, error) {
	n := len(prog)
	if n == 0 {
		res := collect(nil, ids)
		res.inflated = opts.Inflate
		return res, nil
	}
	if ids == nil {
		// Without an IdMap every step reports under a (worker, step) tuple.
		ids = make(program.IdMap, n)
		for w, tl := range prog {
			row := make([]program.IdEntry, len(tl))
			for i := range tl {
				row[i] = args.Tuple{w, i}
			}
			ids[w] = row
		}
	}
	runID := NewRunID()
	inst := newInstruments()
	inst.workersSpawned.Add(ctx, int64(n-1))
	slog.Debug("execution started", "run_id", runID, "workers", n)
	f := newFabric(prog)

	resultsCh := make([]chan []stepOutcome, n)
	for w := 1; w < n; w++ {
		resultsCh[w] = make(chan []stepOutcome, 1)
	}

	// errgroup fans the child workers out and joins them; none of them
	// ever returns a non-nil error (a panic is turned into a nil
	// result instead), so group cancellation never fires early and
	// every worker always gets to run to completion or be timed out
	// individually below.
	var g errgroup.Group
	for w := 1; w < n; w++ {
		w := w
		g.Go(func() error {
			defer func() {
				if recover() != nil {
					resultsCh[w] <- nil
				}
			}()
			resultsCh[w] <- executeTaskList(ctx, w, prog[w], f, inst, opts)
			return nil
		})
	}

	results := make([][]stepOutcome, n)
	results[0] = executeTaskList(ctx, 0, prog[0], f, inst, opts)

	for w := 1; w < n; w++ {
		var got []stepOutcome
		if opts.Timeout <= 0 {
			got = <-resultsCh[w]
		} else {
			select {
			case got = <-resultsCh[w]:
			case <-time.After(opts.Timeout):
				got = nil
			}
		}
		if got == nil {
			errVal := taskerr.NewTimeoutError(intPtr(w))
			got = make([]stepOutcome, len(prog[w]))
			for i := range got {
				got[i] = stepOutcome{Value: errVal}
			}
			inst.taskTimeouts.Add(ctx, int64(len(prog[w])))
			slog.Warn("worker results collection timed out", "run_id", runID, "worker", w)
		}
		results[w] = got
	}

	// Join the children, but only up to a short grace period when a
	// deadline is in force: a goroutine stuck inside a user task body
	// cannot be killed, and its results have already been synthesised.
	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()
	if opts.Timeout > 0 {
		select {
		case <-joined:
		case <-time.After(joinGracePeriod):
		}
	} else {
		<-joined
	}
	slog.Debug("execution finished", "run_id", runID, "workers", n)

	res := collect(results, ids)
	res.inflated = opts.Inflate

	if opts.Costs {
		res.Costs = costsDict(prog, results, ids)
		for _, id := range res.order {
			if args.KeyOf(id) == args.KeyOf("costs") {
				res.Warnings = append(res.Warnings, taskerr.NewWarning(
					"a task is named \"costs\", which collides with the reserved cost-telemetry key; read Result.Costs directly instead of merging it into Result.All()"))
				break
			}
		}
	}

	return res, nil
}

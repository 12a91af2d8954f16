// Package schedule implements the upward-rank heuristic and the
// earliest-finish-time list scheduler that place deduplicated tasks
// onto a fixed number of worker slots.
package schedule

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/graphsched/internal/args"
	"github.com/swarmguard/graphsched/internal/graphmodel"
)

// TaskID re-exports graphmodel.TaskID for convenience.
type TaskID = graphmodel.TaskID

// Slot is one (task, start, finish) placement on a worker's timeline.
type Slot struct {
	Task   TaskID
	Start  float64
	Finish float64
}

// Timeline is a single worker's ordered, non-overlapping slot list.
type Timeline []Slot

// Schedule assigns a Timeline to each of N workers.
type Schedule []Timeline

// interval is a half-open idle time window, [Start, End).
type interval struct {
	Start, End float64
}

// idleSlots lists the idle windows of a single worker's timeline, the
// last one open-ended.
func idleSlots(tl Timeline) []interval {
	out := make([]interval, 0, len(tl)+1)
	last := 0.0
	for _, s := range tl {
		length := s.Start - last
		if length > 0 {
			out = append(out, interval{last, s.Start})
		}
		last = s.Finish
	}
	out = append(out, interval{last, math.Inf(1)})
	return out
}

// precedes reports whether slot a entirely precedes slot b.
func precedes(a, b Slot) bool {
	return a.Finish <= b.Start
}

// addSlot inserts a new slot into a timeline, keeping it ordered by
// start time (found via the first existing slot the new one precedes).
func addSlot(task TaskID, start, finish float64, tl Timeline) Timeline {
	ns := Slot{Task: task, Start: start, Finish: finish}
	out := make(Timeline, 0, len(tl)+1)
	inserted := false
	for _, s := range tl {
		if !inserted && precedes(ns, s) {
			out = append(out, ns)
			inserted = true
		}
		out = append(out, s)
	}
	if !inserted {
		out = append(out, ns)
	}
	return out
}

// available returns the earliest time at or after earliestTime when a
// contiguous window of at least minLength is free in tl.
func available(minLength, earliestTime float64, tl Timeline) (float64, error) {
	for _, win := range idleSlots(tl) {
		start := math.Max(win.Start, earliestTime)
		if win.End-start >= minLength {
			return start, nil
		}
	}
	return 0, fmt.Errorf("schedule: no available time slot found")
}

// actualFinishTime finds the finish time and worker index of task
// within sch, or ok=false if task has not been placed yet.
func actualFinishTime(task TaskID, sch Schedule) (finish float64, worker int, ok bool) {
	key := args.KeyOf(task)
	for w, tl := range sch {
		for _, s := range tl {
			if args.KeyOf(s.Task) == key {
				return s.Finish, w, true
			}
		}
	}
	return 0, -1, false
}

// est computes the earliest possible start time for task on processor,
// given its predecessor tasks, compute/communication cost tables, and
// the schedule built so far.
func est(task TaskID, processor int, dependencies []TaskID, computeCosts map[string]float64, commCosts map[string][]args.CommCost, sch Schedule) (float64, error) {
	earliest := 0.0
	costsForTask := commCosts[args.KeyOf(task)]
	for _, dep := range dependencies {
		finish, worker, ok := actualFinishTime(dep, sch)
		if !ok {
			continue
		}
		if worker == processor {
			earliest = math.Max(earliest, finish)
			continue
		}
		depKey := args.KeyOf(dep)
		cost := 0.0
		for _, cc := range costsForTask {
			if args.KeyOf(cc.Producer) == depKey {
				cost = cc.Cost
				break
			}
		}
		earliest = math.Max(earliest, finish+cost)
	}
	return available(computeCosts[args.KeyOf(task)], earliest, sch[processor])
}

// addTaskEFT places task on whichever processor in sch gives it the
// earliest finish time, mutating and returning sch.
func addTaskEFT(task TaskID, dependencies []TaskID, computeCosts map[string]float64, commCosts map[string][]args.CommCost, sch Schedule) (Schedule, error) {
	best := math.Inf(1)
	bestProc := -1
	for p := range sch {
		start, err := est(task, p, dependencies, computeCosts, commCosts, sch)
		if err != nil {
			return sch, err
		}
		if start < best {
			best = start
			bestProc = p
		}
	}
	if bestProc < 0 {
		return sch, fmt.Errorf("schedule: no processors available")
	}
	cost := computeCosts[args.KeyOf(task)]
	sch[bestProc] = addSlot(task, best, best+cost, sch[bestProc])
	return sch, nil
}

// UpwardRank computes each task's upward rank: its own cost (compute
// plus mean communication cost) plus the sum of its immediate
// successors' ranks. Exit tasks (no successors) rank at their own
// cost alone.
func UpwardRank(g *graphmodel.Graph) map[string]float64 {
	computeCosts := graphmodel.ComputeCosts(g)
	commCosts := graphmodel.CommCosts(g)
	successors := graphmodel.Successors(g)

	meanComm := map[string]float64{}
	for k, cs := range commCosts {
		if len(cs) == 0 {
			meanComm[k] = 0
			continue
		}
		sum := 0.0
		for _, c := range cs {
			sum += c.Cost
		}
		meanComm[k] = sum / float64(len(cs))
	}

	ranks := map[string]float64{}
	for _, t := range g.Tasks() {
		ranks[args.KeyOf(t.ID)] = 0
	}

	var exitTasks []string
	for k, succ := range successors {
		if len(succ) == 0 {
			exitTasks = append(exitTasks, k)
		}
	}
	for _, k := range exitTasks {
		ranks[k] = computeCosts[k] + meanComm[k]
	}

	inSet := func(list []string, k string) bool {
		for _, x := range list {
			if x == k {
				return true
			}
		}
		return false
	}

	frontier := []string{}
	for k, succ := range successors {
		for _, s := range succ {
			if inSet(exitTasks, args.KeyOf(s)) {
				frontier = append(frontier, k)
				break
			}
		}
	}

	for len(frontier) > 0 {
		for _, k := range frontier {
			sum := 0.0
			for _, s := range successors[k] {
				sum += ranks[args.KeyOf(s)]
			}
			ranks[k] = computeCosts[k] + meanComm[k] + sum
		}

		var next []string
		seen := map[string]bool{}
		for k, succ := range successors {
			for _, s := range succ {
				if inSet(frontier, args.KeyOf(s)) && !seen[k] {
					seen[k] = true
					next = append(next, k)
				}
			}
		}
		frontier = next
	}

	return ranks
}

// Plan runs the deduplication + upward-rank + EFT list-scheduling
// pipeline over g, returning the deduplicated graph, its multiplex
// map, and the resulting N-way schedule ready for program generation.
func Plan(g *graphmodel.Graph, nProcesses int) (*graphmodel.Graph, map[string][]TaskID, Schedule, error) {
	if nProcesses <= 0 {
		return nil, nil, nil, fmt.Errorf("schedule: nProcesses must be positive, got %d", nProcesses)
	}

	meter := otel.Meter("graphsched")
	planDuration, _ := meter.Float64Histogram("graphsched_plan_duration_ms")
	tasksScheduled, _ := meter.Int64Counter("graphsched_tasks_scheduled_total")
	planStart := time.Now()

	reduced, multiplex := graphmodel.Dedup(g)

	computeCosts := graphmodel.ComputeCosts(reduced)
	commCosts := graphmodel.CommCosts(reduced)
	predecessors := graphmodel.Predecessors(reduced)
	ranks := UpwardRank(reduced)

	tasks := reduced.Tasks()
	order := make([]int, len(tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return ranks[args.KeyOf(tasks[order[i]].ID)] < ranks[args.KeyOf(tasks[order[j]].ID)]
	})

	sch := make(Schedule, nProcesses)
	for i := range sch {
		sch[i] = Timeline{}
	}

	// Highest rank is scheduled first: process the ascending-sorted
	// priority list from the back, mirroring task_priority.pop().
	for i := len(order) - 1; i >= 0; i-- {
		t := tasks[order[i]]
		deps := predecessors[args.KeyOf(t.ID)]
		var err error
		sch, err = addTaskEFT(t.ID, deps, computeCosts, commCosts, sch)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	planDuration.Record(context.Background(), float64(time.Since(planStart).Milliseconds()))
	tasksScheduled.Add(context.Background(), int64(reduced.Len()))

	return reduced, multiplex, sch, nil
}

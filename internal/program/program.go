// Package program turns a graph and its EFT schedule into one ordered
// task list per worker, threading in Send/Receive steps for any
// dependency that crosses a worker boundary, and produces the
// parallel ID map used to translate raw per-step results back into
// task-ID-keyed results.
package program

import (
	"sort"

	"github.com/swarmguard/graphsched/internal/args"
	"github.com/swarmguard/graphsched/internal/graphmodel"
	"github.com/swarmguard/graphsched/internal/schedule"
)

// TaskID re-exports graphmodel.TaskID for convenience.
type TaskID = graphmodel.TaskID

// StepKind identifies what a Step does.
type StepKind int

const (
	StepCompute StepKind = iota
	StepSend
	StepReceive
)

// Step is one instruction in a worker's task list. For StepCompute, Fn
// and Args are set and Args' Dependency leaves reference earlier local
// step indices (not original TaskIDs) via Dependency.Producer. For
// StepSend, Args is a single Dependency pointing at the local step
// whose result should be sent, and Peer is the destination worker. For
// StepReceive, Peer is the source worker and the step's result is
// whatever that worker sent.
type Step struct {
	Kind StepKind
	Fn   graphmodel.TaskFunc
	Args args.Value
	Peer int
}

// TaskList is one worker's ordered instruction list.
type TaskList []Step

// Program is one TaskList per worker.
type Program []TaskList

// Communication marks a Send/Receive step in the ID map: sender is the
// producing task, recipients are the original consuming tasks that
// triggered this particular cross-worker hop.
type Communication struct {
	Sender     TaskID
	Recipients []TaskID
}

// IdEntry labels one Step's result. It is one of: a TaskID, a
// Communication, a []TaskID (a multiplexed task and the duplicates
// merged into it), or nil (filtered out).
type IdEntry any

// IdMap is one []IdEntry per worker, index-aligned with a TaskList.
type IdMap [][]IdEntry

type flatSlot struct {
	Task   TaskID
	Worker int
	Start  float64
	Finish float64
}

type pendingReceive struct {
	Producer   TaskID
	FromWorker int
	Finish     float64
	Recipients []TaskID
}

// Generate walks g's compute schedule and builds the per-worker task
// lists and parallel ID map. g must be the deduplicated graph Plan
// returned alongside sch.
func Generate(g *graphmodel.Graph, sch schedule.Schedule) (Program, IdMap) {
	n := len(sch)

	taskProcess := map[string]int{}
	for w, tl := range sch {
		for _, s := range tl {
			taskProcess[args.KeyOf(s.Task)] = w
		}
	}

	successors := graphmodel.Successors(g)
	successorsByWorker := map[string][]struct {
		Worker int
		Tasks  []TaskID
	}{}
	for key, succs := range successors {
		ownerWorker := taskProcess[key]
		var groups []struct {
			Worker int
			Tasks  []TaskID
		}
		index := map[int]int{}
		for _, s := range succs {
			w := taskProcess[args.KeyOf(s)]
			if w == ownerWorker {
				continue
			}
			if gi, ok := index[w]; ok {
				groups[gi].Tasks = append(groups[gi].Tasks, s)
			} else {
				index[w] = len(groups)
				groups = append(groups, struct {
					Worker int
					Tasks  []TaskID
				}{Worker: w, Tasks: []TaskID{s}})
			}
		}
		successorsByWorker[key] = groups
	}

	var flat []flatSlot
	for w, tl := range sch {
		for _, s := range tl {
			flat = append(flat, flatSlot{Task: s.Task, Worker: w, Start: s.Start, Finish: s.Finish})
		}
	}
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].Finish < flat[j].Finish })

	taskLists := make(Program, n)
	idLists := make(IdMap, n)
	receiveQueue := make([][]pendingReceive, n)
	taskIndices := make([]map[string]int, n)
	for w := 0; w < n; w++ {
		taskIndices[w] = map[string]int{}
	}

	for _, slot := range flat {
		p := slot.Worker

		var kept []pendingReceive
		for _, pr := range receiveQueue[p] {
			if pr.Finish <= slot.Start {
				idx := len(taskLists[p])
				taskLists[p] = append(taskLists[p], Step{Kind: StepReceive, Peer: pr.FromWorker})
				idLists[p] = append(idLists[p], Communication{Sender: pr.Producer, Recipients: pr.Recipients})
				taskIndices[p][args.KeyOf(pr.Producer)] = idx
			} else {
				kept = append(kept, pr)
			}
		}
		receiveQueue[p] = kept

		task, _ := g.Get(slot.Task)
		labels := map[string]TaskID{}
		for k, idx := range taskIndices[p] {
			labels[k] = idx
		}
		relabeled := args.RelabelDependencies(task.Args, labels)

		taskIndex := len(taskLists[p])
		taskLists[p] = append(taskLists[p], Step{Kind: StepCompute, Fn: task.Fn, Args: relabeled})
		idLists[p] = append(idLists[p], slot.Task)
		taskIndices[p][args.KeyOf(slot.Task)] = taskIndex

		for _, grp := range successorsByWorker[args.KeyOf(slot.Task)] {
			taskLists[p] = append(taskLists[p], Step{
				Kind: StepSend,
				Args: args.Dependency{Producer: taskIndex, Key: nil},
				Peer: grp.Worker,
			})
			idLists[p] = append(idLists[p], Communication{Sender: slot.Task, Recipients: grp.Tasks})
			receiveQueue[grp.Worker] = append(receiveQueue[grp.Worker], pendingReceive{
				Producer:   slot.Task,
				FromWorker: p,
				Finish:     slot.Finish,
				Recipients: grp.Tasks,
			})
		}
	}

	return taskLists, idLists
}

// MultiplexTaskIds rewrites each plain TaskID entry that was the
// surviving representative of a Dedup merge into a []TaskID holding
// itself followed by the task IDs that were folded into it.
func MultiplexTaskIds(ids IdMap, multiplex map[string][]TaskID) IdMap {
	if len(multiplex) == 0 {
		return ids
	}
	out := make(IdMap, len(ids))
	for w, row := range ids {
		newRow := make([]IdEntry, len(row))
		for i, entry := range row {
			if dups, ok := multiplex[args.KeyOf(entry)]; ok {
				if _, isComm := entry.(Communication); !isComm {
					merged := append([]TaskID{entry}, dups...)
					newRow[i] = merged
					continue
				}
			}
			newRow[i] = entry
		}
		out[w] = newRow
	}
	return out
}

// FilterTaskIds replaces the ID of any entry not reachable to
// outputTasks with nil. outputTasks == nil means every task is an
// output task and ids is returned unchanged.
func FilterTaskIds(ids IdMap, outputTasks []TaskID) IdMap {
	if outputTasks == nil {
		return ids
	}
	wanted := map[string]bool{}
	for _, t := range outputTasks {
		wanted[args.KeyOf(t)] = true
	}

	out := make(IdMap, len(ids))
	for w, row := range ids {
		newRow := make([]IdEntry, len(row))
		for i, entry := range row {
			switch v := entry.(type) {
			case Communication:
				if wanted[args.KeyOf(v.Sender)] {
					newRow[i] = v
					continue
				}
				var kept []TaskID
				for _, r := range v.Recipients {
					if wanted[args.KeyOf(r)] {
						kept = append(kept, r)
					}
				}
				if len(kept) > 0 {
					newRow[i] = Communication{Sender: v.Sender, Recipients: kept}
				} else {
					newRow[i] = nil
				}
			case []TaskID:
				var kept []TaskID
				for _, id := range v {
					if wanted[args.KeyOf(id)] {
						kept = append(kept, id)
					}
				}
				newRow[i] = kept
			default:
				if wanted[args.KeyOf(entry)] {
					newRow[i] = entry
				} else {
					newRow[i] = nil
				}
			}
		}
		out[w] = newRow
	}
	return out
}

package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/graphsched/internal/args"
	"github.com/swarmguard/graphsched/internal/graphmodel"
	"github.com/swarmguard/graphsched/internal/schedule"
)

func constFn(v int) graphmodel.TaskFunc {
	return func(in args.Value) (any, error) { return v, nil }
}

// TestGenerateInsertsCrossWorkerSendReceive builds a two-task, two-worker
// schedule by hand (p on worker 0, its consumer c on worker 1) and checks
// that Generate threads in the Send/Receive pair with dependency handles
// rewritten to local step indices.
func TestGenerateInsertsCrossWorkerSendReceive(t *testing.T) {
	g := graphmodel.NewGraph()
	g.Add(graphmodel.Task{ID: "p", Fn: constFn(1), Cost: 1})
	g.Add(graphmodel.Task{
		ID:   "c",
		Fn:   constFn(2),
		Args: args.Seq{args.Dependency{Producer: "p", Key: nil}},
		Cost: 2,
	})

	sch := schedule.Schedule{
		{{Task: "p", Start: 0, Finish: 1}},
		{{Task: "c", Start: 2, Finish: 4}},
	}

	prog, ids := Generate(g, sch)
	require.Len(t, prog, 2)

	require.Len(t, prog[0], 2)
	assert.Equal(t, StepCompute, prog[0][0].Kind)
	assert.Equal(t, StepSend, prog[0][1].Kind)
	assert.Equal(t, 1, prog[0][1].Peer)
	sendDep := prog[0][1].Args.(args.Dependency)
	assert.Equal(t, 0, sendDep.Producer) // local index of the compute step

	comm0, ok := ids[0][1].(Communication)
	require.True(t, ok)
	assert.Equal(t, "p", comm0.Sender)
	assert.Equal(t, []args.TaskID{"c"}, comm0.Recipients)

	require.Len(t, prog[1], 2)
	assert.Equal(t, StepReceive, prog[1][0].Kind)
	assert.Equal(t, 0, prog[1][0].Peer)
	assert.Equal(t, StepCompute, prog[1][1].Kind)

	comm1, ok := ids[1][0].(Communication)
	require.True(t, ok)
	assert.Equal(t, "p", comm1.Sender)

	cDep := prog[1][1].Args.(args.Seq)[0].(args.Dependency)
	assert.Equal(t, 0, cDep.Producer) // rewritten to the receive step's local index

	assert.Equal(t, "c", ids[1][1])
}

func TestGenerateSameWorkerNoCommunication(t *testing.T) {
	g := graphmodel.NewGraph()
	g.Add(graphmodel.Task{ID: "p", Fn: constFn(1), Cost: 1})
	g.Add(graphmodel.Task{
		ID:   "c",
		Fn:   constFn(2),
		Args: args.Seq{args.Dependency{Producer: "p"}},
		Cost: 1,
	})
	sch := schedule.Schedule{
		{{Task: "p", Start: 0, Finish: 1}, {Task: "c", Start: 1, Finish: 2}},
	}
	prog, ids := Generate(g, sch)
	require.Len(t, prog[0], 2)
	assert.Equal(t, StepCompute, prog[0][0].Kind)
	assert.Equal(t, StepCompute, prog[0][1].Kind)
	assert.Equal(t, "p", ids[0][0])
	assert.Equal(t, "c", ids[0][1])
}

func TestMultiplexTaskIds(t *testing.T) {
	ids := IdMap{{"p", "keepme"}}
	multiplex := map[string][]args.TaskID{args.KeyOf("p"): {"dup1", "dup2"}}

	out := MultiplexTaskIds(ids, multiplex)
	merged, ok := out[0][0].([]args.TaskID)
	require.True(t, ok)
	assert.Equal(t, []args.TaskID{"p", "dup1", "dup2"}, merged)
	assert.Equal(t, "keepme", out[0][1])
}

func TestFilterTaskIdsDropsUnwantedCommunicationAndScalar(t *testing.T) {
	ids := IdMap{{
		"kept",
		"dropped",
		Communication{Sender: "kept", Recipients: []args.TaskID{"dropped"}},
		Communication{Sender: "dropped", Recipients: []args.TaskID{"alsodropped"}},
		Communication{Sender: "dropped", Recipients: []args.TaskID{"kept"}},
	}}

	out := FilterTaskIds(ids, []args.TaskID{"kept"})

	assert.Equal(t, "kept", out[0][0])
	assert.Nil(t, out[0][1])

	// sender wanted: kept verbatim, recipients untouched
	comm, ok := out[0][2].(Communication)
	require.True(t, ok)
	assert.Equal(t, "kept", comm.Sender)

	// sender not wanted and no recipient survives the intersection: dropped
	assert.Nil(t, out[0][3])

	// sender not wanted but a recipient does: kept with recipients narrowed
	comm2, ok := out[0][4].(Communication)
	require.True(t, ok)
	assert.Equal(t, []args.TaskID{"kept"}, comm2.Recipients)
}

func TestFilterTaskIdsNilMeansKeepEverything(t *testing.T) {
	ids := IdMap{{"a", "b"}}
	out := FilterTaskIds(ids, nil)
	assert.Equal(t, ids, out)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/hub"
	"github.com/taskmesh/taskmesh/internal/pool"
	"github.com/taskmesh/taskmesh/internal/taskgraph"
	"github.com/taskmesh/taskmesh/internal/worker"
)

type fixedDecomposer struct {
	subtasks []Subtask
	err      error
}

func (d *fixedDecomposer) Decompose(ctx context.Context, task string) ([]Subtask, error) {
	return d.subtasks, d.err
}

// fakeProvisioner registers a stub worker endpoint per allocated instance.
// Node outcomes are scripted by node id; unscripted nodes succeed.
type fakeProvisioner struct {
	h       *hub.Hub
	mu      sync.Mutex
	scripts map[string]worker.Result
	seen    map[string]bool
	rounds  map[string]int // node id -> dispatch count
}

func newFakeProvisioner(h *hub.Hub) *fakeProvisioner {
	return &fakeProvisioner{
		h:       h,
		scripts: make(map[string]worker.Result),
		seen:    make(map[string]bool),
		rounds:  make(map[string]int),
	}
}

func (f *fakeProvisioner) Provision(inst pool.Instance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	endpoint := "process." + inst.ID
	if f.seen[inst.ID] {
		return endpoint, nil
	}

	err := f.h.Register(hub.Bundle{
		Name:    "worker-" + inst.ID,
		Version: "1.0",
		Endpoints: []hub.EndpointDef{
			{
				Kind:         hub.KindProcess,
				ID:           inst.ID,
				Capabilities: []string{worker.TypeAssignment},
				Handler:      f.handle,
			},
		},
	})
	if err != nil {
		return "", err
	}
	f.seen[inst.ID] = true
	return endpoint, nil
}

func (f *fakeProvisioner) handle(ctx context.Context, msg *hub.Message) (*hub.Message, error) {
	var a worker.Assignment
	if err := msg.UnmarshalPayload(&a); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.rounds[a.NodeID]++
	res, scripted := f.scripts[a.NodeID]
	f.mu.Unlock()

	if !scripted {
		res = worker.Result{NodeID: a.NodeID, Success: true, Observation: "done: " + a.Description, Iterations: 1}
	}
	return hub.NewMessage(worker.TypeResult, res).From(msg.Target).To(msg.Sender), nil
}

func (f *fakeProvisioner) dispatches(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rounds[nodeID]
}

func harness(t *testing.T, subtasks []Subtask, cfg Config) (*Orchestrator, *fakeProvisioner, *pool.Pool) {
	t.Helper()
	h := hub.New()
	t.Cleanup(h.Close)
	p := pool.New(pool.WithSweepInterval(0))
	t.Cleanup(p.Close)

	prov := newFakeProvisioner(h)
	o := New(h, p, &fixedDecomposer{subtasks: subtasks}, prov, cfg)
	return o, prov, p
}

func TestRun_DependencyRounds(t *testing.T) {
	o, prov, _ := harness(t, []Subtask{
		{ID: "A", Description: "build"},
		{ID: "B", Description: "test", DependsOn: []string{"A"}},
	}, DefaultConfig())

	out, err := o.Run(context.Background(), "build+test")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, out.Phase)
	assert.Equal(t, PhaseCompleted, o.Phase())

	// B waits for A: two rounds, one dispatch each.
	assert.Equal(t, 2, out.Rounds)
	assert.Equal(t, []string{"A", "B"}, out.Completed)
	assert.Equal(t, 1, prov.dispatches("A"))
	assert.Equal(t, 1, prov.dispatches("B"))
	assert.Empty(t, out.Failed)
}

func TestRun_IndependentNodesShareRound(t *testing.T) {
	o, _, _ := harness(t, []Subtask{
		{ID: "A", Description: "one"},
		{ID: "B", Description: "two"},
	}, DefaultConfig())

	out, err := o.Run(context.Background(), "parallel")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, out.Phase)
	assert.Equal(t, 1, out.Rounds)
	assert.ElementsMatch(t, []string{"A", "B"}, out.Completed)
}

func TestRun_CyclicDecompositionFailsInPlanning(t *testing.T) {
	o, prov, _ := harness(t, []Subtask{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	}, DefaultConfig())

	out, err := o.Run(context.Background(), "cyclic")
	require.Error(t, err)
	assert.True(t, errors.Is(err, taskgraph.ErrCycleDetected))
	assert.Equal(t, PhaseFailed, out.Phase)
	assert.Zero(t, prov.dispatches("A"))
}

func TestRun_UnknownDependencyFailsInPlanning(t *testing.T) {
	o, _, _ := harness(t, []Subtask{
		{ID: "A", DependsOn: []string{"ghost"}},
	}, DefaultConfig())

	_, err := o.Run(context.Background(), "task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, taskgraph.ErrNodeDependency))
}

func TestRun_EmptyDecomposition(t *testing.T) {
	o, _, _ := harness(t, nil, DefaultConfig())

	out, err := o.Run(context.Background(), "nothing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyDecomposition))
	assert.Equal(t, PhaseFailed, out.Phase)
}

func TestRun_FailedDependencyBlocksWithoutRetry(t *testing.T) {
	o, prov, _ := harness(t, []Subtask{
		{ID: "A", Description: "flaky"},
		{ID: "B", Description: "dependent", DependsOn: []string{"A"}},
	}, DefaultConfig())
	prov.scripts["A"] = worker.Result{NodeID: "A", Success: false, Observation: "disk full"}

	out, err := o.Run(context.Background(), "task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
	assert.Equal(t, PhaseFailed, out.Phase)

	require.Len(t, out.Failed, 1)
	assert.Equal(t, "A", out.Failed[0].NodeID)
	assert.Equal(t, "disk full", out.Failed[0].Reason)

	// No automatic retry happened.
	assert.Equal(t, 1, prov.dispatches("A"))
	assert.Zero(t, prov.dispatches("B"))
}

func TestRun_CriticalNodeFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CriticalNodes = []string{"A"}
	o, prov, _ := harness(t, []Subtask{
		{ID: "A", Description: "vital"},
		{ID: "B", Description: "whatever"},
	}, cfg)
	prov.scripts["A"] = worker.Result{NodeID: "A", Success: false, Observation: "broken"}

	out, err := o.Run(context.Background(), "task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCriticalNodeFailed))

	var ce *CriticalNodeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "A", ce.NodeID)
	assert.Equal(t, PhaseFailed, out.Phase)
}

func TestRun_PoolExhaustionRetriesNextRound(t *testing.T) {
	h := hub.New()
	t.Cleanup(h.Close)
	p := pool.New(pool.WithSweepInterval(0), pool.WithRoleCapacity(pool.RoleExecutor, 1))
	t.Cleanup(p.Close)

	prov := newFakeProvisioner(h)
	o := New(h, p, &fixedDecomposer{subtasks: []Subtask{
		{ID: "A", Description: "one"},
		{ID: "B", Description: "two"},
	}}, prov, DefaultConfig())

	out, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, out.Phase)
	// Capacity 1 forces the second node into a later round.
	assert.GreaterOrEqual(t, out.Rounds, 2)
	assert.ElementsMatch(t, []string{"A", "B"}, out.Completed)
}

func TestRun_ContextCancellation(t *testing.T) {
	o, _, _ := harness(t, []Subtask{{ID: "A", Description: "x"}}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := o.Run(ctx, "task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, PhaseFailed, out.Phase)
}

func TestRun_Restartable(t *testing.T) {
	o, _, _ := harness(t, []Subtask{{ID: "A"}}, DefaultConfig())

	require.NoError(t, func() error {
		_, err := o.Run(context.Background(), "first")
		return err
	}())

	// A finished run may be restarted.
	_, err := o.Run(context.Background(), "second")
	assert.NoError(t, err)
}

func TestRequeue_AfterFailure(t *testing.T) {
	o, prov, _ := harness(t, []Subtask{{ID: "A", Description: "flaky"}}, DefaultConfig())
	prov.scripts["A"] = worker.Result{NodeID: "A", Success: false, Observation: "transient"}

	_, err := o.Run(context.Background(), "task")
	require.Error(t, err)

	require.NoError(t, o.Requeue("A", "A-retry"))

	var state State
	require.NoError(t, json.Unmarshal(o.ExportState(), &state))
	require.Len(t, state.Nodes, 1)
	assert.Equal(t, "A-retry", state.Nodes[0].ID)
	assert.Equal(t, taskgraph.StatusPending, state.Nodes[0].Status)
}

func TestExportState(t *testing.T) {
	o, _, _ := harness(t, []Subtask{
		{ID: "A", Description: "build"},
		{ID: "B", Description: "test", DependsOn: []string{"A"}},
	}, DefaultConfig())

	_, err := o.Run(context.Background(), "build+test")
	require.NoError(t, err)

	var state State
	require.NoError(t, json.Unmarshal(o.ExportState(), &state))
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, "build+test", state.UserTask)
	assert.Equal(t, 2, state.Round)
	assert.Equal(t, []string{"A", "B"}, state.Completed)
	assert.Len(t, state.Nodes, 2)
}

package taskgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	require.NoError(t, g.Add("A", "build", "executor", nil))
	require.NoError(t, g.Add("B", "test", "executor", []string{"A"}))
	return g
}

func TestAdd_Duplicate(t *testing.T) {
	g := buildGraph(t)

	err := g.Add("A", "again", "executor", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateNode))
}

func TestAdd_MutationProtection(t *testing.T) {
	g := New()

	deps := []string{"x"}
	require.NoError(t, g.Add("x", "root", "executor", nil))
	require.NoError(t, g.Add("y", "child", "executor", deps))

	deps[0] = "mutated"

	node, ok := g.Node("y")
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, node.DependsOn)
}

func TestValidate_UnknownDependency(t *testing.T) {
	g := New()
	require.NoError(t, g.Add("a", "", "executor", []string{"ghost"}))

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeDependency))
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidate_Cycle(t *testing.T) {
	g := New()
	require.NoError(t, g.Add("a", "", "executor", []string{"b"}))
	require.NoError(t, g.Add("b", "", "executor", []string{"a"}))

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Len(t, cycleErr.Path, 3) // a -> b -> a
}

func TestValidate_SelfCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.Add("a", "", "executor", []string{"a"}))

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))
}

func TestRefresh_DependencyOrdering(t *testing.T) {
	g := buildGraph(t)

	// Round 1: only A is ready, because B depends on A.
	assert.Equal(t, []string{"A"}, g.Refresh())
	assert.Equal(t, []string{"A"}, g.Ready())

	require.NoError(t, g.MarkInProgress("A", "agent-1"))
	require.NoError(t, g.MarkCompleted("A", "built"))

	// Round 2: A's completion unblocks B.
	assert.Equal(t, []string{"B"}, g.Refresh())
}

func TestRefresh_CycleStaysPending(t *testing.T) {
	g := New()
	require.NoError(t, g.Add("a", "", "executor", []string{"b"}))
	require.NoError(t, g.Add("b", "", "executor", []string{"a"}))

	assert.Empty(t, g.Refresh())
	assert.Empty(t, g.Ready())
}

func TestTransitions_Monotonic(t *testing.T) {
	g := buildGraph(t)
	g.Refresh()

	// Cannot complete a node that was never started.
	err := g.MarkCompleted("A", "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, g.MarkInProgress("A", "agent-1"))

	// Cannot start it twice.
	err = g.MarkInProgress("A", "agent-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, g.MarkCompleted("A", "done"))

	// Terminal states never move.
	err = g.MarkFailed("A", "boom")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	node, ok := g.Node("A")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, node.Status)
	assert.Equal(t, "done", node.Result)
	assert.Equal(t, "agent-1", node.Assignee)
}

func TestMark_NotFound(t *testing.T) {
	g := New()

	err := g.MarkInProgress("missing", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestRequeue(t *testing.T) {
	g := buildGraph(t)
	g.Refresh()
	require.NoError(t, g.MarkInProgress("A", "agent-1"))
	require.NoError(t, g.MarkFailed("A", "crashed"))

	require.NoError(t, g.Requeue("A", "A-retry"))

	_, ok := g.Node("A")
	assert.False(t, ok)

	retry, ok := g.Node("A-retry")
	require.True(t, ok)
	assert.Equal(t, StatusPending, retry.Status)
	assert.Equal(t, "build", retry.Description)

	// B's dependency follows the retry node.
	b, ok := g.Node("B")
	require.True(t, ok)
	assert.Equal(t, []string{"A-retry"}, b.DependsOn)
}

func TestRequeue_OnlyFailedNodes(t *testing.T) {
	g := buildGraph(t)
	g.Refresh()

	err := g.Requeue("A", "A2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCompletionAccounting(t *testing.T) {
	g := buildGraph(t)
	assert.False(t, g.AllCompleted())
	assert.False(t, g.AnyFailed())

	g.Refresh()
	require.NoError(t, g.MarkInProgress("A", "agent-1"))
	require.NoError(t, g.MarkCompleted("A", ""))
	g.Refresh()
	require.NoError(t, g.MarkInProgress("B", "agent-2"))
	require.NoError(t, g.MarkFailed("B", "tests failed"))

	assert.False(t, g.AllCompleted())
	assert.True(t, g.AnyFailed())
	assert.Len(t, g.NodesWithStatus(StatusFailed), 1)

	assert.Equal(t, 2, g.Len())
	assert.False(t, New().AllCompleted())
}

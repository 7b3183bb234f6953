// Package taskgraph maintains the dependency graph of subtasks produced by
// task decomposition. It tracks per-node status through the scheduling
// lifecycle and guards the invariants the orchestrator relies on: a node
// becomes ready only once every dependency has completed, and status moves
// forward only.
package taskgraph

import (
	"fmt"
	"sort"
	"sync"
)

// Status is a task node's scheduling state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Node is one subtask in the graph. Result and Err are only meaningful in
// the completed and failed states respectively.
type Node struct {
	ID          string
	Description string
	Role        string
	DependsOn   []string
	Status      Status
	Assignee    string
	Result      string
	Err         string
}

// Graph is a dependency graph of task nodes. It is safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // insertion order for deterministic iteration
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
	}
}

// Add inserts a pending node. Dependencies are copied to avoid external
// mutation. Returns ErrDuplicateNode if the id already exists.
func (g *Graph) Add(id, description, role string, dependsOn []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}

	deps := make([]string, len(dependsOn))
	copy(deps, dependsOn)

	g.nodes[id] = &Node{
		ID:          id,
		Description: description,
		Role:        role,
		DependsOn:   deps,
		Status:      StatusPending,
	}
	g.order = append(g.order, id)
	return nil
}

// Validate checks the graph for unknown dependencies and cycles. A cyclic
// dependency set can never become ready, so the orchestrator calls this
// before scheduling rather than letting such nodes hang as pending.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, node := range g.nodes {
		for _, dep := range node.DependsOn {
			if _, exists := g.nodes[dep]; !exists {
				return fmt.Errorf("%w: node %q depends on unknown node %q",
					ErrNodeDependency, id, dep)
			}
		}
	}

	// DFS with coloring: 0=white (unvisited), 1=gray (visiting), 2=black (done).
	colors := make(map[string]int)
	var stack []string

	var dfs func(id string) error
	dfs = func(id string) error {
		if colors[id] == 1 {
			cycleStart := 0
			for i, n := range stack {
				if n == id {
					cycleStart = i
					break
				}
			}
			return &CycleError{Path: append(stack[cycleStart:], id)}
		}
		if colors[id] == 2 {
			return nil
		}

		colors[id] = 1
		stack = append(stack, id)

		for _, dep := range g.nodes[id].DependsOn {
			if err := dfs(dep); err != nil {
				return err
			}
		}

		colors[id] = 2
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}

	return nil
}

// Refresh flips every pending node whose dependencies are all completed to
// ready and returns the newly ready ids in sorted order.
func (g *Graph) Refresh() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var flipped []string
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Status != StatusPending {
			continue
		}

		satisfied := true
		for _, dep := range node.DependsOn {
			if depNode, ok := g.nodes[dep]; !ok || depNode.Status != StatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			node.Status = StatusReady
			flipped = append(flipped, id)
		}
	}

	sort.Strings(flipped)
	return flipped
}

// Ready returns the ids of all ready nodes in sorted order.
func (g *Graph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if g.nodes[id].Status == StatusReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkInProgress transitions a ready node to in_progress and records its
// assignee.
func (g *Graph) MarkInProgress(id, assignee string) error {
	return g.transition(id, StatusReady, StatusInProgress, func(n *Node) {
		n.Assignee = assignee
	})
}

// MarkCompleted transitions an in_progress node to completed and records
// its result.
func (g *Graph) MarkCompleted(id, result string) error {
	return g.transition(id, StatusInProgress, StatusCompleted, func(n *Node) {
		n.Result = result
	})
}

// MarkFailed transitions an in_progress node to failed and records the
// failure message.
func (g *Graph) MarkFailed(id, errMsg string) error {
	return g.transition(id, StatusInProgress, StatusFailed, func(n *Node) {
		n.Err = errMsg
	})
}

func (g *Graph) transition(id string, from, to Status, apply func(*Node)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if node.Status != from {
		return fmt.Errorf("%w: node %s is %s, cannot move to %s",
			ErrInvalidTransition, id, node.Status, to)
	}

	node.Status = to
	apply(node)
	return nil
}

// Requeue retries a failed node as a distinct node with a fresh id. The
// failed node is replaced: the new node inherits its description, role, and
// dependencies, starts pending, and every dependent is rewired to the new
// id. Returns ErrInvalidTransition if the node is not failed.
func (g *Graph) Requeue(oldID, newID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	old, exists := g.nodes[oldID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, oldID)
	}
	if old.Status != StatusFailed {
		return fmt.Errorf("%w: node %s is %s, only failed nodes can be requeued",
			ErrInvalidTransition, oldID, old.Status)
	}
	if _, exists := g.nodes[newID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, newID)
	}

	deps := make([]string, len(old.DependsOn))
	copy(deps, old.DependsOn)

	g.nodes[newID] = &Node{
		ID:          newID,
		Description: old.Description,
		Role:        old.Role,
		DependsOn:   deps,
		Status:      StatusPending,
	}

	delete(g.nodes, oldID)
	for i, id := range g.order {
		if id == oldID {
			g.order[i] = newID
			break
		}
	}
	for _, node := range g.nodes {
		for i, dep := range node.DependsOn {
			if dep == oldID {
				node.DependsOn[i] = newID
			}
		}
	}

	return nil
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[id]
	if !exists {
		return Node{}, false
	}
	return copyNode(node), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, copyNode(g.nodes[id]))
	}
	return nodes
}

// NodesWithStatus returns copies of all nodes in the given status, in
// insertion order.
func (g *Graph) NodesWithStatus(status Status) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var nodes []Node
	for _, id := range g.order {
		if g.nodes[id].Status == status {
			nodes = append(nodes, copyNode(g.nodes[id]))
		}
	}
	return nodes
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// AllCompleted reports whether every node has completed. An empty graph is
// not considered complete.
func (g *Graph) AllCompleted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 {
		return false
	}
	for _, node := range g.nodes {
		if node.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any node has failed.
func (g *Graph) AnyFailed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, node := range g.nodes {
		if node.Status == StatusFailed {
			return true
		}
	}
	return false
}

func copyNode(n *Node) Node {
	out := *n
	out.DependsOn = make([]string, len(n.DependsOn))
	copy(out.DependsOn, n.DependsOn)
	return out
}

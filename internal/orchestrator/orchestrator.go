// Package orchestrator runs the top-level task state machine: decompose a
// user task into a dependency graph, schedule rounds of ready nodes onto
// pooled agents through the hub, and aggregate node outcomes into a
// terminal phase.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/hub"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/pool"
	"github.com/taskmesh/taskmesh/internal/taskgraph"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// Phase is the orchestration state machine's position. Transitions are
// one-directional except executing and reviewing, which alternate across
// rounds until a terminal phase.
type Phase string

const (
	PhaseUnderstanding Phase = "understanding"
	PhasePlanning      Phase = "planning"
	PhaseExecuting     Phase = "executing"
	PhaseReviewing     Phase = "reviewing"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// SenderEndpoint identifies the orchestrator on messages it dispatches.
const SenderEndpoint = "process.orchestrator"

// Subtask is one decomposition product.
type Subtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Role        string   `json:"role"`
	DependsOn   []string `json:"depends_on"`
}

// Decomposer is the external planning capability: it splits a user task
// into subtasks with dependencies. The orchestrator validates the result;
// it does not produce it.
type Decomposer interface {
	Decompose(ctx context.Context, task string) ([]Subtask, error)
}

// Provisioner readies a hub endpoint for an allocated agent instance and
// returns its endpoint id. Called once per allocation; implementations must
// be idempotent per instance.
type Provisioner interface {
	Provision(inst pool.Instance) (string, error)
}

// Config bounds an orchestration run.
type Config struct {
	// MaxRounds caps scheduling rounds. Once exhausted with failed or
	// unfinished nodes, the run fails.
	MaxRounds int

	// CriticalNodes fail the whole run as soon as one of them fails.
	CriticalNodes []string

	// DefaultRole is used for subtasks that do not name a role.
	DefaultRole pool.Role
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxRounds:   10,
		DefaultRole: pool.RoleExecutor,
	}
}

// FailedTask pairs a failed node with its last reported reason.
type FailedTask struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// Outcome summarizes a finished run.
type Outcome struct {
	Phase     Phase
	Rounds    int
	Completed []string
	Failed    []FailedTask
}

// State is the orchestrator's serializable view for snapshots.
type State struct {
	Phase     Phase            `json:"phase"`
	UserTask  string           `json:"user_task"`
	Round     int              `json:"round"`
	Completed []string         `json:"completed_tasks"`
	Failed    []FailedTask     `json:"failed_tasks"`
	Nodes     []taskgraph.Node `json:"nodes"`
}

// Orchestrator owns the orchestration state exclusively. One Run at a time.
type Orchestrator struct {
	hub         *hub.Hub
	pool        *pool.Pool
	decomposer  Decomposer
	provisioner Provisioner
	config      Config

	mu        sync.Mutex
	phase     Phase
	userTask  string
	round     int
	graph     *taskgraph.Graph
	completed []string
	failed    []FailedTask
	running   bool
	cancelled bool
}

// New creates an orchestrator over the given services.
func New(h *hub.Hub, p *pool.Pool, d Decomposer, prov Provisioner, config Config) *Orchestrator {
	if config.MaxRounds <= 0 {
		config.MaxRounds = DefaultConfig().MaxRounds
	}
	if config.DefaultRole == "" {
		config.DefaultRole = pool.RoleExecutor
	}
	return &Orchestrator{
		hub:         h,
		pool:        p,
		decomposer:  d,
		provisioner: prov,
		config:      config,
		graph:       taskgraph.New(),
	}
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Cancel forces the run to fail at the next round boundary. Rounds already
// dispatched run to completion.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
}

// Requeue retries a failed node under a fresh id between rounds. Retry is
// always an explicit operator decision, never automatic.
func (o *Orchestrator) Requeue(oldID, newID string) error {
	return o.graph.Requeue(oldID, newID)
}

// ExportState serializes the orchestration state for snapshots.
func (o *Orchestrator) ExportState() json.RawMessage {
	o.mu.Lock()
	state := State{
		Phase:     o.phase,
		UserTask:  o.userTask,
		Round:     o.round,
		Completed: append([]string(nil), o.completed...),
		Failed:    append([]FailedTask(nil), o.failed...),
	}
	o.mu.Unlock()

	state.Nodes = o.graph.Nodes()
	data, _ := json.Marshal(state)
	return data
}

// Run drives a user task to a terminal phase. It returns the outcome in
// every case; the error carries the terminal failure cause when the phase
// is failed.
func (o *Orchestrator) Run(ctx context.Context, userTask string) (*Outcome, error) {
	if err := o.begin(userTask); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	// Understanding: hand the task to the decomposition capability.
	subtasks, err := o.decomposer.Decompose(ctx, userTask)
	if err != nil {
		return o.fail(fmt.Errorf("decompose: %w", err))
	}
	if len(subtasks) == 0 {
		return o.fail(ErrEmptyDecomposition)
	}

	// Planning: build the graph and reject it outright when cyclic. A
	// cyclic set could never become ready and would hang as pending.
	o.setPhase(PhasePlanning)
	for _, st := range subtasks {
		if err := o.graph.Add(st.ID, st.Description, st.Role, st.DependsOn); err != nil {
			return o.fail(fmt.Errorf("plan: %w", err))
		}
	}
	if err := o.graph.Validate(); err != nil {
		return o.fail(fmt.Errorf("plan: %w", err))
	}

	for {
		o.mu.Lock()
		o.round++
		round := o.round
		cancelled := o.cancelled
		o.mu.Unlock()

		if cancelled {
			return o.fail(ErrCancelled)
		}
		if err := ctx.Err(); err != nil {
			return o.fail(err)
		}
		if round > o.config.MaxRounds {
			return o.fail(&RoundsExhaustedError{Rounds: o.config.MaxRounds})
		}

		observability.RecordOrchestrationRound()
		o.graph.Refresh()
		ready := o.graph.Ready()

		o.setPhase(PhaseExecuting)
		o.dispatchRound(ctx, round, ready)
		o.setPhase(PhaseReviewing)

		if o.graph.AllCompleted() {
			o.setPhase(PhaseCompleted)
			return o.outcome(), nil
		}
		if id, bad := o.criticalFailed(); bad {
			return o.fail(&CriticalNodeError{NodeID: id})
		}
		if len(ready) == 0 && o.graph.AnyFailed() {
			// Failed dependencies block everything that is left; more
			// rounds cannot help without an explicit requeue.
			return o.fail(ErrBlocked)
		}
	}
}

// dispatchRound assigns every ready node to an agent and delivers the
// assignments concurrently, each as a blocking targeted send. Pool
// exhaustion leaves a node ready for the next round.
func (o *Orchestrator) dispatchRound(ctx context.Context, round int, ready []string) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.round", trace.WithAttributes(
		observability.Attribute("round", round),
		observability.Attribute("ready", len(ready)),
	))
	defer span.End()

	sort.Strings(ready)

	var g errgroup.Group
	for _, id := range ready {
		node, ok := o.graph.Node(id)
		if !ok {
			continue
		}

		inst, err := o.pool.Allocate(o.roleFor(node))
		if err != nil {
			log.Printf("round %d: node %s waits: %v", round, id, err)
			continue
		}

		endpoint, err := o.provisioner.Provision(inst)
		if err != nil {
			o.settleNode(node.ID, inst.ID, false, fmt.Sprintf("provision agent: %v", err))
			continue
		}

		if err := o.graph.MarkInProgress(node.ID, inst.ID); err != nil {
			_ = o.pool.Release(inst.ID)
			continue
		}
		_ = o.pool.Assign(inst.ID, node.ID)

		nodeCopy := node
		instID := inst.ID
		g.Go(func() error {
			o.runNode(ctx, nodeCopy, instID, endpoint)
			return nil
		})
	}
	_ = g.Wait()
}

// runNode delivers one assignment and records the node's outcome. Failures
// settle the node; they never abort the round's sibling nodes.
func (o *Orchestrator) runNode(ctx context.Context, node taskgraph.Node, instID, endpoint string) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.dispatch", trace.WithAttributes(
		observability.Attribute("node", node.ID),
		observability.Attribute("endpoint", endpoint),
	))
	defer span.End()

	msg := hub.NewMessage(worker.TypeAssignment, worker.Assignment{
		NodeID:      node.ID,
		Description: node.Description,
		Role:        node.Role,
	}).From(SenderEndpoint).To(endpoint).WithTarget(endpoint)

	d, err := o.hub.Send(ctx, msg, hub.SendOptions{Blocking: true})
	if err != nil {
		o.settleNode(node.ID, instID, false, fmt.Sprintf("dispatch: %v", err))
		return
	}
	if err := d.Err(); err != nil {
		o.settleNode(node.ID, instID, false, err.Error())
		return
	}

	results := d.Results()
	if len(results) == 0 || results[0].Response == nil {
		o.settleNode(node.ID, instID, false, "agent returned no result")
		return
	}

	var res worker.Result
	if err := results[0].Response.UnmarshalPayload(&res); err != nil {
		o.settleNode(node.ID, instID, false, fmt.Sprintf("decode result: %v", err))
		return
	}
	o.settleNode(node.ID, instID, res.Success, res.Observation)
}

func (o *Orchestrator) settleNode(nodeID, instID string, success bool, detail string) {
	if success {
		if err := o.graph.MarkCompleted(nodeID, detail); err != nil {
			log.Printf("node %s: %v", nodeID, err)
			return
		}
		observability.RecordTaskNode(string(taskgraph.StatusCompleted))
		o.mu.Lock()
		o.completed = append(o.completed, nodeID)
		o.mu.Unlock()
	} else {
		if err := o.graph.MarkFailed(nodeID, detail); err != nil {
			log.Printf("node %s: %v", nodeID, err)
			return
		}
		observability.RecordTaskNode(string(taskgraph.StatusFailed))
		o.mu.Lock()
		o.failed = append(o.failed, FailedTask{NodeID: nodeID, Reason: detail})
		o.mu.Unlock()
	}

	_ = o.pool.Complete(instID, success)
	_ = o.pool.Release(instID)
}

func (o *Orchestrator) roleFor(node taskgraph.Node) pool.Role {
	if node.Role != "" && pool.ValidRole(pool.Role(node.Role)) {
		return pool.Role(node.Role)
	}
	return o.config.DefaultRole
}

func (o *Orchestrator) criticalFailed() (string, bool) {
	for _, id := range o.config.CriticalNodes {
		if node, ok := o.graph.Node(id); ok && node.Status == taskgraph.StatusFailed {
			return id, true
		}
	}
	return "", false
}

func (o *Orchestrator) begin(userTask string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}
	o.running = true
	o.userTask = userTask
	o.phase = PhaseUnderstanding
	o.round = 0
	o.graph = taskgraph.New()
	o.completed = nil
	o.failed = nil
	o.cancelled = false
	return nil
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) fail(cause error) (*Outcome, error) {
	o.mu.Lock()
	o.phase = PhaseFailed
	o.running = false
	o.mu.Unlock()
	return o.outcome(), cause
}

func (o *Orchestrator) outcome() *Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.running = false
	return &Outcome{
		Phase:     o.phase,
		Rounds:    o.round,
		Completed: append([]string(nil), o.completed...),
		Failed:    append([]FailedTask(nil), o.failed...),
	}
}

// Package worker exposes pooled agents as hub process endpoints. Each
// worker owns one pool instance: its endpoint receives task assignments,
// drives a react loop against the instance's model provider, and replies
// with the task result. Heartbeats flow to the pool while the loop runs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/hub"
	"github.com/taskmesh/taskmesh/internal/pool"
	"github.com/taskmesh/taskmesh/internal/provider"
	"github.com/taskmesh/taskmesh/internal/react"
)

const (
	// TypeAssignment is the message type carrying an Assignment payload.
	TypeAssignment = "task_assignment"

	// TypeResult is the message type carrying a Result payload.
	TypeResult = "task_result"

	// DefaultHeartbeatInterval paces pool heartbeats during a run.
	DefaultHeartbeatInterval = 5 * time.Second
)

// Assignment is the payload of a task_assignment message.
type Assignment struct {
	NodeID      string `json:"node_id"`
	Description string `json:"description"`
	Role        string `json:"role"`
}

// Result is the payload of a task_result message.
type Result struct {
	NodeID      string `json:"node_id"`
	Success     bool   `json:"success"`
	Observation string `json:"observation"`
	Iterations  int    `json:"iterations"`
	Reason      string `json:"reason"`
}

// Config tunes one worker.
type Config struct {
	// Loop bounds the react loop per assignment.
	Loop react.Config

	// Capabilities tags the endpoint for broadcast routing. Defaults to
	// the assignment type only.
	Capabilities []string

	// HeartbeatInterval paces pool heartbeats during a run.
	HeartbeatInterval time.Duration
}

// Worker runs task assignments for one pool instance.
type Worker struct {
	instanceID string
	pool       *pool.Pool
	provider   provider.Provider
	actions    *react.ActionRegistry
	config     Config
}

// New creates a worker bound to a pool instance.
func New(instanceID string, p *pool.Pool, prov provider.Provider, actions *react.ActionRegistry, config Config) *Worker {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if len(config.Capabilities) == 0 {
		config.Capabilities = []string{TypeAssignment}
	}
	return &Worker{
		instanceID: instanceID,
		pool:       p,
		provider:   prov,
		actions:    actions,
		config:     config,
	}
}

// EndpointID returns the hub address the orchestrator targets.
func (w *Worker) EndpointID() string {
	return fmt.Sprintf("%s.%s", hub.KindProcess, w.instanceID)
}

// Bundle returns the hub bundle registering this worker's endpoint.
func (w *Worker) Bundle() hub.Bundle {
	return hub.Bundle{
		Name:    "worker-" + w.instanceID,
		Version: "1.0",
		Endpoints: []hub.EndpointDef{
			{
				Kind:         hub.KindProcess,
				ID:           w.instanceID,
				Name:         "worker " + w.instanceID,
				Capabilities: w.config.Capabilities,
				Handler:      w.handle,
			},
		},
	}
}

// handle runs one assignment to completion. Loop failures come back as
// unsuccessful results, not handler errors; a handler error means the
// message itself was unusable.
func (w *Worker) handle(ctx context.Context, msg *hub.Message) (*hub.Message, error) {
	var assignment Assignment
	if err := msg.UnmarshalPayload(&assignment); err != nil {
		return nil, fmt.Errorf("decode assignment: %w", err)
	}

	stopBeat := w.startHeartbeat()
	defer stopBeat()

	loop := react.New(
		react.ThinkerFunc(w.provider.Think),
		w.actions,
		w.config.Loop,
	)
	res, err := loop.Run(ctx, assignment.Description)

	result := Result{
		NodeID:      assignment.NodeID,
		Success:     res.Success,
		Observation: res.FinalObservation,
		Iterations:  res.Iterations,
		Reason:      res.Reason,
	}
	if err != nil && result.Observation == "" {
		result.Observation = err.Error()
	}

	reply := hub.NewMessage(TypeResult, result).
		From(w.EndpointID()).
		To(msg.Sender)
	return reply, nil
}

func (w *Worker) startHeartbeat() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = w.pool.Heartbeat(w.instanceID)
			}
		}
	}()
	return func() { close(done) }
}

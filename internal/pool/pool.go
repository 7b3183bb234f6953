// Package pool tracks agent-instance lifecycle and capacity. The pool is an
// explicitly constructed service: components that need agents receive a
// *Pool, and the owner closes it at shutdown.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/observability"
)

const (
	// DefaultRoleCapacity bounds concurrent instances per role unless
	// overridden with WithRoleCapacity.
	DefaultRoleCapacity = 4

	// DefaultHeartbeatThreshold is the heartbeat age beyond which a
	// running instance is marked error by the sweeper.
	DefaultHeartbeatThreshold = 30 * time.Second

	// DefaultSweepInterval is how often the sweeper checks heartbeats.
	DefaultSweepInterval = 10 * time.Second
)

// Pool manages agent instances. All methods are safe for concurrent use;
// status transitions happen under the pool lock so an idle instance is never
// handed to two overlapping Allocate calls.
type Pool struct {
	mu        sync.Mutex
	instances map[string]*Instance

	defaultCapacity    int
	roleCapacity       map[Role]int
	heartbeatThreshold time.Duration
	sweepInterval      time.Duration

	done    chan struct{}
	closeMu sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithDefaultCapacity sets the per-role instance cap used when no explicit
// role capacity is configured.
func WithDefaultCapacity(n int) Option {
	return func(p *Pool) { p.defaultCapacity = n }
}

// WithRoleCapacity sets the instance cap for one role.
func WithRoleCapacity(role Role, n int) Option {
	return func(p *Pool) { p.roleCapacity[role] = n }
}

// WithHeartbeatThreshold sets the heartbeat age that degrades a running
// instance to error.
func WithHeartbeatThreshold(d time.Duration) Option {
	return func(p *Pool) { p.heartbeatThreshold = d }
}

// WithSweepInterval sets how often the heartbeat sweeper runs. A
// non-positive interval disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) { p.sweepInterval = d }
}

// New creates a pool and starts its heartbeat sweeper.
func New(opts ...Option) *Pool {
	p := &Pool{
		instances:          make(map[string]*Instance),
		defaultCapacity:    DefaultRoleCapacity,
		roleCapacity:       make(map[Role]int),
		heartbeatThreshold: DefaultHeartbeatThreshold,
		sweepInterval:      DefaultSweepInterval,
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.sweepInterval > 0 {
		go p.sweep()
	}
	return p
}

// Close stops the heartbeat sweeper. Instances remain queryable.
func (p *Pool) Close() {
	p.closeMu.Do(func() { close(p.done) })
}

func (p *Pool) capacityFor(role Role) int {
	if n, ok := p.roleCapacity[role]; ok {
		return n
	}
	return p.defaultCapacity
}

// Spawn creates an idle instance of the given role. It fails with
// ErrCapacityExceeded when the role is at its configured cap.
func (p *Pool) Spawn(role Role, providerID string) (Instance, error) {
	if !ValidRole(role) {
		return Instance{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	inst, err := p.spawnLocked(role, providerID)
	if err != nil {
		return Instance{}, err
	}
	p.updateGaugesLocked(role)
	return *inst, nil
}

func (p *Pool) spawnLocked(role Role, providerID string) (*Instance, error) {
	count := 0
	for _, inst := range p.instances {
		if inst.Role == role {
			count++
		}
	}
	if count >= p.capacityFor(role) {
		return nil, fmt.Errorf("%w: role %s at capacity %d", ErrCapacityExceeded, role, p.capacityFor(role))
	}

	now := time.Now()
	inst := &Instance{
		ID:            uuid.New().String(),
		Role:          role,
		ProviderID:    providerID,
		Status:        StatusIdle,
		LastHeartbeat: now,
		idleSince:     now,
	}
	p.instances[inst.ID] = inst
	return inst, nil
}

// Allocate hands out an idle instance of the requested role, oldest idle
// first so stale instances age out fairly. When none is idle it spawns a new
// instance if the role is under capacity, and otherwise fails with
// ErrNoAvailableAgent. The returned instance is already marked running.
func (p *Pool) Allocate(role Role) (Instance, error) {
	if !ValidRole(role) {
		return Instance{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var oldest *Instance
	for _, inst := range p.instances {
		if inst.Role != role || inst.Status != StatusIdle {
			continue
		}
		if oldest == nil ||
			inst.idleSince.Before(oldest.idleSince) ||
			(inst.idleSince.Equal(oldest.idleSince) && inst.ID < oldest.ID) {
			oldest = inst
		}
	}

	if oldest == nil {
		spawned, err := p.spawnLocked(role, "")
		if err != nil {
			observability.RecordPoolAllocation(string(role), "exhausted")
			return Instance{}, fmt.Errorf("%w: role %s", ErrNoAvailableAgent, role)
		}
		oldest = spawned
	}

	oldest.Status = StatusRunning
	oldest.LastHeartbeat = time.Now()
	p.updateGaugesLocked(role)
	observability.RecordPoolAllocation(string(role), "ok")
	return *oldest, nil
}

// Assign records the task an allocated instance is working on.
func (p *Pool) Assign(instanceID, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if inst.Status != StatusRunning {
		return fmt.Errorf("%w: instance %s is %s, expected running", ErrInvalidStatus, instanceID, inst.Status)
	}
	inst.CurrentTaskID = taskID
	return nil
}

// Complete moves a running instance to its terminal status for the current
// task: success when ok is true, error otherwise. The instance stays in the
// pool until Release or Kill.
func (p *Pool) Complete(instanceID string, ok bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, exists := p.instances[instanceID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if inst.Status != StatusRunning {
		return fmt.Errorf("%w: instance %s is %s, expected running", ErrInvalidStatus, instanceID, inst.Status)
	}

	if ok {
		inst.Status = StatusSuccess
	} else {
		inst.Status = StatusError
	}
	p.updateGaugesLocked(inst.Role)
	return nil
}

// Release returns an instance to idle regardless of its prior terminal
// status, clearing its task assignment but keeping its identity and role.
func (p *Pool) Release(instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	inst.Status = StatusIdle
	inst.CurrentTaskID = ""
	inst.idleSince = time.Now()
	p.updateGaugesLocked(inst.Role)
	return nil
}

// Heartbeat refreshes an instance's liveness timestamp.
func (p *Pool) Heartbeat(instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	inst.LastHeartbeat = time.Now()
	return nil
}

// Kill removes an instance permanently. Re-routing any in-flight task
// assigned to it is the caller's responsibility.
func (p *Pool) Kill(instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	delete(p.instances, instanceID)
	p.updateGaugesLocked(inst.Role)
	return nil
}

// Instance returns a copy of the instance with the given id.
func (p *Pool) Instance(instanceID string) (Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Instances returns copies of all instances, in no particular order.
func (p *Pool) Instances() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, *inst)
	}
	return out
}

// CountByStatus returns the number of instances of a role in a status.
func (p *Pool) CountByStatus(role Role, status Status) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(role, status)
}

func (p *Pool) countLocked(role Role, status Status) int {
	n := 0
	for _, inst := range p.instances {
		if inst.Role == role && inst.Status == status {
			n++
		}
	}
	return n
}

// sweep periodically degrades running instances whose heartbeat is stale to
// error. Instances are never removed by the sweeper.
func (p *Pool) sweep() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweepOnce(time.Now())
		}
	}
}

func (p *Pool) sweepOnce(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	touched := make(map[Role]struct{})
	for _, inst := range p.instances {
		if inst.Status == StatusRunning && now.Sub(inst.LastHeartbeat) > p.heartbeatThreshold {
			inst.Status = StatusError
			touched[inst.Role] = struct{}{}
		}
	}
	for role := range touched {
		p.updateGaugesLocked(role)
	}
}

func (p *Pool) updateGaugesLocked(role Role) {
	for _, status := range []Status{StatusIdle, StatusRunning, StatusSuccess, StatusError} {
		observability.SetPoolInstances(string(role), string(status), p.countLocked(role, status))
	}
}

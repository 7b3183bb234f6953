package pool

import "time"

// Role identifies what kind of work an agent instance performs. The set is
// closed: scheduling and capacity accounting key off it.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleExecutor     Role = "executor"
	RoleReviewer     Role = "reviewer"
	RoleSearcher     Role = "searcher"
	RoleSummary      Role = "summary"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleOrchestrator, RoleExecutor, RoleReviewer, RoleSearcher, RoleSummary:
		return true
	}
	return false
}

// Status is an agent instance's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Instance is one pooled agent. Instances are created by Spawn, recycled by
// Release, and removed only by an explicit Kill.
type Instance struct {
	ID            string
	Role          Role
	ProviderID    string
	Status        Status
	LastHeartbeat time.Time
	CurrentTaskID string

	// idleSince orders idle instances for oldest-first allocation.
	idleSince time.Time
}

// Package snapshot persists engine state for crash recovery. A snapshot is
// the hub's {entries, routes} record plus the orchestrator's serialized
// state; stores guarantee that loading either returns a complete snapshot,
// reports that none exists, or fails loudly on corruption — never a silent
// partial result.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskmesh/taskmesh/internal/hub"
)

var (
	// ErrCorruptSnapshot is returned when stored data cannot be decoded.
	// Corruption is a fatal load error, not an empty result.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("snapshot store is closed")
)

// Snapshot is the persisted engine state.
type Snapshot struct {
	SavedAt time.Time `json:"saved_at"`

	// Hub carries the message history and routing table.
	Hub hub.State `json:"hub"`

	// Orchestration is the orchestrator's serialized state, kept opaque
	// here so the store does not depend on its shape.
	Orchestration json.RawMessage `json:"orchestration,omitempty"`
}

// Store persists and recovers snapshots.
type Store interface {
	// Save writes the snapshot, replacing any prior one.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the stored snapshot, or (nil, nil) when none exists.
	Load(ctx context.Context) (*Snapshot, error)

	// Close releases store resources.
	Close() error
}

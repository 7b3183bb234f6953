package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a snapshot name contains a path
// separator or traversal sequence.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore persists the snapshot as a JSON file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// NewFileStore creates a store writing <baseDir>/<name>.json. An empty
// baseDir defaults to ~/.taskmesh/snapshots.
func NewFileStore(baseDir, name string) (*FileStore, error) {
	if err := validatePathComponent(name); err != nil {
		return nil, fmt.Errorf("invalid snapshot name: %w", err)
	}

	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".taskmesh", "snapshots")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	return &FileStore{
		path: filepath.Join(baseDir, name+".json"),
	}, nil
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load implements Store.
func (f *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(f.path) // #nosec G304 - name validated against traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RunRecord is the persisted trace of one provisioning run, kept so a later
// process can list or destroy the instance.
type RunRecord struct {
	ID         string            `json:"id"`
	Provider   CloudProvider     `json:"provider"`
	Agent      string            `json:"agent"`
	InstanceID string            `json:"instance_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Address    string            `json:"address,omitempty"`
	State      string            `json:"state"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Instance rebuilds the instance the record points at.
func (r RunRecord) Instance() *Instance {
	return &Instance{
		ID:       r.InstanceID,
		Name:     r.Name,
		Provider: r.Provider,
		Address:  r.Address,
		Meta:     r.Meta,
	}
}

// ListFilter narrows List results.
type ListFilter struct {
	Provider CloudProvider
	Agent    string
	Limit    int
}

func (f ListFilter) match(r RunRecord) bool {
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Agent != "" && r.Agent != f.Agent {
		return false
	}
	return true
}

// StateStore persists run records.
type StateStore interface {
	// Save inserts or replaces a record.
	Save(ctx context.Context, rec RunRecord) error

	// Get returns a record by run ID.
	Get(ctx context.Context, id string) (*RunRecord, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]RunRecord, error)

	// Delete removes a record. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error
}

// StateStoreVersion is the current schema version for state storage.
const StateStoreVersion = 1

// StateData is the serializable state format.
type StateData struct {
	Version   int                  `json:"version"`
	Runs      map[string]RunRecord `json:"runs"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func newStateData() StateData {
	return StateData{
		Version:   StateStoreVersion,
		Runs:      make(map[string]RunRecord),
		UpdatedAt: time.Now(),
	}
}

func (d *StateData) get(id string) (*RunRecord, error) {
	rec, ok := d.Runs[id]
	if !ok {
		return nil, ErrNotFound("run", id)
	}
	return &rec, nil
}

func (d *StateData) list(filter ListFilter) []RunRecord {
	var out []RunRecord
	for _, rec := range d.Runs {
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// MemoryStateStore is an in-memory StateStore for tests and one-shot runs.
type MemoryStateStore struct {
	mu    sync.RWMutex
	state StateData
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{state: newStateData()}
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(ctx context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Runs[rec.ID] = rec
	s.state.UpdatedAt = time.Now()
	return nil
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.get(id)
}

// List implements StateStore.
func (s *MemoryStateStore) List(ctx context.Context, filter ListFilter) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.list(filter), nil
}

// Delete implements StateStore.
func (s *MemoryStateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Runs, id)
	return nil
}

// FileStateStore is a JSON-file StateStore.
type FileStateStore struct {
	mu       sync.RWMutex
	filePath string
	state    StateData
}

// NewFileStateStore creates a file-based state store, loading the existing
// file if there is one.
func NewFileStateStore(filePath string) (*FileStateStore, error) {
	s := &FileStateStore{
		filePath: filePath,
		state:    newStateData(),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return s, nil
}

func (s *FileStateStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var state StateData
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("invalid state file format: %w", err)
	}
	if state.Version > StateStoreVersion {
		return fmt.Errorf("state file version %d is newer than supported version %d", state.Version, StateStoreVersion)
	}
	state.Version = StateStoreVersion
	if state.Runs == nil {
		state.Runs = make(map[string]RunRecord)
	}
	s.state = state
	return nil
}

func (s *FileStateStore) save() error {
	s.state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return writeFileAtomic(s.filePath, data)
}

// Save implements StateStore.
func (s *FileStateStore) Save(ctx context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Runs[rec.ID] = rec
	return s.save()
}

// Get implements StateStore.
func (s *FileStateStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.get(id)
}

// List implements StateStore.
func (s *FileStateStore) List(ctx context.Context, filter ListFilter) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.list(filter), nil
}

// Delete implements StateStore.
func (s *FileStateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Runs[id]; !ok {
		return nil
	}
	delete(s.state.Runs, id)
	return s.save()
}

// writeFileAtomic writes data through a temp file and rename. The parent
// directory is created 0700 and the file is 0600.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(tmp, 0600); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// DefaultHome returns ~/.config/spawn.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "spawn")
}

// DefaultStateStorePath returns the default path for the state store file.
func DefaultStateStorePath() string {
	return filepath.Join(DefaultHome(), "state.json")
}

package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	nderrors "github.com/davidroman0O/netdoc/errors"
)

// Store persists execution snapshots
type Store interface {
	// Save inserts or replaces an execution
	Save(e *Execution) error
	// Get returns a copy of an execution or an ErrNotFound error
	Get(id string) (*Execution, error)
	// List returns up to limit executions of a device, newest first;
	// limit <= 0 means no limit
	List(deviceID string, limit int) ([]*Execution, error)
}

// MemoryStore keeps executions in memory, retaining at most retain
// finished executions per device
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]*Execution
	retain int
}

// NewMemoryStore creates a store; retain <= 0 keeps everything
func NewMemoryStore(retain int) *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]*Execution),
		retain: retain,
	}
}

func (s *MemoryStore) Save(e *Execution) error {
	if e == nil || e.ID == "" {
		return nderrors.New(nderrors.ErrInvalidInput, "cannot save an execution without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[e.ID] = e.Clone()
	s.pruneLocked(e.DeviceID)
	return nil
}

func (s *MemoryStore) Get(id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	if !ok {
		return nil, nderrors.WithContext(
			nderrors.Newf(nderrors.ErrNotFound, "execution %s not found", id),
			map[string]interface{}{"execution_id": id},
		)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) List(deviceID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.deviceLocked(deviceID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, e := range out {
		out[i] = e.Clone()
	}
	return out, nil
}

// deviceLocked returns the device's executions newest first
func (s *MemoryStore) deviceLocked(deviceID string) []*Execution {
	var out []*Execution
	for _, e := range s.items {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// pruneLocked drops the oldest finished executions beyond retain
func (s *MemoryStore) pruneLocked(deviceID string) {
	if s.retain <= 0 {
		return
	}
	kept := 0
	for _, e := range s.deviceLocked(deviceID) {
		if !e.Status.Terminal() {
			continue
		}
		kept++
		if kept > s.retain {
			delete(s.items, e.ID)
		}
	}
}

func (s *MemoryStore) all() []*Execution {
	out := make([]*Execution, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// FileStore is a MemoryStore mirrored to a JSON file after every save
type FileStore struct {
	*MemoryStore
	filePath string
	fileMu   sync.Mutex
}

type fileState struct {
	Executions []*Execution `json:"executions"`
}

// NewFileStore opens a store persisted at filePath, loading what a previous
// process left. Executions found unfinished are marked failed since no
// process runs them anymore.
func NewFileStore(filePath string, retain int) (*FileStore, error) {
	s := &FileStore{
		MemoryStore: NewMemoryStore(retain),
		filePath:    filePath,
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	if _, err := os.Stat(filePath); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("failed to load existing executions: %w", err)
		}
	}
	return s, nil
}

func (s *FileStore) Save(e *Execution) error {
	if err := s.MemoryStore.Save(e); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) persist() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(fileState{Executions: s.all()}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal executions: %w", err)
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write executions file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace executions file: %w", err)
	}
	return nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to read executions file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal executions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range state.Executions {
		if e == nil || e.ID == "" {
			continue
		}
		if !e.Status.Terminal() {
			e.Status = StatusFailed
			e.Error = "interrupted by restart"
			for i := range e.Results {
				if e.Results[i].Status == CommandPending {
					e.Results[i].Status = CommandNotRun
				}
			}
		}
		s.items[e.ID] = e
	}
	return nil
}

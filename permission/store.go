package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists permission records across process restarts. It is read at
// startup and appended on every allow_always/deny decision.
type Store interface {
	Load() (map[string]Decision, error)
	Put(scope string, decision Decision) error
}

// FileStore is a JSON-file-backed Store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileRecords struct {
	Records map[string]Decision `json:"records"`
}

// NewFileStore creates a FileStore at the given path. The file is created
// on first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted records. A missing file yields an empty table.
func (s *FileStore) Load() (map[string]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]Decision), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}

	var rec fileRecords
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	if rec.Records == nil {
		rec.Records = make(map[string]Decision)
	}
	return rec.Records, nil
}

// Put records a decision and rewrites the file.
func (s *FileStore) Put(scope string, decision Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]Decision)
	if data, err := os.ReadFile(s.path); err == nil {
		var rec fileRecords
		if json.Unmarshal(data, &rec) == nil && rec.Records != nil {
			records = rec.Records
		}
	}
	records[scope] = decision

	data, err := json.MarshalIndent(fileRecords{Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("save permissions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("save permissions: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Decision
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Decision)}
}

func (s *MemoryStore) Load() (map[string]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Decision, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Put(scope string, decision Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[scope] = decision
	return nil
}

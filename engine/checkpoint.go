package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionCheckpoint is the serialized engine state written on unrecoverable
// failure for later manual resumption. It round-trips losslessly.
type SessionCheckpoint struct {
	TaskID    string          `json:"task_id"`
	CreatedAt time.Time       `json:"created_at"`
	Reason    string          `json:"reason"`
	Context   json.RawMessage `json:"context"`
	Retry     *RetryState     `json:"retry,omitempty"`
}

// WriteCheckpoint persists a checkpoint under dir and returns the file path.
func WriteCheckpoint(dir string, cp SessionCheckpoint) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	name := fmt.Sprintf("checkpoint-%s-%d.json", cp.TaskID, cp.CreatedAt.UnixMilli())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return path, nil
}

// LoadCheckpoint reads a checkpoint written by WriteCheckpoint.
func LoadCheckpoint(path string) (*SessionCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp SessionCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

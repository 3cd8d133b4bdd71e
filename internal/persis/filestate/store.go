// Package filestate persists RunnerState records, one JSON file per
// pipeline, written atomically so concurrent readers never observe a
// partial write.
package filestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/drover-org/drover/internal/cmn/fileutil"
	"github.com/drover-org/drover/internal/core"
)

// ErrNotFound indicates no state file exists for the pipeline.
var ErrNotFound = errors.New("runner state not found")

// auditSuffix distinguishes chain files from state files in the shared dir.
const auditSuffix = "-audit.jsonl"

// Store reads and writes RunnerState files under one state directory.
type Store struct {
	dir string
}

// New creates a state store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestate: dir cannot be empty")
	}
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("filestate: %w", err)
	}
	return &Store{dir: dir}, nil
}

// StatePath returns the state file path for a pipeline.
func (s *Store) StatePath(pipelineID string) string {
	return filepath.Join(s.dir, pipelineID+".json")
}

// AuditPath returns the audit chain path for a pipeline.
func (s *Store) AuditPath(pipelineID string) string {
	return filepath.Join(s.dir, pipelineID+auditSuffix)
}

// Save persists the state atomically, refreshing updated_at. A failed save
// leaves the previous on-disk state untouched.
func (s *Store) Save(state *core.RunnerState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("filestate: failed to marshal state %s: %w", state.PipelineID, err)
	}
	if err := fileutil.WriteFileAtomic(s.StatePath(state.PipelineID), data); err != nil {
		return fmt.Errorf("filestate: %w", err)
	}
	return nil
}

// Load reads and parses the state for a pipeline.
func (s *Store) Load(pipelineID string) (*core.RunnerState, error) {
	data, err := os.ReadFile(s.StatePath(pipelineID)) //nolint:gosec // controlled path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("filestate: failed to read state %s: %w", pipelineID, err)
	}
	var state core.RunnerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("filestate: malformed state %s: %w", pipelineID, err)
	}
	if state.NodeStatuses == nil {
		state.NodeStatuses = map[string]core.NodeStatus{}
	}
	if state.RetryCounts == nil {
		state.RetryCounts = map[string]int{}
	}
	if state.ImplementerMap == nil {
		state.ImplementerMap = map[string]string{}
	}
	return &state, nil
}

// List returns every parseable state in the directory, newest first by
// updated_at. Malformed files are skipped.
func (s *Store) List() ([]*core.RunnerState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestate: failed to scan %s: %w", s.dir, err)
	}

	var states []*core.RunnerState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, auditSuffix) {
			continue
		}
		pipelineID := strings.TrimSuffix(name, ".json")
		state, err := s.Load(pipelineID)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}

// Package fileidentity implements the identity registry: one JSON file per
// (role, name) pair, written atomically. Each record is owned by its named
// agent; peers read records only to detect staleness.
package fileidentity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drover-org/drover/internal/cmn/fileutil"
	"github.com/drover-org/drover/internal/core"
)

// ErrNotFound indicates no record exists for the (role, name) pair.
var ErrNotFound = errors.New("identity not found")

// Store is the file-backed identity registry for one directory.
type Store struct {
	dir string
}

// New creates a registry rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("fileidentity: dir cannot be empty")
	}
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("fileidentity: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(role core.Role, name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", role, name))
}

// CreateOptions carries the optional fields of a new record.
type CreateOptions struct {
	Worktree      string
	PredecessorID string
	Metadata      map[string]any
}

// Create registers a new active agent and returns the record.
func (s *Store) Create(role core.Role, name, sessionID string, opts CreateOptions) (core.Identity, error) {
	now := time.Now().UTC()
	identity := core.Identity{
		Role:          role,
		Name:          name,
		SessionID:     sessionID,
		Worktree:      opts.Worktree,
		AgentID:       uuid.NewString(),
		Status:        core.AgentStatusActive,
		CreatedAt:     now,
		LastHeartbeat: now,
		PredecessorID: opts.PredecessorID,
		Metadata:      opts.Metadata,
	}
	if err := s.write(identity); err != nil {
		return core.Identity{}, err
	}
	return identity, nil
}

// Read returns the record for the (role, name) pair.
func (s *Store) Read(role core.Role, name string) (core.Identity, error) {
	data, err := os.ReadFile(s.path(role, name)) //nolint:gosec // controlled path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Identity{}, ErrNotFound
		}
		return core.Identity{}, fmt.Errorf("fileidentity: failed to read %s-%s: %w", role, name, err)
	}
	var identity core.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return core.Identity{}, fmt.Errorf("fileidentity: malformed record %s-%s: %w", role, name, err)
	}
	return identity, nil
}

// Heartbeat refreshes the record's last_heartbeat.
func (s *Store) Heartbeat(role core.Role, name string) error {
	identity, err := s.Read(role, name)
	if err != nil {
		return err
	}
	identity.LastHeartbeat = time.Now().UTC()
	return s.write(identity)
}

// MarkCrashed sets the terminal crashed status.
func (s *Store) MarkCrashed(role core.Role, name string) error {
	return s.markTerminal(role, name, core.AgentStatusCrashed)
}

// MarkTerminated sets the terminal terminated status.
func (s *Store) MarkTerminated(role core.Role, name string) error {
	return s.markTerminal(role, name, core.AgentStatusTerminated)
}

func (s *Store) markTerminal(role core.Role, name string, status core.AgentStatus) error {
	identity, err := s.Read(role, name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	identity.Status = status
	switch status {
	case core.AgentStatusCrashed:
		identity.CrashedAt = &now
	case core.AgentStatusTerminated:
		identity.TerminatedAt = &now
	}
	return s.write(identity)
}

// ListAll scans the directory and returns every parseable record, sorted by
// role then name. Malformed files are skipped.
func (s *Store) ListAll() ([]core.Identity, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fileidentity: failed to scan %s: %w", s.dir, err)
	}

	var identities []core.Identity
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name())) //nolint:gosec // controlled path
		if err != nil {
			continue
		}
		var identity core.Identity
		if err := json.Unmarshal(data, &identity); err != nil {
			continue
		}
		identities = append(identities, identity)
	}
	sort.Slice(identities, func(i, j int) bool {
		if identities[i].Role != identities[j].Role {
			return identities[i].Role < identities[j].Role
		}
		return identities[i].Name < identities[j].Name
	})
	return identities, nil
}

// FindStale returns every active record whose heartbeat is older than the
// timeout.
func (s *Store) FindStale(timeout time.Duration) ([]core.Identity, error) {
	identities, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-timeout)
	var stale []core.Identity
	for _, identity := range identities {
		if identity.Status == core.AgentStatusActive && identity.LastHeartbeat.Before(cutoff) {
			stale = append(stale, identity)
		}
	}
	return stale, nil
}

func (s *Store) write(identity core.Identity) error {
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("fileidentity: failed to marshal record %s-%s: %w", identity.Role, identity.Name, err)
	}
	if err := fileutil.WriteFileAtomic(s.path(identity.Role, identity.Name), data); err != nil {
		return fmt.Errorf("fileidentity: %w", err)
	}
	return nil
}

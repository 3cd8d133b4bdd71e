// Package fileaudit provides the chained audit writer: an append-only JSONL
// log of state transitions where every entry carries the hash of the
// previous one, making edits, deletions and reordering detectable.
//
// The hash scheme is tamper evidence, not authentication. Entries are hashed
// over canonical JSON (sorted keys, no whitespace) so re-serializing the
// same entry yields the same digest.
package fileaudit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/drover-org/drover/internal/cmn/fileutil"
	"github.com/drover-org/drover/internal/core"
)

// filePermissions matches the other stores; the chain is owned by exactly
// one runner.
const filePermissions = 0640

// Store appends to and verifies one pipeline's audit chain file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store for the given chain file.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("fileaudit: path cannot be empty")
	}
	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("fileaudit: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the chain file location.
func (s *Store) Path() string {
	return s.path
}

// Append links the entry to the current chain head, computes its hash, and
// writes it as one JSON line followed by an fsync.
func (s *Store) Append(entry core.AuditEntry) (core.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, _, err := s.lastEntry()
	if err != nil {
		return core.AuditEntry{}, err
	}
	if last != nil {
		entry.PrevHash = last.EntryHash
	} else {
		entry.PrevHash = ""
	}

	hash, err := HashEntry(entry)
	if err != nil {
		return core.AuditEntry{}, err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("fileaudit: failed to marshal entry: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermissions) //nolint:gosec // controlled path
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("fileaudit: failed to open %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return core.AuditEntry{}, fmt.Errorf("fileaudit: failed to append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return core.AuditEntry{}, fmt.Errorf("fileaudit: failed to sync %s: %w", s.path, err)
	}
	return entry, nil
}

// VerifyChain walks the file and checks every link. It returns (true, "")
// on an intact chain (an absent or empty file is trivially intact), or
// (false, reason) naming the first broken entry.
func (s *Store) VerifyChain() (bool, string) {
	entries, malformed, err := s.readAll()
	if err != nil {
		return false, err.Error()
	}
	if malformed > 0 {
		return false, fmt.Sprintf("%d malformed line(s) in chain", malformed)
	}

	prevHash := ""
	for i, entry := range entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("entry %d: prev_hash mismatch (chain broken)", i+1)
		}
		stored := entry.EntryHash
		computed, err := HashEntry(entry)
		if err != nil {
			return false, fmt.Sprintf("entry %d: %v", i+1, err)
		}
		if stored != computed {
			return false, fmt.Sprintf("entry %d: entry_hash mismatch (content altered)", i+1)
		}
		prevHash = stored
	}
	return true, ""
}

// Count returns the number of well-formed entries in the chain.
func (s *Store) Count() (int, error) {
	entries, _, err := s.readAll()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Tail returns the last n entries, oldest first.
func (s *Store) Tail(n int) ([]core.AuditEntry, error) {
	entries, _, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (s *Store) lastEntry() (*core.AuditEntry, int, error) {
	entries, _, err := s.readAll()
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, nil
	}
	return &entries[len(entries)-1], len(entries), nil
}

// readAll parses the chain file, counting malformed lines instead of
// failing on them.
func (s *Store) readAll() ([]core.AuditEntry, int, error) {
	f, err := os.Open(s.path) //nolint:gosec // controlled path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("fileaudit: failed to open %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	var (
		entries   []core.AuditEntry
		malformed int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry core.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			malformed++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("fileaudit: failed to read %s: %w", s.path, err)
	}
	return entries, malformed, nil
}

// HashEntry computes the SHA-256 of the canonical JSON of the entry without
// its entry_hash field.
func HashEntry(entry core.AuditEntry) (string, error) {
	entry.EntryHash = ""
	canonical, err := canonicalJSON(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serializes with sorted keys and no insignificant
// whitespace by round-tripping through a map; encoding/json sorts map keys.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fileaudit: failed to canonicalize: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("fileaudit: failed to canonicalize: %w", err)
	}
	delete(m, "entry_hash")
	canonical, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("fileaudit: failed to canonicalize: %w", err)
	}
	return canonical, nil
}

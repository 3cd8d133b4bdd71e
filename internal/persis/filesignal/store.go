// Package filesignal implements the signal bus: a durable, ordered,
// point-to-point message queue backed by a shared directory. Envelopes are
// written atomically (temp + fsync + rename) under timestamp-prefixed names
// so a lexical sort of the directory is creation order.
package filesignal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drover-org/drover/internal/cmn/fileutil"
	"github.com/drover-org/drover/internal/core"
)

// processedDirName is the sibling directory consumed envelopes move to.
const processedDirName = "processed"

var (
	// ErrMalformedSignal indicates an envelope that is not valid JSON or
	// fails schema validation.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrWaitTimeout is the distinguishable timed-out value returned by
	// Wait; it is not a failure.
	ErrWaitTimeout = errors.New("timed out waiting for signal")
)

// Store is the file-backed signal bus for one signals directory.
type Store struct {
	dir          string
	pollInterval time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval overrides the fallback poll interval used by Wait.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Store) { s.pollInterval = interval }
}

// New creates a signal store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filesignal: dir cannot be empty")
	}
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("filesignal: %w", err)
	}
	s := &Store{dir: dir, pollInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Write serializes the envelope and publishes it atomically. All write
// errors are fatal to the caller.
func (s *Store) Write(signal core.Signal) (string, error) {
	data, err := json.MarshalIndent(signal, "", "  ")
	if err != nil {
		return "", fmt.Errorf("filesignal: failed to marshal signal %s: %w", signal.ID, err)
	}
	path := filepath.Join(s.dir, signal.Filename())
	if err := fileutil.WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("filesignal: failed to write signal %s: %w", signal.ID, err)
	}
	return path, nil
}

// List returns the pending envelopes addressed to target, oldest first.
// Malformed files are skipped; readers tolerate concurrent consumption.
func (s *Store) List(target core.Role) ([]core.Signal, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("filesignal: failed to scan %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	// Filename format guarantees lexical order == chronological order.
	sort.Strings(names)

	var (
		signals []core.Signal
		paths   []string
	)
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		signal, err := s.ReadOne(path)
		if err != nil {
			continue
		}
		if signal.Target != target {
			continue
		}
		signals = append(signals, signal)
		paths = append(paths, path)
	}
	return signals, paths, nil
}

// ReadOne parses a single envelope file.
func (s *Store) ReadOne(path string) (core.Signal, error) {
	data, err := os.ReadFile(path) //nolint:gosec // paths come from our own directory scan
	if err != nil {
		return core.Signal{}, fmt.Errorf("filesignal: failed to read %s: %w", path, err)
	}
	var signal core.Signal
	if err := json.Unmarshal(data, &signal); err != nil {
		return core.Signal{}, fmt.Errorf("%w: %s: %v", ErrMalformedSignal, path, err)
	}
	if signal.ID == "" || signal.SignalType == "" {
		return core.Signal{}, fmt.Errorf("%w: %s: missing id or signal_type", ErrMalformedSignal, path)
	}
	if _, err := core.ParseSignalType(string(signal.SignalType)); err != nil {
		return core.Signal{}, fmt.Errorf("%w: %s: %v", ErrMalformedSignal, path, err)
	}
	return signal, nil
}

// Consume moves a delivered envelope into the processed/ subdirectory.
// A repeat call on the same path is a no-op.
func (s *Store) Consume(path string) error {
	processedDir := filepath.Join(filepath.Dir(path), processedDirName)
	if err := fileutil.EnsureDir(processedDir); err != nil {
		return fmt.Errorf("filesignal: %w", err)
	}
	dest := filepath.Join(processedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("filesignal: failed to consume %s: %w", path, err)
	}
	return nil
}

// Wait blocks until an envelope addressed to target arrives or the timeout
// elapses, returning the oldest pending envelope and its path. Timeout
// surfaces as ErrWaitTimeout, not a generic failure. A directory watcher
// shortens the latency; polling remains the correctness backstop.
func (s *Store) Wait(ctx context.Context, target core.Role, timeout time.Duration) (core.Signal, string, error) {
	deadline := time.Now().Add(timeout)

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(s.dir); err == nil {
			events = watcher.Events
		}
		defer func() { _ = watcher.Close() }()
	}

	for {
		signals, paths, err := s.List(target)
		if err != nil {
			return core.Signal{}, "", err
		}
		if len(signals) > 0 {
			return signals[0], paths[0], nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return core.Signal{}, "", ErrWaitTimeout
		}
		poll := s.pollInterval
		if poll > remaining {
			poll = remaining
		}

		select {
		case <-ctx.Done():
			return core.Signal{}, "", ctx.Err()
		case <-events:
			// re-scan
		case <-time.After(poll):
			// re-scan
		}
	}
}

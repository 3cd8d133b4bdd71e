package sessionhost

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// commandRunner executes a host command; injectable for tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var _ Host = (*TmuxHost)(nil)

// TmuxHost manages worker sessions through the tmux binary.
type TmuxHost struct {
	binary           string
	reservedPrefixes []string
	run              commandRunner
}

// TmuxOption configures a TmuxHost.
type TmuxOption func(*TmuxHost)

// WithBinary overrides the tmux binary path.
func WithBinary(path string) TmuxOption {
	return func(h *TmuxHost) { h.binary = path }
}

// WithReservedPrefixes injects the session-name prefixes refused to callers.
func WithReservedPrefixes(prefixes []string) TmuxOption {
	return func(h *TmuxHost) { h.reservedPrefixes = prefixes }
}

// withRunner replaces the command runner; used by tests.
func withRunner(run commandRunner) TmuxOption {
	return func(h *TmuxHost) { h.run = run }
}

// NewTmuxHost builds a tmux-backed session host.
func NewTmuxHost(opts ...TmuxOption) *TmuxHost {
	h := &TmuxHost{binary: "tmux", run: execRunner}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// IsAlive implements Host using `tmux has-session`.
func (h *TmuxHost) IsAlive(ctx context.Context, sessionName string) (bool, error) {
	_, err := h.run(ctx, h.binary, "has-session", "-t", sessionName)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// has-session exits non-zero when the session does not exist.
		return false, nil
	}
	return false, fmt.Errorf("sessionhost: failed to check session %s: %w", sessionName, err)
}

// Spawn implements Host using `tmux new-session -d`.
func (h *TmuxHost) Spawn(ctx context.Context, spec SpawnSpec) error {
	if err := CheckReservedPrefix(spec.Name, h.reservedPrefixes); err != nil {
		return err
	}
	alive, err := h.IsAlive(ctx, spec.Name)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("%w: %s", ErrSessionExists, spec.Name)
	}

	args := []string{"new-session", "-d", "-s", spec.Name}
	if spec.WorkingDir != "" {
		args = append(args, "-c", spec.WorkingDir)
	}
	if out, err := h.run(ctx, h.binary, args...); err != nil {
		return fmt.Errorf("sessionhost: failed to spawn session %s: %w (%s)",
			spec.Name, err, strings.TrimSpace(string(out)))
	}

	if spec.InitialInput != "" {
		if err := h.Send(ctx, spec.Name, spec.InitialInput); err != nil {
			return err
		}
	}
	return nil
}

// Send implements Host using `tmux send-keys`. A trailing Enter submits the
// keystrokes.
func (h *TmuxHost) Send(ctx context.Context, sessionName, keystrokes string) error {
	if err := CheckReservedPrefix(sessionName, h.reservedPrefixes); err != nil {
		return err
	}
	if out, err := h.run(ctx, h.binary, "send-keys", "-t", sessionName, keystrokes, "Enter"); err != nil {
		return fmt.Errorf("sessionhost: failed to send to session %s: %w (%s)",
			sessionName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Kill implements Host using `tmux kill-session`.
func (h *TmuxHost) Kill(ctx context.Context, sessionName string) error {
	if out, err := h.run(ctx, h.binary, "kill-session", "-t", sessionName); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Killing a session that is already gone is not an error.
			return nil
		}
		return fmt.Errorf("sessionhost: failed to kill session %s: %w (%s)",
			sessionName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

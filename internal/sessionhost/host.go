// Package sessionhost abstracts the terminal multiplexer hosting worker
// sessions: spawn, keystroke delivery, liveness checks, and a
// bounded-attempts respawn policy.
package sessionhost

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSessionExists indicates a spawn request for a name that is already
// alive.
var ErrSessionExists = errors.New("session already exists")

// ErrReservedPrefix indicates a caller used a session-name prefix reserved
// for system processes.
var ErrReservedPrefix = errors.New("session name uses a reserved prefix")

// SpawnSpec describes a session to create.
type SpawnSpec struct {
	Name         string
	WorkingDir   string
	InitialInput string
}

// Host is the capability for managing named long-lived worker sessions.
type Host interface {
	// IsAlive reports whether the named session exists and is running.
	IsAlive(ctx context.Context, sessionName string) (bool, error)

	// Spawn creates a session. It fails with ErrSessionExists when the
	// session is already alive.
	Spawn(ctx context.Context, spec SpawnSpec) error

	// Send delivers keystrokes to an existing session.
	Send(ctx context.Context, sessionName, keystrokes string) error

	// Kill terminates the named session if it exists.
	Kill(ctx context.Context, sessionName string) error
}

// CheckReservedPrefix rejects session names using any reserved prefix.
func CheckReservedPrefix(name string, reserved []string) error {
	for _, prefix := range reserved {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return fmt.Errorf("%w: %q (prefix %q)", ErrReservedPrefix, name, prefix)
		}
	}
	return nil
}

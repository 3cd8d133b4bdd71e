// Package tag provides standardized slog attributes for structured logging.
//
// All tag keys use kebab-case. Use these functions instead of raw strings
// for consistent log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Pipeline creates a tag for pipeline ids.
func Pipeline(id string) slog.Attr {
	return slog.String("pipeline", id)
}

// Node creates a tag for DAG node ids.
func Node(id string) slog.Attr {
	return slog.String("node", id)
}

// Action creates a tag for planned action kinds.
func Action(kind string) slog.Attr {
	return slog.String("action", kind)
}

// Signal creates a tag for signal types.
func Signal(signalType string) slog.Attr {
	return slog.String("signal", signalType)
}

// Source creates a tag for signal source roles.
func Source(role string) slog.Attr {
	return slog.String("source", role)
}

// Target creates a tag for signal target roles.
func Target(role string) slog.Attr {
	return slog.String("target", role)
}

// Session creates a tag for worker session names.
func Session(name string) slog.Attr {
	return slog.String("session", name)
}

// Agent creates a tag for agent ids.
func Agent(id string) slog.Attr {
	return slog.String("agent", id)
}

// Channel creates a tag for chat channel names.
func Channel(name string) slog.Attr {
	return slog.String("channel", name)
}

// Status creates a tag for node or pipeline statuses.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Reason creates a tag for refusal or escalation reasons.
func Reason(reason string) slog.Attr {
	return slog.String("reason", reason)
}

// Path creates a tag for file paths.
func Path(path string) slog.Attr {
	return slog.String("path", path)
}

// Count creates a tag for counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Duration creates a tag for durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Event creates a tag for notification event types.
func Event(eventType string) slog.Attr {
	return slog.String("event", eventType)
}

// Addr creates a tag for network addresses.
func Addr(addr string) slog.Attr {
	return slog.String("addr", addr)
}

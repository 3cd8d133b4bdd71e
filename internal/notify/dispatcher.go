// Package notify implements the proactive notification dispatcher: events
// are deduplicated against a persistent log, gated by local-time quiet
// hours, and then fanned out through the channel bridge.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/drover-org/drover/internal/bridge"
	"github.com/drover-org/drover/internal/cmn/config"
	"github.com/drover-org/drover/internal/cmn/fileutil"
	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
	"github.com/drover-org/drover/internal/core"
)

// EventType names a notifiable occurrence. The set is closed; dispatching an
// unknown type is an error.
type EventType string

const (
	EventPipelineStarted  EventType = "pipeline_started"
	EventPipelineComplete EventType = "pipeline_complete"
	EventPipelineStuck    EventType = "pipeline_stuck"
	EventNodeFailed       EventType = "node_failed"
	EventAwaitingApproval EventType = "awaiting_approval"
	EventEscalation       EventType = "escalation"
)

// eventSpec binds an event type to the signal broadcast on its behalf and
// the payload fields that participate in the dedup key.
type eventSpec struct {
	signal     core.SignalType
	coreFields []string
}

var eventTable = map[EventType]eventSpec{
	EventPipelineStarted:  {signal: core.SignalRunnerStarted, coreFields: []string{"pipeline_id"}},
	EventPipelineComplete: {signal: core.SignalRunnerComplete, coreFields: []string{"pipeline_id"}},
	EventPipelineStuck:    {signal: core.SignalRunnerStuck, coreFields: []string{"pipeline_id", "reason"}},
	EventNodeFailed:       {signal: core.SignalNodeFailed, coreFields: []string{"pipeline_id", "node_id", "status"}},
	EventAwaitingApproval: {signal: core.SignalAwaitingApproval, coreFields: []string{"pipeline_id", "node_id"}},
	EventEscalation:       {signal: core.SignalEscalate, coreFields: []string{"pipeline_id", "reason"}},
}

// Outcome statuses recorded in the notification log.
const (
	StatusSent            = "sent"
	StatusSkippedDedup    = "skipped_dedup"
	StatusSkippedQuietHrs = "skipped_quiet_hours"
	StatusFailed          = "failed"
)

// Entry is one line of the persistent notification log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Space     string    `json:"space,omitempty"`
	Thread    string    `json:"thread,omitempty"`
	DedupKey  string    `json:"dedup_key"`
	Status    string    `json:"status"`
}

// Event is a dispatch request.
type Event struct {
	Type    EventType
	Payload map[string]any
	Status  *bridge.PipelineStatus
	Space   string
	Thread  string
}

// Outcome reports how an event was handled.
type Outcome struct {
	Status   string
	DedupKey string
}

// Broadcaster is the outbound surface the dispatcher drives.
type Broadcaster interface {
	Broadcast(ctx context.Context, signalType core.SignalType, payload map[string]any, status *bridge.PipelineStatus) []error
}

// Dispatcher applies the dedup and quiet-hours policy before broadcasting.
type Dispatcher struct {
	cfg     *config.Config
	bridge  Broadcaster
	logPath string
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a dispatcher over the configured notification log.
func New(cfg *config.Config, b Broadcaster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		bridge:  b,
		logPath: cfg.NotificationLogPath(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch decides whether the event goes out: dedup window first, quiet
// hours second, then broadcast. Every decision is appended to the log.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) (Outcome, error) {
	spec, ok := eventTable[event.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("unknown event type %q", event.Type)
	}

	dedupKey := DedupKey(event.Type, spec.coreFields, event.Payload)
	entries, err := d.readLog()
	if err != nil {
		return Outcome{}, err
	}

	now := d.now().UTC()
	if d.isDuplicate(entries, dedupKey, now) {
		logger.Debug(ctx, "Notification suppressed by dedup window",
			tag.Event(string(event.Type)))
		return d.record(entries, event, dedupKey, now, StatusSkippedDedup)
	}
	if d.inQuietHours(d.now().Local()) {
		logger.Debug(ctx, "Notification suppressed by quiet hours",
			tag.Event(string(event.Type)))
		return d.record(entries, event, dedupKey, now, StatusSkippedQuietHrs)
	}

	status := StatusSent
	if errs := d.bridge.Broadcast(ctx, spec.signal, event.Payload, event.Status); len(errs) > 0 {
		for _, err := range errs {
			logger.Warn(ctx, "Notification channel failed",
				tag.Event(string(event.Type)), tag.Error(err))
		}
		// A failed entry does not arm the dedup window, so the event can
		// be retried.
		status = StatusFailed
	}
	return d.record(entries, event, dedupKey, now, status)
}

// DedupKey is the event type joined with a short hash over the event's core
// fields, extracted from the payload in field-name order.
func DedupKey(eventType EventType, coreFields []string, payload map[string]any) string {
	fields := append([]string(nil), coreFields...)
	sort.Strings(fields)
	subset := make(map[string]any, len(fields))
	for _, name := range fields {
		if value, ok := payload[name]; ok {
			subset[name] = value
		}
	}
	raw, _ := json.Marshal(subset)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s-%s", eventType, hex.EncodeToString(sum[:8]))
}

func (d *Dispatcher) isDuplicate(entries []Entry, dedupKey string, now time.Time) bool {
	cutoff := now.Add(-d.cfg.DedupWindow)
	for _, entry := range entries {
		if entry.DedupKey == dedupKey && entry.Status == StatusSent && entry.Timestamp.After(cutoff) {
			return true
		}
	}
	return false
}

// inQuietHours compares the local clock against the configured window,
// handling the overnight wrap when the start is later than the end.
func (d *Dispatcher) inQuietHours(now time.Time) bool {
	if !d.cfg.QuietHoursEnabled() {
		return false
	}
	start, err := config.ParseClock(d.cfg.QuietStart)
	if err != nil {
		return false
	}
	end, err := config.ParseClock(d.cfg.QuietEnd)
	if err != nil {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return start <= minute && minute <= end
	}
	return minute >= start || minute <= end
}

func (d *Dispatcher) record(entries []Entry, event Event, dedupKey string, now time.Time, status string) (Outcome, error) {
	entries = append(entries, Entry{
		Timestamp: now,
		EventType: event.Type,
		Space:     event.Space,
		Thread:    event.Thread,
		DedupKey:  dedupKey,
		Status:    status,
	})
	if err := d.writeLog(entries); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: status, DedupKey: dedupKey}, nil
}

func (d *Dispatcher) readLog() ([]Entry, error) {
	raw, err := os.ReadFile(d.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read notification log: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A malformed log is abandoned rather than fatal.
		return nil, nil
	}
	return entries, nil
}

func (d *Dispatcher) writeLog(entries []Entry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal notification log: %w", err)
	}
	if err := fileutil.WriteFileAtomic(d.logPath, raw); err != nil {
		return fmt.Errorf("failed to write notification log: %w", err)
	}
	return nil
}

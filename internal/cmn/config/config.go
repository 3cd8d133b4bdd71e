// Package config loads the drover configuration from the environment, an
// optional YAML config file, and a .env file. The resulting Config struct is
// constructed once at startup and passed by reference into components.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the triad consumes.
type Config struct {
	// MaxRetries caps how many times a failed node may be retried.
	MaxRetries int

	// StaleThreshold is the RunnerState age beyond which a pipeline is
	// reported stale by the guardian.
	StaleThreshold time.Duration

	// EvidenceMaxAge bounds how old (or how far in the future) an
	// evidence timestamp on a validating transition may be.
	EvidenceMaxAge time.Duration

	// StuckThreshold is how long a worker may go without a heartbeat
	// before the guardian escalates.
	StuckThreshold time.Duration

	// SpotCheckRate is the probability (0.0-1.0) of appending an
	// advisory spot-check audit entry after an accepted transition.
	SpotCheckRate float64

	// PollInterval is the runner's sleep between cycles and the signal
	// store's poll interval inside Wait.
	PollInterval time.Duration

	// SignalsDir, StateDir, IdentitiesDir, NotificationsDir are the
	// shared filesystem roots.
	SignalsDir       string
	StateDir         string
	IdentitiesDir    string
	NotificationsDir string

	// QuietStart and QuietEnd bound the local-time quiet-hours window
	// ("HH:MM"). Both empty disables quiet hours. The window may wrap
	// midnight.
	QuietStart string
	QuietEnd   string

	// DedupWindow suppresses duplicate notifications inside the window.
	DedupWindow time.Duration

	// ReservedSessionPrefixes are session-name prefixes the session host
	// refuses to spawn on behalf of callers.
	ReservedSessionPrefixes []string

	// MaxRespawn caps how many times a dead session may be recreated.
	MaxRespawn int

	// BridgeListenAddr is the webhook listener address for `bridge serve`.
	BridgeListenAddr string

	// Channel credentials. A channel is enabled when its token is set.
	Slack    SlackConfig
	Discord  DiscordConfig
	Telegram TelegramConfig

	// JudgeEndpoint is the completion judge's HTTP endpoint. Empty means
	// no judge is configured and session stops are always permitted.
	JudgeEndpoint string

	// JudgeMaxTurns caps how many trailing transcript turns the judge sees.
	JudgeMaxTurns int
}

// SlackConfig holds the Slack adapter credentials.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	Channel       string
}

// DiscordConfig holds the Discord adapter credentials.
type DiscordConfig struct {
	BotToken  string
	PublicKey string
	ChannelID string
}

// TelegramConfig holds the Telegram adapter credentials.
type TelegramConfig struct {
	BotToken      string
	WebhookSecret string
	ChatID        string
}

// Enabled reports whether the Slack adapter should be registered.
func (c SlackConfig) Enabled() bool { return c.BotToken != "" }

// Enabled reports whether the Discord adapter should be registered.
func (c DiscordConfig) Enabled() bool { return c.BotToken != "" }

// Enabled reports whether the Telegram adapter should be registered.
func (c TelegramConfig) Enabled() bool { return c.BotToken != "" }

// QuietHoursEnabled reports whether both quiet-hour boundaries are set.
func (c *Config) QuietHoursEnabled() bool {
	return c.QuietStart != "" && c.QuietEnd != ""
}

// StatePath returns the RunnerState file path for a pipeline.
func (c *Config) StatePath(pipelineID string) string {
	return filepath.Join(c.StateDir, pipelineID+".json")
}

// AuditPath returns the audit chain file path for a pipeline.
func (c *Config) AuditPath(pipelineID string) string {
	return filepath.Join(c.StateDir, pipelineID+"-audit.jsonl")
}

// NotificationLogPath returns the dispatcher's log file path.
func (c *Config) NotificationLogPath() string {
	return filepath.Join(c.NotificationsDir, "notification-log.json")
}

// ParseClock parses an "HH:MM" boundary into minutes since midnight.
func ParseClock(value string) (int, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q: expected HH:MM", value)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in clock value %q", value)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in clock value %q", value)
	}
	return hh*60 + mm, nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be non-negative, got %d", c.MaxRetries)
	}
	if c.SpotCheckRate < 0 || c.SpotCheckRate > 1 {
		return fmt.Errorf("spotCheckRate must be within [0.0, 1.0], got %g", c.SpotCheckRate)
	}
	if c.QuietHoursEnabled() {
		if _, err := ParseClock(c.QuietStart); err != nil {
			return err
		}
		if _, err := ParseClock(c.QuietEnd); err != nil {
			return err
		}
	}
	return nil
}

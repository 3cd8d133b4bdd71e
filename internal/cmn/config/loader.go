package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/drover-org/drover/internal/build"
)

// Loader reads and merges configuration from a YAML config file, environment
// variables and defaults. Environment variables win over the file.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) { l.configFile = configFile }
}

// Load builds the Config. A missing config file is not an error; a malformed
// one is.
func Load(opts ...LoaderOption) (*Config, error) {
	l := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(l)
	}

	// .env in the working directory, if present. Real env vars win.
	_ = godotenv.Load()

	l.setDefaults()
	l.bindEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(filepath.Join(xdg.ConfigHome, build.Slug))
	}

	if err := l.v.ReadInConfig(); err != nil {
		// A missing default config file is fine; an explicit one must exist.
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if l.configFile != "" || !missing {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		MaxRetries:              l.v.GetInt("maxRetries"),
		StaleThreshold:          time.Duration(l.v.GetInt("staleSeconds")) * time.Second,
		EvidenceMaxAge:          time.Duration(l.v.GetInt("evidenceMaxAge")) * time.Second,
		StuckThreshold:          time.Duration(l.v.GetInt("stuckSeconds")) * time.Second,
		SpotCheckRate:           l.v.GetFloat64("spotCheckRate"),
		PollInterval:            l.v.GetDuration("pollInterval"),
		SignalsDir:              l.v.GetString("signalsDir"),
		StateDir:                l.v.GetString("stateDir"),
		IdentitiesDir:           l.v.GetString("identitiesDir"),
		NotificationsDir:        l.v.GetString("notificationsDir"),
		QuietStart:              l.v.GetString("quietStart"),
		QuietEnd:                l.v.GetString("quietEnd"),
		DedupWindow:             time.Duration(l.v.GetInt("dedupWindowSeconds")) * time.Second,
		ReservedSessionPrefixes: l.v.GetStringSlice("reservedSessionPrefixes"),
		MaxRespawn:              l.v.GetInt("maxRespawn"),
		BridgeListenAddr:        l.v.GetString("bridgeListenAddr"),
		Slack: SlackConfig{
			BotToken:      l.v.GetString("slack.botToken"),
			SigningSecret: l.v.GetString("slack.signingSecret"),
			Channel:       l.v.GetString("slack.channel"),
		},
		Discord: DiscordConfig{
			BotToken:  l.v.GetString("discord.botToken"),
			PublicKey: l.v.GetString("discord.publicKey"),
			ChannelID: l.v.GetString("discord.channelId"),
		},
		Telegram: TelegramConfig{
			BotToken:      l.v.GetString("telegram.botToken"),
			WebhookSecret: l.v.GetString("telegram.webhookSecret"),
			ChatID:        l.v.GetString("telegram.chatId"),
		},
		JudgeEndpoint: l.v.GetString("judgeEndpoint"),
		JudgeMaxTurns: l.v.GetInt("judgeMaxTurns"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) setDefaults() {
	dataHome := filepath.Join(xdg.DataHome, build.Slug)

	l.v.SetDefault("maxRetries", 3)
	l.v.SetDefault("staleSeconds", 300)
	l.v.SetDefault("evidenceMaxAge", 300)
	l.v.SetDefault("stuckSeconds", 600)
	l.v.SetDefault("spotCheckRate", 0.0)
	l.v.SetDefault("pollInterval", 2*time.Second)
	l.v.SetDefault("signalsDir", filepath.Join(dataHome, "signals"))
	l.v.SetDefault("stateDir", filepath.Join(dataHome, "state"))
	l.v.SetDefault("identitiesDir", filepath.Join(dataHome, "identities"))
	l.v.SetDefault("notificationsDir", filepath.Join(dataHome, "notifications"))
	l.v.SetDefault("quietStart", "")
	l.v.SetDefault("quietEnd", "")
	l.v.SetDefault("dedupWindowSeconds", 300)
	l.v.SetDefault("reservedSessionPrefixes", []string{"drover-", "guardian-"})
	l.v.SetDefault("maxRespawn", 3)
	l.v.SetDefault("bridgeListenAddr", "127.0.0.1:8090")
	l.v.SetDefault("judgeEndpoint", "")
	l.v.SetDefault("judgeMaxTurns", 20)
}

// bindEnv maps the documented environment variables onto config keys.
func (l *Loader) bindEnv() {
	bind := func(key string, envs ...string) {
		args := append([]string{key}, envs...)
		_ = l.v.BindEnv(args...)
	}
	bind("maxRetries", "MAX_RETRIES")
	bind("staleSeconds", "STALE_SECONDS")
	bind("evidenceMaxAge", "EVIDENCE_MAX_AGE")
	bind("stuckSeconds", "STUCK_SECONDS")
	bind("spotCheckRate", "SPOT_CHECK_RATE")
	bind("signalsDir", "SIGNALS_DIR")
	bind("stateDir", "STATE_DIR")
	bind("identitiesDir", "IDENTITIES_DIR")
	bind("notificationsDir", "NOTIFICATIONS_DIR")
	bind("quietStart", "QUIET_START")
	bind("quietEnd", "QUIET_END")
	bind("dedupWindowSeconds", "DEDUP_WINDOW_SECONDS")
	bind("maxRespawn", "MAX_RESPAWN")
	bind("bridgeListenAddr", "BRIDGE_LISTEN_ADDR")
	bind("slack.botToken", "SLACK_BOT_TOKEN")
	bind("slack.signingSecret", "SLACK_SIGNING_SECRET")
	bind("slack.channel", "SLACK_CHANNEL")
	bind("discord.botToken", "DISCORD_BOT_TOKEN")
	bind("discord.publicKey", "DISCORD_PUBLIC_KEY")
	bind("discord.channelId", "DISCORD_CHANNEL_ID")
	bind("telegram.botToken", "TELEGRAM_BOT_TOKEN")
	bind("telegram.webhookSecret", "TELEGRAM_WEBHOOK_SECRET")
	bind("telegram.chatId", "TELEGRAM_CHAT_ID")
	bind("judgeEndpoint", "JUDGE_ENDPOINT")
	bind("judgeMaxTurns", "JUDGE_MAX_TURNS")
}

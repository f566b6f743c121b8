// Package config loads taskcoordd's single YAML configuration file
// into the typed settings every other package needs: pool sizing,
// sweep cadences, rate limiting, idempotency TTL, CORS allowlist, and
// the optional notification/NATS integrations. Generalized from
// internal/agentry's LoadRoster file-read-then-yaml.Unmarshal idiom
// and from internal/server.go's loadNotificationConfig (Slack/Discord/
// Email webhook config shapes), applied to a single top-level document
// instead of the teacher's scattered per-feature config files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/coordinator/internal/eventbus"
)

// Config is the full taskcoordd configuration surface (spec.md §6's
// "Configuration" list), loaded from a single YAML document.
type Config struct {
	Listen string `yaml:"listen"`

	MaxConcurrentTasksPerAgent int `yaml:"max-concurrent-tasks-per-agent"`
	DefaultTaskTimeoutMinutes  int `yaml:"default-task-timeout-minutes"`
	HeartbeatOfflineThresholdSeconds int `yaml:"heartbeat-offline-threshold-seconds"`
	StuckSweepIntervalSeconds        int `yaml:"stuck-sweep-interval-seconds"`
	HeartbeatSweepIntervalSeconds    int `yaml:"heartbeat-sweep-interval-seconds"`
	IdempotencyTTLHours              int `yaml:"idempotency-ttl-hours"`

	RateLimitWindowSeconds int `yaml:"rate-limit-window-seconds"`
	RateLimitMax           int `yaml:"rate-limit-max"`

	DBPoolMin                 int    `yaml:"db-pool-min"`
	DBPoolMax                 int    `yaml:"db-pool-max"`
	DBCommandTimeoutSeconds   int    `yaml:"db-command-timeout-seconds"`
	DBPath                    string `yaml:"db-path"`

	LogLevel    string   `yaml:"log-level"`
	CORSOrigins []string `yaml:"cors-origins"`

	RosterPath string `yaml:"roster-path"`

	PendingBacklogAlertMax        int `yaml:"pending-backlog-alert-max"`
	AlertDedupWindowSeconds       int `yaml:"alert-dedup-window-seconds"`

	Notifications NotificationsConfig `yaml:"notifications"`

	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig controls the optional volatile NATS mirror (spec.md's
// "outside the Store" integration surface). URL empty and Embedded
// false means disabled.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	EmbeddedPort  int    `yaml:"embedded-port"`
	WebSocketPort int    `yaml:"websocket-port"`
	JetStream     bool   `yaml:"jetstream"`
	DataDir       string `yaml:"data-dir"`
}

// NotificationsConfig carries per-channel webhook settings, moved here
// from the desktop-era types package's flat NotificationsConfig struct
// and regrounded on internal/alerting/external's notifier config
// shapes so it can be used to construct notifiers directly.
type NotificationsConfig struct {
	Slack   NotifySlackConfig   `yaml:"slack"`
	Discord NotifyDiscordConfig `yaml:"discord"`
	Email   NotifyEmailConfig   `yaml:"email"`
}

// NotifySlackConfig is the YAML shape of a Slack webhook channel.
type NotifySlackConfig struct {
	Enabled     bool     `yaml:"enabled"`
	WebhookURL  string   `yaml:"webhook_url"`
	Channel     string   `yaml:"channel"`
	Username    string   `yaml:"username"`
	IconEmoji   string   `yaml:"icon_emoji"`
	EventTypes  []string `yaml:"event_types"`
	MinPriority int      `yaml:"min_priority"`
}

// NotifyDiscordConfig is the YAML shape of a Discord webhook channel.
type NotifyDiscordConfig struct {
	Enabled     bool     `yaml:"enabled"`
	WebhookURL  string   `yaml:"webhook_url"`
	Username    string   `yaml:"username"`
	AvatarURL   string   `yaml:"avatar_url"`
	EventTypes  []string `yaml:"event_types"`
	MinPriority int      `yaml:"min_priority"`
}

// NotifyEmailConfig is the YAML shape of an SMTP notification channel.
type NotifyEmailConfig struct {
	Enabled     bool     `yaml:"enabled"`
	SMTPHost    string   `yaml:"smtp_host"`
	SMTPPort    int      `yaml:"smtp_port"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	From        string   `yaml:"from"`
	To          []string `yaml:"to"`
	EventTypes  []string `yaml:"event_types"`
	MinPriority int      `yaml:"min_priority"`
}

// ParseEventTypes converts the YAML string list into eventbus.EventType
// values, generalized from internal/server.go's parseEventTypes helper
// which did the same string-to-typed-constant conversion for the
// desktop dashboard's event taxonomy.
func ParseEventTypes(names []string) []eventbus.EventType {
	if len(names) == 0 {
		return nil
	}
	out := make([]eventbus.EventType, 0, len(names))
	for _, n := range names {
		out = append(out, eventbus.EventType(n))
	}
	return out
}

// Load reads and parses a YAML configuration file, filling every zero
// field with its spec-mandated default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

// Default returns the all-defaults configuration, used when no
// -config flag is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.MaxConcurrentTasksPerAgent == 0 {
		c.MaxConcurrentTasksPerAgent = 3
	}
	if c.DefaultTaskTimeoutMinutes == 0 {
		c.DefaultTaskTimeoutMinutes = 120
	}
	if c.HeartbeatOfflineThresholdSeconds == 0 {
		c.HeartbeatOfflineThresholdSeconds = 300
	}
	if c.StuckSweepIntervalSeconds == 0 {
		c.StuckSweepIntervalSeconds = 60
	}
	if c.HeartbeatSweepIntervalSeconds == 0 {
		c.HeartbeatSweepIntervalSeconds = 60
	}
	if c.IdempotencyTTLHours == 0 {
		c.IdempotencyTTLHours = 24
	}
	if c.RateLimitWindowSeconds == 0 {
		c.RateLimitWindowSeconds = 60
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = 100
	}
	if c.DBPoolMin == 0 {
		c.DBPoolMin = 5
	}
	if c.DBPoolMax == 0 {
		c.DBPoolMax = 25
	}
	if c.DBCommandTimeoutSeconds == 0 {
		c.DBCommandTimeoutSeconds = 10
	}
	if c.DBPath == "" {
		c.DBPath = "taskcoord.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{}
	}
	if c.AlertDedupWindowSeconds == 0 {
		c.AlertDedupWindowSeconds = 300
	}
}

// Duration accessors convert the YAML-friendly integer fields into
// time.Duration values for the packages that consume them.

func (c *Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutMinutes) * time.Minute
}

func (c *Config) HeartbeatOfflineThreshold() time.Duration {
	return time.Duration(c.HeartbeatOfflineThresholdSeconds) * time.Second
}

func (c *Config) StuckSweepInterval() time.Duration {
	return time.Duration(c.StuckSweepIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatSweepInterval() time.Duration {
	return time.Duration(c.HeartbeatSweepIntervalSeconds) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c *Config) DBCommandTimeout() time.Duration {
	return time.Duration(c.DBCommandTimeoutSeconds) * time.Second
}

func (c *Config) AlertDedupWindow() time.Duration {
	return time.Duration(c.AlertDedupWindowSeconds) * time.Second
}

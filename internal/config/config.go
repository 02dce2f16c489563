// Package config provides configuration management for talonscope.
// It uses Viper to load settings from an optional YAML file and from
// TALONSCOPE_ environment variables, on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/vesaa/talonscope/internal/auth"
)

// MinAgentInterval is the shortest collection interval an agent accepts.
const MinAgentInterval = 500 * time.Millisecond

// Config holds all runtime configuration.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort serves the operator API, /metrics and the live stream.
	ControlPort int `mapstructure:"control_port"`
	// DataPort serves agent enrollment and ingest.
	DataPort int    `mapstructure:"data_port"`
	DBPath   string `mapstructure:"db_path"`
	// TrustProxy makes X-Forwarded-For the source address of agent requests.
	TrustProxy bool   `mapstructure:"trust_proxy"`
	LogLevel   string `mapstructure:"log_level"`

	// ── Security ─────────────────────────────────────────────────────────────
	JWTSecret      string         `mapstructure:"jwt_secret"`
	JWTTTL         time.Duration  `mapstructure:"jwt_ttl"`
	Accounts       []auth.Account `mapstructure:"accounts"`
	AllowedEmails  []string       `mapstructure:"allowed_emails"`
	AllowedDomains []string       `mapstructure:"allowed_domains"`
	RateLimits     RateLimits     `mapstructure:"rate_limits"`

	// ── Retention and queries ────────────────────────────────────────────────
	RetentionDays         int           `mapstructure:"retention_days"`
	HistoryDefaultMinutes int           `mapstructure:"history_default_minutes"`
	HistoryMaxMinutes     int           `mapstructure:"history_max_minutes"`
	HistoryMaxPoints      int           `mapstructure:"history_max_points"`
	NotificationCooldown  time.Duration `mapstructure:"notification_cooldown"`

	// ── Local collection ─────────────────────────────────────────────────────
	LocalSlug string `mapstructure:"local_slug"`
	LocalName string `mapstructure:"local_name"`

	Agent Agent `mapstructure:"agent"`
}

// RateLimit allows Requests per Window for one client address.
type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RateLimits groups the per-route limits.
type RateLimits struct {
	Enroll   RateLimit `mapstructure:"enroll"`
	Login    RateLimit `mapstructure:"login"`
	Register RateLimit `mapstructure:"register"`
}

// Agent is the agent-side configuration.
type Agent struct {
	ServerURL string        `mapstructure:"server_url"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Slug      string        `mapstructure:"slug"`
	Token     string        `mapstructure:"token"`
	Interval  time.Duration `mapstructure:"interval"`
	StateFile string        `mapstructure:"state_file"`
	Disks     []string      `mapstructure:"disks"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Source is a loaded configuration backed by a Viper instance, able to
// re-read itself when the file changes.
type Source struct {
	v *viper.Viper
}

// Open reads defaults, the config file and the environment. file may be
// empty, in which case ./config.yaml and ~/.talonscope/config.yaml are
// tried and a missing file is not an error.
func Open(file string) (*Source, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.talonscope")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TALONSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Source{v: v}, nil
}

// Load is Open followed by Config.
func Load(file string) (*Config, error) {
	src, err := Open(file)
	if err != nil {
		return nil, err
	}
	return src.Config()
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string { return s.v.ConfigFileUsed() }

// Config decodes and validates the current settings.
func (s *Source) Config() (*Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the re-read configuration every time the config
// file is written. It does nothing when no file was loaded.
func (s *Source) Watch(onChange func(*Config, error)) {
	if s.File() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		onChange(s.Config())
	})
	s.v.WatchConfig()
}

// Validate rejects settings the server or agent cannot run with and clamps
// the agent interval to MinAgentInterval.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"control_port": c.ControlPort, "data_port": c.DataPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.HistoryMaxMinutes < 1 || c.HistoryMaxPoints < 1 {
		return errors.New("history_max_minutes and history_max_points must be positive")
	}
	if c.HistoryDefaultMinutes < 1 || c.HistoryDefaultMinutes > c.HistoryMaxMinutes {
		c.HistoryDefaultMinutes = min(60, c.HistoryMaxMinutes)
	}
	if c.Agent.Interval < MinAgentInterval {
		c.Agent.Interval = MinAgentInterval
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 6677)
	v.SetDefault("data_port", 1616)
	v.SetDefault("db_path", "talonscope.db")
	v.SetDefault("trust_proxy", false)
	v.SetDefault("log_level", "info")

	// Must be overridden in production.
	v.SetDefault("jwt_secret", "change-me-talonscope-jwt-secret")
	v.SetDefault("jwt_ttl", "24h")
	v.SetDefault("allowed_emails", []string{})
	v.SetDefault("allowed_domains", []string{})
	v.SetDefault("rate_limits.enroll.requests", 30)
	v.SetDefault("rate_limits.enroll.window", "60s")
	v.SetDefault("rate_limits.login.requests", 10)
	v.SetDefault("rate_limits.login.window", "60s")
	v.SetDefault("rate_limits.register.requests", 20)
	v.SetDefault("rate_limits.register.window", "300s")

	v.SetDefault("retention_days", 14)
	v.SetDefault("history_default_minutes", 60)
	v.SetDefault("history_max_minutes", 1440)
	v.SetDefault("history_max_points", 1500)
	v.SetDefault("notification_cooldown", "10m")

	v.SetDefault("local_slug", "local")
	v.SetDefault("local_name", "Local Host")

	v.SetDefault("agent.server_url", "http://127.0.0.1:1616")
	v.SetDefault("agent.username", "")
	v.SetDefault("agent.password", "")
	v.SetDefault("agent.slug", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.interval", "5s")
	v.SetDefault("agent.state_file", "talonscope-agent.yaml")
	v.SetDefault("agent.disks", []string{})
	v.SetDefault("agent.timeout", "10s")
}

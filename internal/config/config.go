package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Warmth   WarmthConfig   `json:"warmth"`
	Jobs     JobsConfig     `json:"jobs"`
	Alerts   AlertsConfig   `json:"alerts"`
	Notify   NotifyConfig   `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	// CronSecret guards the cron endpoints when set.
	CronSecret string `json:"cron_secret"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory. Empty picks postgres when a DSN
	// is set and memory otherwise.
	Driver   string         `json:"driver"`
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type WarmthConfig struct {
	// TauDays overrides the decay time constant per mode, in days.
	TauDays          map[string]float64  `json:"tau_days,omitempty"`
	Bands            *warmth.Thresholds  `json:"bands,omitempty"`
	HysteresisMargin *float64            `json:"hysteresis_margin,omitempty"`
	ReachoutScore    float64             `json:"reachout_score"`
	Contribution     *ContributionConfig `json:"contribution,omitempty"`
	CacheFreshness   Duration            `json:"cache_freshness"`
}

type ContributionConfig struct {
	Cap   float64 `json:"cap"`
	Scale float64 `json:"scale"`
}

type JobsConfig struct {
	PageSize    int      `json:"page_size"`
	Concurrency int      `json:"concurrency"`
	RowTimeout  Duration `json:"row_timeout"`
}

type AlertsConfig struct {
	Cooldown Duration `json:"cooldown"`
	// ConsumeStream makes warmthd evaluate transitions read from Redis
	// instead of those produced in process.
	ConsumeStream bool `json:"consume_stream"`
	// ConsumerGroup and ConsumerName identify the stream reader so entries
	// published while warmthd is down are delivered on restart.
	ConsumerGroup string `json:"consumer_group"`
	ConsumerName  string `json:"consumer_name"`
	// WatchedOnly limits alerts to contacts with a watch whose threshold
	// the score has dropped below.
	WatchedOnly bool `json:"watched_only"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration read from JSON as "90s", "5m", "7d" or a
// number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(n * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string or number: %s", b)
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ParseDuration extends time.ParseDuration with a whole "d" (day) suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return v, nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		if c.Database.Postgres.DSN != "" {
			c.Database.Driver = DriverPostgres
		} else {
			c.Database.Driver = DriverMemory
		}
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "data/warmth.db"
	}
	if c.Warmth.Bands == nil {
		t := warmth.DefaultThresholds()
		c.Warmth.Bands = &t
	}
	if c.Warmth.HysteresisMargin == nil {
		m := 2.0
		c.Warmth.HysteresisMargin = &m
	}
	if c.Warmth.ReachoutScore == 0 {
		c.Warmth.ReachoutScore = warmth.DefaultDecayConfig().ReachoutScore
	}
	if c.Warmth.Contribution == nil {
		d := warmth.DefaultContributionConfig()
		c.Warmth.Contribution = &ContributionConfig{Cap: d.Cap, Scale: d.Scale}
	}
	if c.Warmth.CacheFreshness == 0 {
		c.Warmth.CacheFreshness = Duration(5 * time.Minute)
	}
	if c.Jobs.PageSize == 0 {
		c.Jobs.PageSize = 500
	}
	if c.Jobs.Concurrency == 0 {
		c.Jobs.Concurrency = 8
	}
	if c.Jobs.RowTimeout == 0 {
		c.Jobs.RowTimeout = Duration(5 * time.Second)
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = Duration(7 * 24 * time.Hour)
	}
	if c.Alerts.ConsumerGroup == "" {
		c.Alerts.ConsumerGroup = "warmth-alerts"
	}
	if c.Alerts.ConsumerName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Alerts.ConsumerName = host
		} else {
			c.Alerts.ConsumerName = "warmthd"
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn is required for the postgres driver")
		}
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if _, err := warmth.NewDecay(c.DecayConfig()); err != nil {
		return fmt.Errorf("warmth.tau_days: %w", err)
	}
	if _, err := warmth.NewBander(*c.Warmth.Bands, *c.Warmth.HysteresisMargin); err != nil {
		return fmt.Errorf("warmth.bands: %w", err)
	}
	if c.Warmth.ReachoutScore <= 0 || c.Warmth.ReachoutScore >= warmth.MaxScore {
		return fmt.Errorf("warmth.reachout_score must be in (0,100), got %v", c.Warmth.ReachoutScore)
	}
	if c.Warmth.Contribution.Cap <= 0 || c.Warmth.Contribution.Cap > warmth.MaxScore || c.Warmth.Contribution.Scale <= 0 {
		return fmt.Errorf("warmth.contribution needs 0 < cap <= 100 and scale > 0, got %+v", *c.Warmth.Contribution)
	}
	if c.Warmth.CacheFreshness < 0 {
		return fmt.Errorf("warmth.cache_freshness must not be negative")
	}
	if c.Jobs.PageSize < 0 || c.Jobs.Concurrency < 0 || c.Jobs.RowTimeout < 0 {
		return fmt.Errorf("jobs settings must be positive: %+v", c.Jobs)
	}
	if c.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must not be negative")
	}
	if c.Alerts.ConsumeStream && c.Database.Redis.URL == "" {
		return fmt.Errorf("alerts.consume_stream requires database.redis.url")
	}
	if s := c.Notify.Slack; s.Enabled && (s.BotToken == "" || s.ChannelID == "") {
		return fmt.Errorf("notify.slack needs bot_token and channel_id when enabled")
	}
	if d := c.Notify.Discord; d.Enabled && (d.BotToken == "" || d.ChannelID == "") {
		return fmt.Errorf("notify.discord needs bot_token and channel_id when enabled")
	}
	return nil
}

// DecayConfig builds the decay table, applying tau_days overrides.
func (c *Config) DecayConfig() warmth.DecayConfig {
	dc := warmth.DefaultDecayConfig()
	for name, days := range c.Warmth.TauDays {
		dc.Tau[warmth.Mode(strings.ToLower(name))] = time.Duration(days * float64(24*time.Hour))
	}
	if c.Warmth.ReachoutScore > 0 {
		dc.ReachoutScore = c.Warmth.ReachoutScore
	}
	return dc
}

// ContributionConfig returns the interaction boost curve.
func (c *Config) ContributionConfig() warmth.ContributionConfig {
	if c.Warmth.Contribution == nil {
		return warmth.DefaultContributionConfig()
	}
	return warmth.ContributionConfig{Cap: c.Warmth.Contribution.Cap, Scale: c.Warmth.Contribution.Scale}
}

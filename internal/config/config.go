package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level feedgate configuration.
type Config struct {
	DataDir  string         `json:"data_dir"`
	Telegram TelegramConfig `json:"telegram"`
	Site     SiteConfig     `json:"site"`
	Limits   LimitsConfig   `json:"limits"`
	API      APIConfig      `json:"api"`
	Digest   DigestConfig   `json:"digest"`
	Slack    *SlackConfig   `json:"slack,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	GroupID   int64   `json:"group_id"`
	AllowFrom []int64 `json:"allow_from,omitempty"`
}

// SiteConfig holds the outbound session settings.
type SiteConfig struct {
	Endpoint           string `json:"endpoint"`       // ws:// or wss:// URL
	AccessToken        string `json:"access_token"`   // bearer credential, obtained out-of-band
	SigningSecret      string `json:"signing_secret"` // shared HMAC secret
	HeartbeatIntervalS int    `json:"heartbeat_interval_s,omitempty"` // default 20
	BaseBackoffS       int    `json:"base_backoff_s,omitempty"`       // default 5
	MaxBackoffS        int    `json:"max_backoff_s,omitempty"`        // default 300
}

// LimitsConfig holds the per-user submission policy.
type LimitsConfig struct {
	MaxRequests int `json:"max_requests,omitempty"` // default 5
	WindowS     int `json:"window_s,omitempty"`     // default 600
}

// APIConfig holds admin API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// DigestConfig holds the stats digest schedule.
type DigestConfig struct {
	Schedule string `json:"schedule,omitempty"` // cron expression, default "0 9 * * *"
}

// SlackConfig holds the optional Slack front end settings.
type SlackConfig struct {
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds the config from environment variables with a FEEDGATE_
// prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir: getenv("FEEDGATE_DATA_DIR", "/data"),
		Telegram: TelegramConfig{
			Token:   os.Getenv("FEEDGATE_TELEGRAM_TOKEN"),
			GroupID: getenvInt64("FEEDGATE_TELEGRAM_GROUP_ID", 0),
		},
		Site: SiteConfig{
			Endpoint:           os.Getenv("FEEDGATE_SITE_ENDPOINT"),
			AccessToken:        os.Getenv("FEEDGATE_SITE_ACCESS_TOKEN"),
			SigningSecret:      os.Getenv("FEEDGATE_SIGNING_SECRET"),
			HeartbeatIntervalS: getenvInt("FEEDGATE_HEARTBEAT_INTERVAL", 0),
			BaseBackoffS:       getenvInt("FEEDGATE_BASE_BACKOFF", 0),
			MaxBackoffS:        getenvInt("FEEDGATE_MAX_BACKOFF", 0),
		},
		Limits: LimitsConfig{
			MaxRequests: getenvInt("FEEDGATE_RATE_MAX", 0),
			WindowS:     getenvInt("FEEDGATE_RATE_WINDOW", 0),
		},
		API: APIConfig{
			Host: getenv("FEEDGATE_API_HOST", "0.0.0.0"),
			Port: getenvInt("FEEDGATE_API_PORT", 8080),
			Key:  os.Getenv("FEEDGATE_API_KEY"),
		},
		Digest: DigestConfig{
			Schedule: os.Getenv("FEEDGATE_DIGEST_SCHEDULE"),
		},
	}

	if ids := os.Getenv("FEEDGATE_TELEGRAM_ALLOW_FROM"); ids != "" {
		parsed, err := parseInt64List(ids)
		if err != nil {
			return nil, fmt.Errorf("config: FEEDGATE_TELEGRAM_ALLOW_FROM: %w", err)
		}
		cfg.Telegram.AllowFrom = parsed
	}

	if bot := os.Getenv("FEEDGATE_SLACK_BOT_TOKEN"); bot != "" {
		cfg.Slack = &SlackConfig{
			BotToken: bot,
			AppToken: os.Getenv("FEEDGATE_SLACK_APP_TOKEN"),
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Site.HeartbeatIntervalS == 0 {
		c.Site.HeartbeatIntervalS = 20
	}
	if c.Site.BaseBackoffS == 0 {
		c.Site.BaseBackoffS = 5
	}
	if c.Site.MaxBackoffS == 0 {
		c.Site.MaxBackoffS = 300
	}
	if c.Limits.MaxRequests == 0 {
		c.Limits.MaxRequests = 5
	}
	if c.Limits.WindowS == 0 {
		c.Limits.WindowS = 600
	}
	if c.Digest.Schedule == "" {
		c.Digest.Schedule = "0 9 * * *"
	}
}

// Validate checks for required fields, collecting every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	if c.Telegram.GroupID == 0 {
		errs = append(errs, "telegram.group_id is required")
	}
	if c.Site.Endpoint == "" {
		errs = append(errs, "site.endpoint is required")
	} else if !strings.HasPrefix(c.Site.Endpoint, "ws://") && !strings.HasPrefix(c.Site.Endpoint, "wss://") {
		errs = append(errs, "site.endpoint must be a ws:// or wss:// URL")
	}
	if c.Site.AccessToken == "" {
		errs = append(errs, "site.access_token is required")
	}
	if c.Site.SigningSecret == "" {
		errs = append(errs, "site.signing_secret is required")
	}
	if c.Slack != nil {
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *SiteConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

// BaseBackoff returns the reconnect base backoff as a duration.
func (c *SiteConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffS) * time.Second
}

// MaxBackoff returns the reconnect backoff cap as a duration.
func (c *SiteConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffS) * time.Second
}

// Window returns the rate-limit window as a duration.
func (c *LimitsConfig) Window() time.Duration {
	return time.Duration(c.WindowS) * time.Second
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}

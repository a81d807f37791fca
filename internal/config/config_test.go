package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `{
	"data_dir": "/tmp/feedgate",
	"telegram": {"token": "123:abc", "group_id": -100200300},
	"site": {
		"endpoint": "wss://example.com/relay",
		"access_token": "tok",
		"signing_secret": "sek"
	},
	"api": {"host": "127.0.0.1", "port": 9090, "api_key": "k"}
}`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Telegram.GroupID != -100200300 {
		t.Errorf("group id = %d", cfg.Telegram.GroupID)
	}
	if cfg.Site.Endpoint != "wss://example.com/relay" {
		t.Errorf("endpoint = %s", cfg.Site.Endpoint)
	}

	// Defaults fill the omitted knobs.
	if cfg.Site.HeartbeatInterval() != 20*time.Second {
		t.Errorf("heartbeat = %v", cfg.Site.HeartbeatInterval())
	}
	if cfg.Site.BaseBackoff() != 5*time.Second || cfg.Site.MaxBackoff() != 5*time.Minute {
		t.Errorf("backoff = %v / %v", cfg.Site.BaseBackoff(), cfg.Site.MaxBackoff())
	}
	if cfg.Limits.MaxRequests != 5 || cfg.Limits.Window() != 10*time.Minute {
		t.Errorf("limits = %d per %v", cfg.Limits.MaxRequests, cfg.Limits.Window())
	}
	if cfg.Digest.Schedule != "0 9 * * *" {
		t.Errorf("digest schedule = %q", cfg.Digest.Schedule)
	}
	if cfg.Slack != nil {
		t.Error("slack should be absent by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	if _, err := Load(writeConfig(t, "{not json")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	_, err := Load(writeConfig(t, `{"site": {"endpoint": "https://example.com"}}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"data_dir is required",
		"telegram.token is required",
		"telegram.group_id is required",
		"site.endpoint must be a ws:// or wss:// URL",
		"site.access_token is required",
		"site.signing_secret is required",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateSlackRequiresBothTokens(t *testing.T) {
	cfg := `{
		"data_dir": "/tmp/feedgate",
		"telegram": {"token": "123:abc", "group_id": 1},
		"site": {"endpoint": "ws://x", "access_token": "t", "signing_secret": "s"},
		"slack": {"bot_token": "xoxb-1"}
	}`
	_, err := Load(writeConfig(t, cfg))
	if err == nil || !strings.Contains(err.Error(), "slack.app_token is required") {
		t.Fatalf("expected slack validation error, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEEDGATE_DATA_DIR", "/var/feedgate")
	t.Setenv("FEEDGATE_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("FEEDGATE_TELEGRAM_GROUP_ID", "-42")
	t.Setenv("FEEDGATE_TELEGRAM_ALLOW_FROM", "10, 20,30")
	t.Setenv("FEEDGATE_SITE_ENDPOINT", "ws://site.local/relay")
	t.Setenv("FEEDGATE_SITE_ACCESS_TOKEN", "tok")
	t.Setenv("FEEDGATE_SIGNING_SECRET", "sek")
	t.Setenv("FEEDGATE_RATE_MAX", "3")
	t.Setenv("FEEDGATE_RATE_WINDOW", "120")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.DataDir != "/var/feedgate" || cfg.Telegram.GroupID != -42 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Telegram.AllowFrom) != 3 || cfg.Telegram.AllowFrom[1] != 20 {
		t.Errorf("allow_from = %v", cfg.Telegram.AllowFrom)
	}
	if cfg.Limits.MaxRequests != 3 || cfg.Limits.Window() != 2*time.Minute {
		t.Errorf("limits = %d per %v", cfg.Limits.MaxRequests, cfg.Limits.Window())
	}
	if cfg.API.Port != 8080 {
		t.Errorf("default api port = %d", cfg.API.Port)
	}
}

func TestLoadFromEnvBadAllowList(t *testing.T) {
	t.Setenv("FEEDGATE_DATA_DIR", "/var/feedgate")
	t.Setenv("FEEDGATE_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("FEEDGATE_TELEGRAM_GROUP_ID", "-42")
	t.Setenv("FEEDGATE_TELEGRAM_ALLOW_FROM", "10,banana")
	t.Setenv("FEEDGATE_SITE_ENDPOINT", "ws://site.local/relay")
	t.Setenv("FEEDGATE_SITE_ACCESS_TOKEN", "tok")
	t.Setenv("FEEDGATE_SIGNING_SECRET", "sek")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for malformed allow list")
	}
}

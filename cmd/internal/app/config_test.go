package app

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("SENTINEL_API_URL", "https://ops.example.com/")
	t.Setenv("SENTINEL_RECONNECT_ATTEMPTS", "0")
	t.Setenv("SENTINEL_RECONNECT_DELAY", "250ms")
	t.Setenv("SENTINEL_LOG_FORMAT", "Pretty")
	t.Setenv("SENTINEL_STATE_FILE", StateMemory)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIURL != "https://ops.example.com" {
		t.Fatalf("APIURL=%q", cfg.APIURL)
	}
	if cfg.PushURL() != "wss://ops.example.com/ws" {
		t.Fatalf("PushURL=%q", cfg.PushURL())
	}
	if cfg.ReconnectAttempts != 0 || cfg.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("reconnect=%d/%v", cfg.ReconnectAttempts, cfg.ReconnectDelay)
	}
	if cfg.LogFormat != "pretty" {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
	if p, err := cfg.StatePath(); err != nil || p != "" {
		t.Fatalf("StatePath=(%q,%v) want in-memory", p, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ReconnectAttempts != 5 || cfg.ReconnectDelay != 3*time.Second {
		t.Fatalf("reconnect=%d/%v want 5/3s", cfg.ReconnectAttempts, cfg.ReconnectDelay)
	}
	if cfg.PushURL() != "ws://127.0.0.1:8088/ws" {
		t.Fatalf("PushURL=%q", cfg.PushURL())
	}
}

func TestConfig_ExplicitWSURLWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WSURL = " wss://push.example.com/socket "
	cfg, err := cfg.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.PushURL() != "wss://push.example.com/socket" {
		t.Fatalf("PushURL=%q", cfg.PushURL())
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "relative api url", mutate: func(c *Config) { c.APIURL = "/api" }},
		{name: "ftp api url", mutate: func(c *Config) { c.APIURL = "ftp://x" }},
		{name: "http ws url", mutate: func(c *Config) { c.WSURL = "http://x/ws" }},
		{name: "negative attempts", mutate: func(c *Config) { c.ReconnectAttempts = -1 }},
		{name: "zero delay", mutate: func(c *Config) { c.ReconnectDelay = 0 }},
		{name: "zero refresh timeout", mutate: func(c *Config) { c.RefreshTimeout = 0 }},
		{name: "log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
		{name: "notify format", mutate: func(c *Config) { c.NotifyFormat = "toast" }},
		{name: "queue", mutate: func(c *Config) { c.NotifyQueue = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
				t.Fatalf("Validate()=%v want ErrConfig", err)
			}
		})
	}
}

func TestConfig_StatePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateFile = filepath.Join("tmp", "s.yaml")
	if p, err := cfg.StatePath(); err != nil || p != filepath.Join("tmp", "s.yaml") {
		t.Fatalf("StatePath=(%q,%v)", p, err)
	}

	cfg.StateFile = ""
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	p, err := cfg.StatePath()
	if err != nil {
		t.Fatalf("StatePath: %v", err)
	}
	if !strings.HasSuffix(p, filepath.Join("sentinel", "state.yaml")) {
		t.Fatalf("StatePath=%q", p)
	}
}

func TestWSURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8088", want: "ws://127.0.0.1:8088/ws"},
		{in: "https://ops.example.com", want: "wss://ops.example.com/ws"},
		{in: "https://ops.example.com/platform/", want: "wss://ops.example.com/platform/ws"},
		{in: "127.0.0.1:8088", want: "ws://127.0.0.1:8088/ws"},
	}

	for _, tc := range cases {
		got, err := wsURL(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("wsURL(%q)=(%q,%v) want %q", tc.in, got, err, tc.want)
		}
	}
}

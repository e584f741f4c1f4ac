package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// StateMemory as StateFile keeps the session in process memory only.
const StateMemory = "memory"

// Config contains the client runtime configuration, read from SENTINEL_* variables.
type Config struct {
	APIURL string `env:"API_URL" envDefault:"http://127.0.0.1:8088"`
	// WSURL defaults to APIURL with a ws(s) scheme and the /ws path.
	WSURL string `env:"WS_URL"`

	// StateFile holds the credential, profile and refresh cookie between runs.
	// Empty means the user config dir; StateMemory disables persistence.
	StateFile string `env:"STATE_FILE"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"10s"`
	RevokeTimeout  time.Duration `env:"REVOKE_TIMEOUT" envDefault:"5s"`

	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	NotifyFormat string `env:"NOTIFY_FORMAT" envDefault:"text"`
	NotifyQueue  int    `env:"NOTIFY_QUEUE" envDefault:"64"`
	NoColor      bool   `env:"NO_COLOR"`

	// MetricsAddr enables the /metrics listener when set.
	MetricsAddr string `env:"METRICS_ADDR"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ErrConfig reports an unusable configuration.
var ErrConfig = errors.New("app: invalid config")

// LoadConfig parses SENTINEL_* variables into a validated Config.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "SENTINEL_"})
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg.normalize()
}

// DefaultConfig returns the documented defaults without reading the environment.
func DefaultConfig() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{
		Prefix:      "SENTINEL_",
		Environment: map[string]string{},
	})
	if err != nil {
		panic(err)
	}
	cfg, err = cfg.normalize()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Normalize cleans up fields overridden after loading and validates the result.
func (c Config) Normalize() (Config, error) {
	return c.normalize()
}

func (c Config) normalize() (Config, error) {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.NotifyFormat = strings.ToLower(strings.TrimSpace(c.NotifyFormat))
	c.WSURL = strings.TrimSpace(c.WSURL)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks ranges that env parsing cannot express.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	switch {
	case err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https"):
		return fmt.Errorf("%w: api url must be an absolute http(s) url, got %q", ErrConfig, c.APIURL)
	case c.WSURL != "" && !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://"):
		return fmt.Errorf("%w: websocket url must use ws or wss, got %q", ErrConfig, c.WSURL)
	case c.ReconnectAttempts < 0:
		return fmt.Errorf("%w: reconnect attempts must be >= 0", ErrConfig)
	case c.ReconnectDelay <= 0 || c.DialTimeout <= 0:
		return fmt.Errorf("%w: reconnect delay and dial timeout must be > 0", ErrConfig)
	case c.RequestTimeout <= 0 || c.RefreshTimeout <= 0 || c.RevokeTimeout <= 0:
		return fmt.Errorf("%w: request, refresh and revoke timeouts must be > 0", ErrConfig)
	case c.NotifyQueue <= 0:
		return fmt.Errorf("%w: notify queue must be > 0", ErrConfig)
	}

	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.LogFormat)
	}
	switch c.NotifyFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown notify format %q", ErrConfig, c.NotifyFormat)
	}
	return nil
}

// PushURL is WSURL, or the /ws endpoint on the API origin when unset.
func (c Config) PushURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	ws, err := wsURL(c.APIURL)
	if err != nil {
		return ""
	}
	return ws
}

// StatePath resolves StateFile. An empty result means in-memory state.
func (c Config) StatePath() (string, error) {
	p := strings.TrimSpace(c.StateFile)
	switch p {
	case StateMemory:
		return "", nil
	case "":
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("%w: no state file and no user config dir: %w", ErrConfig, err)
		}
		return filepath.Join(dir, "sentinel", "state.yaml"), nil
	default:
		return p, nil
	}
}

// wsURL derives the push channel endpoint from the API origin.
func wsURL(apiURL string) (string, error) {
	raw := strings.TrimSpace(apiURL)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: cannot derive websocket url from %q", ErrConfig, apiURL)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the dev backend configuration, read from SENTINEL_DEV_* variables.
type Config struct {
	Addr   string `env:"ADDR" envDefault:"127.0.0.1:8088"`
	Issuer string `env:"ISSUER" envDefault:"sentinel-dev"`

	// Access tokens are short so the expiry/refresh path is exercised during manual runs.
	AccessTTL  time.Duration `env:"ACCESS_TTL" envDefault:"2m"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"24h"`
	ClockSkew  time.Duration `env:"CLOCK_SKEW" envDefault:"0s"`

	// PasetoSecretHex is an Ed25519 v4 secret key. A fresh key is generated when empty.
	PasetoSecretHex string `env:"PASETO_SECRET_HEX"`
	// RefreshHMACKey keys refresh-token hashes. A random key is used when empty.
	RefreshHMACKey    string `env:"REFRESH_HMAC_KEY"`
	RefreshTokenBytes int    `env:"REFRESH_TOKEN_BYTES" envDefault:"32"`

	// Users is a comma separated list of username:password:role seeds.
	Users []string `env:"USERS" envDefault:"admin:admin:admin,root:root:superadmin,ops:ops:user" envSeparator:","`

	EmitInterval time.Duration `env:"EMIT_INTERVAL" envDefault:"15s"`
	AlertHistory int           `env:"ALERT_HISTORY" envDefault:"200"`

	LoginRate  float64 `env:"LOGIN_RATE" envDefault:"1"`
	LoginBurst int     `env:"LOGIN_BURST" envDefault:"5"`

	WSHeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSWriteTimeout      time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSSendQueue         int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	WSRateEvents        int           `env:"WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow        time.Duration `env:"WS_RATE_WINDOW" envDefault:"10s"`
	// AllowedOrigins applies to browser clients only; requests without Origin are accepted.
	AllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`

	CookieName   string `env:"COOKIE_NAME" envDefault:"refresh_token"`
	CookiePath   string `env:"COOKIE_PATH" envDefault:"/auth"`
	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"false"`

	TrustProxy   bool  `env:"TRUST_PROXY" envDefault:"false"`
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"65536"`

	// Argon2 cost for seeded users. The defaults favour fast startup over hardness.
	Argon2MemoryKiB  uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"8192"`
	Argon2Iterations uint32 `env:"ARGON2_ITERATIONS" envDefault:"1"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ErrConfig reports an unusable configuration.
var ErrConfig = errors.New("devserver: invalid config")

// LoadConfig parses SENTINEL_DEV_* variables into a validated Config.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "SENTINEL_DEV_"})
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the documented defaults without reading the environment.
func DefaultConfig() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{
		Prefix:      "SENTINEL_DEV_",
		Environment: map[string]string{},
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks ranges that env parsing cannot express.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Issuer) == "":
		return fmt.Errorf("%w: issuer is required", ErrConfig)
	case c.AccessTTL <= 0:
		return fmt.Errorf("%w: access ttl must be > 0", ErrConfig)
	case c.RefreshTTL < c.AccessTTL:
		return fmt.Errorf("%w: refresh ttl must be >= access ttl", ErrConfig)
	case c.ClockSkew < 0:
		return fmt.Errorf("%w: clock skew must be >= 0", ErrConfig)
	case c.RefreshTokenBytes < 16 || c.RefreshTokenBytes > 128:
		return fmt.Errorf("%w: refresh token bytes out of range [16..128]", ErrConfig)
	case c.LoginRate <= 0 || c.LoginBurst <= 0:
		return fmt.Errorf("%w: login rate and burst must be > 0", ErrConfig)
	case c.WSHeartbeatInterval <= 0 || c.WSHeartbeatTimeout <= 0 || c.WSWriteTimeout <= 0:
		return fmt.Errorf("%w: websocket timings must be > 0", ErrConfig)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: max body bytes must be > 0", ErrConfig)
	case strings.TrimSpace(c.CookieName) == "":
		return fmt.Errorf("%w: cookie name is required", ErrConfig)
	}
	return nil
}

func (c Config) cookieSameSite() http.SameSite {
	if c.CookieSecure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

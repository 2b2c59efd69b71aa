package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Push transport names.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportNone      = "none"
)

// Config is the full client configuration.
type Config struct {
	API       APIConfig       `yaml:"api" toml:"api"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Push      PushConfig      `yaml:"push" toml:"push"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Poll      PollConfig      `yaml:"poll" toml:"poll"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// APIConfig holds settings for the REST API.
type APIConfig struct {
	BaseURL        string   `yaml:"base_url" toml:"base_url"`
	UserAgent      string   `yaml:"user_agent" toml:"user_agent"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// AuthConfig holds credential renewal settings.
type AuthConfig struct {
	RefreshPath  string   `yaml:"refresh_path" toml:"refresh_path"`
	RenewTimeout Duration `yaml:"renew_timeout" toml:"renew_timeout"`
	ExpirySkew   Duration `yaml:"expiry_skew" toml:"expiry_skew"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	RefreshToken string   `yaml:"refresh_token" toml:"refresh_token"`
}

// PushConfig selects and tunes the push transport.
type PushConfig struct {
	Transport        string   `yaml:"transport" toml:"transport"`
	WebSocketURL     string   `yaml:"websocket_url" toml:"websocket_url"`
	NATSURL          string   `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix    string   `yaml:"subject_prefix" toml:"subject_prefix"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	ReadTimeout      Duration `yaml:"read_timeout" toml:"read_timeout"`
	PingInterval     Duration `yaml:"ping_interval" toml:"ping_interval"`
	MaxMessageSize   int64    `yaml:"max_message_size" toml:"max_message_size"`
}

// ReconnectConfig is the push reconnect and fallback policy.
type ReconnectConfig struct {
	Base Duration `yaml:"base" toml:"base"`
	Cap  Duration `yaml:"cap" toml:"cap"`
	// FallbackAfter is the number of consecutive failed reconnect attempts
	// before switching to long-polling. 0 falls back on the first failure,
	// a negative value never falls back.
	FallbackAfter     int      `yaml:"fallback_after" toml:"fallback_after"`
	PushRetryInterval Duration `yaml:"push_retry_interval" toml:"push_retry_interval"`
}

// PollConfig tunes the long-poll transport.
type PollConfig struct {
	Hold             Duration `yaml:"hold" toml:"hold"`
	ClientTimeout    Duration `yaml:"client_timeout" toml:"client_timeout"`
	UnavailableAfter int      `yaml:"unavailable_after" toml:"unavailable_after"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			UserAgent:      "partysync/0.1",
			RequestTimeout: Duration(10 * time.Second),
		},
		Auth: AuthConfig{
			RefreshPath:  "/api/signup/auth/refresh/",
			RenewTimeout: Duration(10 * time.Second),
			ExpirySkew:   Duration(15 * time.Second),
		},
		Push: PushConfig{
			Transport:        TransportWebSocket,
			WebSocketURL:     "ws://localhost:8000",
			NATSURL:          "nats://localhost:4222",
			SubjectPrefix:    "partyboom.sync",
			HandshakeTimeout: Duration(10 * time.Second),
			ReadTimeout:      Duration(60 * time.Second),
			PingInterval:     Duration(30 * time.Second),
			MaxMessageSize:   64 * 1024,
		},
		Reconnect: ReconnectConfig{
			Base:              Duration(500 * time.Millisecond),
			Cap:               Duration(30 * time.Second),
			FallbackAfter:     3,
			PushRetryInterval: Duration(60 * time.Second),
		},
		Poll: PollConfig{
			Hold:             Duration(25 * time.Second),
			ClientTimeout:    Duration(30 * time.Second),
			UnavailableAfter: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads the config file at path (YAML or TOML, by extension), applies
// PARTYBOOM_* environment overrides and validates the result. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func applyEnv(cfg *Config) {
	cfg.API.BaseURL = getEnv("PARTYBOOM_API_URL", cfg.API.BaseURL)
	cfg.Push.Transport = getEnv("PARTYBOOM_PUSH_TRANSPORT", cfg.Push.Transport)
	cfg.Push.WebSocketURL = getEnv("PARTYBOOM_WS_URL", cfg.Push.WebSocketURL)
	cfg.Push.NATSURL = getEnv("PARTYBOOM_NATS_URL", cfg.Push.NATSURL)
	cfg.Auth.AccessToken = getEnv("PARTYBOOM_ACCESS_TOKEN", cfg.Auth.AccessToken)
	cfg.Auth.RefreshToken = getEnv("PARTYBOOM_REFRESH_TOKEN", cfg.Auth.RefreshToken)
	cfg.Reconnect.FallbackAfter = getEnvAsInt("PARTYBOOM_FALLBACK_AFTER", cfg.Reconnect.FallbackAfter)
	cfg.Log.Level = getEnv("PARTYBOOM_LOG_LEVEL", cfg.Log.Level)
}

// Validate reports every invalid setting, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	switch c.Push.Transport {
	case TransportWebSocket:
		if strings.TrimSpace(c.Push.WebSocketURL) == "" {
			errs = append(errs, errors.New("push.websocket_url is required for the websocket transport"))
		}
	case TransportNATS:
		if strings.TrimSpace(c.Push.NATSURL) == "" {
			errs = append(errs, errors.New("push.nats_url is required for the nats transport"))
		}
	case TransportNone:
	default:
		errs = append(errs, fmt.Errorf("push.transport %q is not one of websocket, nats, none", c.Push.Transport))
	}
	if c.Reconnect.Base <= 0 {
		errs = append(errs, errors.New("reconnect.base must be positive"))
	}
	if c.Reconnect.Cap < c.Reconnect.Base {
		errs = append(errs, errors.New("reconnect.cap must be >= reconnect.base"))
	}
	if c.Poll.ClientTimeout > 0 && c.Poll.ClientTimeout <= c.Poll.Hold {
		errs = append(errs, errors.New("poll.client_timeout must exceed poll.hold"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

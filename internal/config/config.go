// Package config loads relay settings from .env, an optional YAML file and the
// environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	defaultAPIAddr           = ":3000"
	defaultLobbyTTLSec       = 60 * 60
	defaultNATSSubjectPrefix = "ldn.lobby"
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultTimeoutAction     = "disconnect"
	defaultMaxIDAttempts     = 10
	defaultWSMaxMessageBytes = 4096
	defaultWSSendBuffer      = 256
	defaultWSWriteTimeout    = 10 * time.Second
	defaultWSPingInterval    = 30 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = "console"
)

// the browser extension talks to the relay from its own origin
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:8080",
	"chrome-extension://*",
}

type Config struct {
	APIAddr   string `yaml:"api_addr"`
	RedisAddr string `yaml:"redis_addr"` // empty keeps the lobby directory in memory
	LobbyTTL  int    `yaml:"lobby_ttl_sec"`

	NATSURL           string `yaml:"nats_url"` // empty disables lifecycle events
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatTimeoutAction string        `yaml:"heartbeat_timeout_action"`
	MaxIDAttempts          int           `yaml:"max_id_attempts"`

	WSMaxMessageBytes int           `yaml:"ws_max_message_bytes"`
	WSSendBuffer      int           `yaml:"ws_send_buffer"`
	WSWriteTimeout    time.Duration `yaml:"ws_write_timeout"`
	WSPingInterval    time.Duration `yaml:"ws_ping_interval"`

	AllowedOrigin []string `yaml:"cors_allowed_origins"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		APIAddr:                defaultAPIAddr,
		LobbyTTL:               defaultLobbyTTLSec,
		NATSSubjectPrefix:      defaultNATSSubjectPrefix,
		HeartbeatInterval:      defaultHeartbeatInterval,
		HeartbeatTimeout:       defaultHeartbeatTimeout,
		HeartbeatTimeoutAction: defaultTimeoutAction,
		MaxIDAttempts:          defaultMaxIDAttempts,
		WSMaxMessageBytes:      defaultWSMaxMessageBytes,
		WSSendBuffer:           defaultWSSendBuffer,
		WSWriteTimeout:         defaultWSWriteTimeout,
		WSPingInterval:         defaultWSPingInterval,
		AllowedOrigin:          defaultAllowedOrigins,
		LogLevel:               defaultLogLevel,
		LogFormat:              defaultLogFormat,
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE, then the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile overlays the keys present in a YAML file onto cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIAddr = envOr("API_ADDR", cfg.APIAddr)
	cfg.RedisAddr = envOr("REDIS_ADDR", cfg.RedisAddr)
	cfg.LobbyTTL = envInt("LOBBY_TTL_SEC", cfg.LobbyTTL)
	cfg.NATSURL = envOr("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = envOr("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = envDuration("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.HeartbeatTimeoutAction = envOr("HEARTBEAT_TIMEOUT_ACTION", cfg.HeartbeatTimeoutAction)
	cfg.MaxIDAttempts = envInt("MAX_ID_ATTEMPTS", cfg.MaxIDAttempts)
	cfg.WSMaxMessageBytes = envInt("WS_MAX_MESSAGE_BYTES", cfg.WSMaxMessageBytes)
	cfg.WSSendBuffer = envInt("WS_SEND_BUFFER", cfg.WSSendBuffer)
	cfg.WSWriteTimeout = envDuration("WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSPingInterval = envDuration("WS_PING_INTERVAL", cfg.WSPingInterval)
	cfg.AllowedOrigin = envCSV("CORS_ALLOWED_ORIGINS", cfg.AllowedOrigin)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
}

func (c Config) validate() error {
	switch c.HeartbeatTimeoutAction {
	case "disconnect", "refresh":
	default:
		return fmt.Errorf("invalid heartbeat timeout action %q", c.HeartbeatTimeoutAction)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.HeartbeatTimeout > 0 && c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive when a timeout is set")
	}
	if c.LobbyTTL < 0 {
		return fmt.Errorf("invalid lobby ttl %d", c.LobbyTTL)
	}
	return nil
}

// LobbyTTLDuration is the directory reservation lifetime.
func (c Config) LobbyTTLDuration() time.Duration {
	return time.Duration(c.LobbyTTL) * time.Second
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("invalid integer, using default")
			return def
		}
		return i
	}
	return def
}

// envDuration accepts Go durations ("45s") or bare seconds ("45").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("invalid duration, using default")
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// Package config provides configuration management for assistchat.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the environment set a value.
const (
	DefaultServerAddr   = ":7080"
	DefaultPollInterval = time.Second
	DefaultSessionTTL   = 7 * 24 * time.Hour
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// Config holds all configuration for assistchat.
type Config struct {
	// OpenAIAPIKey is the credential for the assistant service. Required.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// AssistantID identifies the assistant configuration runs are bound to. Required.
	AssistantID string `yaml:"assistant_id"`

	// BaseURL overrides the assistant service endpoint (proxies, tests).
	BaseURL string `yaml:"base_url"`

	// PollInterval is the constant delay between run status queries.
	PollInterval time.Duration `yaml:"-"`

	// MaxPollAttempts bounds the status polling loop. 0 means unbounded.
	MaxPollAttempts int `yaml:"max_poll_attempts"`

	// SessionTTL is how long a persisted thread handle stays valid.
	SessionTTL time.Duration `yaml:"-"`

	// IdleTimeout is how long an inactive conversation stays mounted in memory.
	IdleTimeout time.Duration `yaml:"-"`

	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string `yaml:"server_addr"`

	// DataDir is the directory for persistent data (SQLite DB).
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// RedisAddr switches keyed session handles to Redis when set.
	RedisAddr string `yaml:"redis_addr"`

	// Slack integration (optional -- Socket Mode).
	// SlackBotToken is the Bot User OAuth Token (xoxb-...).
	SlackBotToken string `yaml:"slack_bot_token"`
	// SlackAppToken is the App-Level Token (xapp-...) required for Socket Mode.
	SlackAppToken string `yaml:"slack_app_token"`

	// TelegramBotToken is the token from @BotFather (optional -- long polling).
	TelegramBotToken string `yaml:"telegram_bot_token"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Raw duration strings from the YAML file.
	PollIntervalRaw string `yaml:"poll_interval"`
	SessionTTLRaw   string `yaml:"session_ttl"`
	IdleTimeoutRaw  string `yaml:"idle_timeout"`
}

// ConfigurationError reports required settings that are missing. It is fatal:
// no gateway may be constructed from a config that fails validation.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// Load builds a Config. If path is non-empty the YAML file is read first
// (with ${VAR} expansion); environment variables then override file values
// and defaults fill whatever is left.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := cfg.parseDurations(); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	cfg.OpenAIAPIKey = envOr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AssistantID = envOr("OPENAI_ASSISTANT_ID", cfg.AssistantID)
	cfg.BaseURL = envOr("OPENAI_BASE_URL", cfg.BaseURL)
	cfg.PollInterval = envOrDuration("ASSISTCHAT_POLL_INTERVAL", orDuration(cfg.PollInterval, DefaultPollInterval))
	cfg.MaxPollAttempts = envOrInt("ASSISTCHAT_MAX_POLL_ATTEMPTS", cfg.MaxPollAttempts)
	cfg.SessionTTL = envOrDuration("ASSISTCHAT_SESSION_TTL", orDuration(cfg.SessionTTL, DefaultSessionTTL))
	cfg.IdleTimeout = envOrDuration("ASSISTCHAT_IDLE_TIMEOUT", orDuration(cfg.IdleTimeout, DefaultIdleTimeout))
	cfg.ServerAddr = envOr("ASSISTCHAT_ADDR", orString(cfg.ServerAddr, DefaultServerAddr))
	cfg.DataDir = envOr("ASSISTCHAT_DATA_DIR", orString(cfg.DataDir, defaultDataDir()))
	cfg.DatabasePath = envOr("ASSISTCHAT_DB", orString(cfg.DatabasePath, filepath.Join(cfg.DataDir, "assistchat.db")))
	cfg.RedisAddr = envOr("ASSISTCHAT_REDIS_ADDR", cfg.RedisAddr)
	cfg.SlackBotToken = envOr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackAppToken = envOr("SLACK_APP_TOKEN", cfg.SlackAppToken)
	cfg.TelegramBotToken = envOr("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	cfg.LogLevel = envOr("ASSISTCHAT_LOG_LEVEL", orString(cfg.LogLevel, DefaultLogLevel))
	cfg.LogFormat = envOr("ASSISTCHAT_LOG_FORMAT", orString(cfg.LogFormat, DefaultLogFormat))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if strings.TrimSpace(c.AssistantID) == "" {
		missing = append(missing, "OPENAI_ASSISTANT_ID")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxPollAttempts < 0 {
		return fmt.Errorf("max poll attempts must not be negative, got %d", c.MaxPollAttempts)
	}
	return nil
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// RedisEnabled returns true if keyed session handles live in Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func (c *Config) parseDurations() error {
	if c.PollIntervalRaw != "" {
		d, err := time.ParseDuration(c.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		c.PollInterval = d
	}
	if c.SessionTTLRaw != "" {
		d, err := time.ParseDuration(c.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("session_ttl: %w", err)
		}
		c.SessionTTL = d
	}
	if c.IdleTimeoutRaw != "" {
		d, err := time.ParseDuration(c.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("idle_timeout: %w", err)
		}
		c.IdleTimeout = d
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value (empty if unset).
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".assistchat"
	}
	return filepath.Join(home, ".assistchat")
}

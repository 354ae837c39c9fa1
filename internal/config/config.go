package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	// Load a .env file from the working directory when present.
	_ "github.com/joho/godotenv/autoload"
)

// Config represents the global ~/.warelay/config.toml plus environment
// overrides. Zero values fall back to the defaults below.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`

	// Chat list retry policy for transient fetch failures.
	ChatRetries      int `toml:"chat_retries"`
	ChatRetryDelayMs int `toml:"chat_retry_delay_ms"`

	// Message fetch limits.
	MessageLimit   int `toml:"message_limit"`
	MediaScanLimit int `toml:"media_scan_limit"`

	// Self-healing reconnect policy after session loss.
	ReconnectDelayMs     int `toml:"reconnect_delay_ms"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`

	// Delay before the post-ready chat list broadcast.
	ReadySettleDelayMs int `toml:"ready_settle_delay_ms"`
}

// Defaults used when neither file nor environment provides a value.
const (
	DefaultPort                 = 3001
	DefaultSessionName          = "main"
	DefaultChatRetries          = 3
	DefaultChatRetryDelayMs     = 500
	DefaultMessageLimit         = 100
	DefaultMediaScanLimit       = 200
	DefaultReconnectDelayMs     = 5000
	DefaultMaxReconnectAttempts = 5
	DefaultReadySettleDelayMs   = 1000
)

// Load reads config from the given path, applies environment overrides and
// fills in defaults. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyEnv() {
	if v := envString("WARELAY_SESSION"); v != "" {
		c.DefaultSession = v
	}
	if v := envInt("WARELAY_PORT"); v > 0 {
		c.Port = v
	} else if v := envInt("PORT"); v > 0 {
		c.Port = v
	}
	if v := envString("WARELAY_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitOrigins(v)
	}
	if v := envInt("WARELAY_CHAT_RETRIES"); v > 0 {
		c.ChatRetries = v
	}
	if v := envInt("WARELAY_CHAT_RETRY_DELAY_MS"); v > 0 {
		c.ChatRetryDelayMs = v
	}
	if v := envInt("WARELAY_MAX_RECONNECT_ATTEMPTS"); v > 0 {
		c.MaxReconnectAttempts = v
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultSession == "" {
		c.DefaultSession = DefaultSessionName
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ChatRetries <= 0 {
		c.ChatRetries = DefaultChatRetries
	}
	if c.ChatRetryDelayMs <= 0 {
		c.ChatRetryDelayMs = DefaultChatRetryDelayMs
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = DefaultMessageLimit
	}
	if c.MediaScanLimit <= 0 {
		c.MediaScanLimit = DefaultMediaScanLimit
	}
	if c.ReconnectDelayMs <= 0 {
		c.ReconnectDelayMs = DefaultReconnectDelayMs
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReadySettleDelayMs <= 0 {
		c.ReadySettleDelayMs = DefaultReadySettleDelayMs
	}
}

// ChatRetryDelay returns the retry delay as a duration.
func (c *Config) ChatRetryDelay() time.Duration {
	return time.Duration(c.ChatRetryDelayMs) * time.Millisecond
}

// ReconnectDelay returns the reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// ReadySettleDelay returns the post-ready settle delay as a duration.
func (c *Config) ReadySettleDelay() time.Duration {
	return time.Duration(c.ReadySettleDelayMs) * time.Millisecond
}

func envString(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envInt(name string) int {
	v, err := strconv.Atoi(envString(name))
	if err != nil {
		return 0
	}
	return v
}

func splitOrigins(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

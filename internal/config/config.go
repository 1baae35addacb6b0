package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/socketutil"
)

const appName = "inferlink"

// Environment variables that override file settings.
const (
	EnvMode     = "INFERLINK_MODE"
	EnvSocket   = "INFERLINK_SOCKET"
	EnvURL      = "INFERLINK_URL"
	EnvLogLevel = "INFERLINK_LOG_LEVEL"
	EnvLogPath  = "INFERLINK_LOG_PATH"
)

// TransportConfig selects and tunes the connection to the inference server.
type TransportConfig struct {
	Mode                  string `json:"mode" yaml:"mode"` // auto, socket, http, websocket
	SocketPath            string `json:"socket_path" yaml:"socket_path"`
	HTTPBaseURL           string `json:"http_base_url" yaml:"http_base_url"`
	WebSocketURL          string `json:"websocket_url,omitempty" yaml:"websocket_url,omitempty"` // derived from http_base_url when empty
	CallTimeoutSeconds    int    `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	StreamTimeoutSeconds  int    `json:"stream_timeout_seconds" yaml:"stream_timeout_seconds"`
	ReconnectDelaySeconds int    `json:"reconnect_delay_seconds" yaml:"reconnect_delay_seconds"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
}

// ChatConfig holds request defaults.
type ChatConfig struct {
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"` // server default when unset
}

// Config is the complete client configuration.
type Config struct {
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	LogLevel  string          `json:"log_level" yaml:"log_level"` // debug, info, warn, error, none
	LogPath   string          `json:"log_path,omitempty" yaml:"log_path,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Mode:                  string(socketutil.ModeAuto),
			SocketPath:            consts.DefaultSocketPath,
			HTTPBaseURL:           consts.DefaultHTTPBaseURL,
			CallTimeoutSeconds:    int(consts.CallTimeout / time.Second),
			StreamTimeoutSeconds:  int(consts.StreamCallTimeout / time.Second),
			ReconnectDelaySeconds: int(consts.ReconnectDelay / time.Second),
			ConnectTimeoutSeconds: int(consts.ConnectTimeout / time.Second),
		},
		Chat: ChatConfig{
			MaxTokens: consts.DefaultMaxTokens,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from path, falling back to defaults when the
// file does not exist. Files ending in .yaml or .yml are read as YAML,
// everything else as JSON. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		// Unmarshal into default config (overrides only provided fields)
		if err := unmarshal(path, data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	config.fillDefaults()
	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func unmarshal(path string, data []byte, config *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, config)
	}
	return json.Unmarshal(data, config)
}

// fillDefaults restores zero-valued fields a partial file may have cleared.
func (c *Config) fillDefaults() {
	defaults := DefaultConfig()
	if c.Transport.Mode == "" {
		c.Transport.Mode = defaults.Transport.Mode
	}
	if c.Transport.SocketPath == "" {
		c.Transport.SocketPath = defaults.Transport.SocketPath
	}
	if c.Transport.HTTPBaseURL == "" {
		c.Transport.HTTPBaseURL = defaults.Transport.HTTPBaseURL
	}
	if c.Transport.CallTimeoutSeconds == 0 {
		c.Transport.CallTimeoutSeconds = defaults.Transport.CallTimeoutSeconds
	}
	if c.Transport.StreamTimeoutSeconds == 0 {
		c.Transport.StreamTimeoutSeconds = defaults.Transport.StreamTimeoutSeconds
	}
	if c.Transport.ReconnectDelaySeconds == 0 {
		c.Transport.ReconnectDelaySeconds = defaults.Transport.ReconnectDelaySeconds
	}
	if c.Transport.ConnectTimeoutSeconds == 0 {
		c.Transport.ConnectTimeoutSeconds = defaults.Transport.ConnectTimeoutSeconds
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = defaults.Chat.MaxTokens
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvMode); ok && v != "" {
		c.Transport.Mode = v
	}
	if v, ok := lookup(EnvSocket); ok && v != "" {
		c.Transport.SocketPath = v
	}
	if v, ok := lookup(EnvURL); ok && v != "" {
		c.Transport.HTTPBaseURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvLogPath); ok && v != "" {
		c.LogPath = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := socketutil.ParseMode(c.Transport.Mode); err != nil {
		return err
	}
	if c.Transport.CallTimeoutSeconds < 0 {
		return fmt.Errorf("call_timeout_seconds must not be negative")
	}
	if c.Transport.StreamTimeoutSeconds < 0 {
		return fmt.Errorf("stream_timeout_seconds must not be negative")
	}
	if c.Transport.ReconnectDelaySeconds < 0 {
		return fmt.Errorf("reconnect_delay_seconds must not be negative")
	}
	if c.Chat.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if t := c.Chat.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", *t)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "none", "off":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Mode returns the parsed transport mode, auto when invalid.
func (c *Config) Mode() socketutil.Mode {
	mode, err := socketutil.ParseMode(c.Transport.Mode)
	if err != nil {
		return socketutil.ModeAuto
	}
	return mode
}

// Level returns the parsed log level.
func (c *Config) Level() logger.Level {
	return logger.ParseLevel(c.LogLevel)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// CallTimeout is the budget of a non-streaming call.
func (t TransportConfig) CallTimeout() time.Duration { return seconds(t.CallTimeoutSeconds) }

// StreamTimeout is the budget of a streaming call.
func (t TransportConfig) StreamTimeout() time.Duration { return seconds(t.StreamTimeoutSeconds) }

// ReconnectDelay is the fixed delay between reconnect attempts.
func (t TransportConfig) ReconnectDelay() time.Duration { return seconds(t.ReconnectDelaySeconds) }

// ConnectTimeout bounds a single connect attempt.
func (t TransportConfig) ConnectTimeout() time.Duration { return seconds(t.ConnectTimeoutSeconds) }

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Chat.Temperature != nil {
		t := *c.Chat.Temperature
		clone.Chat.Temperature = &t
	}
	return &clone
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

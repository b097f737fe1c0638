// Package config handles configuration loading and management for Parley.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/internal/appdir"
	"github.com/parley-ai/parley/internal/secrets"
)

// EnvConfigPath overrides the configuration file location when set.
const EnvConfigPath = "PARLEYRC"

// Environment variables that override individual settings after the file
// is loaded. They take precedence over both the file and the keychain.
const (
	EnvBackendURL = "PARLEY_BACKEND_URL"
	EnvTeamID     = "PARLEY_TEAM_ID"
	EnvToken      = "PARLEY_TOKEN"
)

// BackendConfig describes the chat backend the orchestrator talks to.
type BackendConfig struct {
	// BaseURL is the backend chat API root, e.g. "http://localhost:8000/api/chat"
	BaseURL string
	// TeamID is the agent team that receives every message
	TeamID int64
	// Token is the bearer token. Prefer PARLEY_TOKEN or the OS keychain
	// over storing it in the file.
	Token string
	// TimeoutSeconds bounds non-streaming backend calls (default: 15)
	TimeoutSeconds int
}

// WebConfig describes the WebSocket gateway listener.
type WebConfig struct {
	// Host is the HTTP server host/IP address (default: 127.0.0.1)
	// Use "0.0.0.0" to listen on all interfaces
	Host string
	// Port is the HTTP server port (default: 8080)
	Port int
	// RateLimit is the per-client-IP request rate in requests per second
	// (default: 10). Zero disables rate limiting.
	RateLimit float64
	// RateBurst is the per-client-IP burst allowance (default: 20)
	RateBurst int
}

// LoggingConfig describes log output.
type LoggingConfig struct {
	// Level is the console log level: debug, info, warn, error (default: info)
	Level string
	// FileLevel is the file log level. Empty means same as Level.
	FileLevel string
	// File is the log file path. Empty disables file logging.
	File string
	// JSON switches console output to JSON lines
	JSON bool
	// Components restricts debug logging to the named components.
	// Empty means all components.
	Components []string
}

// ChatConfig describes session handling defaults.
type ChatConfig struct {
	// MaxSessions caps concurrently tracked sessions (default: 32)
	MaxSessions int
	// CancelTimeoutSeconds bounds the remote cancel call during stop (default: 5)
	CancelTimeoutSeconds int
	// FenceWindow is how many leading lines of a reply are scanned for an
	// opening code fence when classifying content (default: 2)
	FenceWindow int
	// ModelID selects a model override for every message. Empty uses the
	// team's configured bot model.
	ModelID string
	// WebSearch enables backend web search for every message
	WebSearch bool
	// SearchEngine names the search engine when WebSearch is on
	SearchEngine string
	// Clarification lets the backend ask clarifying questions before answering
	Clarification bool
}

// Config represents the complete Parley configuration.
type Config struct {
	// Backend contains chat backend connection settings
	Backend BackendConfig
	// Web contains WebSocket gateway configuration
	Web WebConfig
	// Logging contains log output configuration
	Logging LoggingConfig
	// Chat contains session handling defaults
	Chat ChatConfig
}

// rawConfig is used for YAML unmarshaling. Zero values mean "not set" and
// keep the default.
type rawConfig struct {
	Backend struct {
		BaseURL        string `yaml:"base_url"`
		TeamID         int64  `yaml:"team_id"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"backend"`
	Web struct {
		Host      string  `yaml:"host"`
		Port      int     `yaml:"port"`
		RateLimit float64 `yaml:"rate_limit"`
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"web"`
	Logging struct {
		Level      string   `yaml:"level"`
		FileLevel  string   `yaml:"file_level"`
		File       string   `yaml:"file"`
		JSON       bool     `yaml:"json"`
		Components []string `yaml:"components"`
	} `yaml:"logging"`
	Chat struct {
		MaxSessions          int    `yaml:"max_sessions"`
		CancelTimeoutSeconds int    `yaml:"cancel_timeout_seconds"`
		FenceWindow          int    `yaml:"fence_window"`
		ModelID              string `yaml:"model_id"`
		WebSearch            bool   `yaml:"web_search"`
		SearchEngine         string `yaml:"search_engine"`
		Clarification        bool   `yaml:"clarification"`
	} `yaml:"chat"`
}

// Default returns a configuration with every default filled in. Team 1 is
// the backend's seed team, so a fresh local install works without a file.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000/api/chat",
			TeamID:         1,
			TimeoutSeconds: 15,
		},
		Web: WebConfig{
			Host:      "127.0.0.1",
			Port:      8080,
			RateLimit: 10,
			RateBurst: 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Chat: ChatConfig{
			MaxSessions:          32,
			CancelTimeoutSeconds: 5,
			FenceWindow:          2,
		},
	}
}

// DefaultConfigPath returns the default configuration file path for the current platform.
func DefaultConfigPath() string {
	// Check for environment variable override first
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	// Use platform-specific config directory
	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = home // macOS traditionally uses ~/.parleyrc
	default: // linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = home
		}
	}

	return filepath.Join(configDir, ".parleyrc")
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data into a Config struct.
// Settings absent from the data keep their defaults.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()

	if raw.Backend.BaseURL != "" {
		cfg.Backend.BaseURL = raw.Backend.BaseURL
	}
	if raw.Backend.TeamID != 0 {
		cfg.Backend.TeamID = raw.Backend.TeamID
	}
	if raw.Backend.Token != "" {
		cfg.Backend.Token = raw.Backend.Token
	}
	if raw.Backend.TimeoutSeconds != 0 {
		cfg.Backend.TimeoutSeconds = raw.Backend.TimeoutSeconds
	}

	if raw.Web.Host != "" {
		cfg.Web.Host = raw.Web.Host
	}
	if raw.Web.Port != 0 {
		cfg.Web.Port = raw.Web.Port
	}
	if raw.Web.RateLimit != 0 {
		cfg.Web.RateLimit = raw.Web.RateLimit
	}
	if raw.Web.RateBurst != 0 {
		cfg.Web.RateBurst = raw.Web.RateBurst
	}

	if raw.Logging.Level != "" {
		cfg.Logging.Level = raw.Logging.Level
	}
	cfg.Logging.FileLevel = raw.Logging.FileLevel
	cfg.Logging.File = raw.Logging.File
	cfg.Logging.JSON = raw.Logging.JSON
	cfg.Logging.Components = raw.Logging.Components

	if raw.Chat.MaxSessions != 0 {
		cfg.Chat.MaxSessions = raw.Chat.MaxSessions
	}
	if raw.Chat.CancelTimeoutSeconds != 0 {
		cfg.Chat.CancelTimeoutSeconds = raw.Chat.CancelTimeoutSeconds
	}
	if raw.Chat.FenceWindow != 0 {
		cfg.Chat.FenceWindow = raw.Chat.FenceWindow
	}
	cfg.Chat.ModelID = raw.Chat.ModelID
	cfg.Chat.WebSearch = raw.Chat.WebSearch
	cfg.Chat.SearchEngine = raw.Chat.SearchEngine
	cfg.Chat.Clarification = raw.Chat.Clarification

	return cfg, nil
}

// ConfigSource indicates where the configuration was loaded from.
type ConfigSource int

const (
	// ConfigSourceNone indicates no configuration was loaded.
	ConfigSourceNone ConfigSource = iota
	// ConfigSourceDefaults indicates no file was found and built-in defaults apply.
	ConfigSourceDefaults
	// ConfigSourceAppDir indicates configuration was loaded from the Parley app directory.
	ConfigSourceAppDir
	// ConfigSourceRCFile indicates configuration was loaded from ~/.parleyrc or equivalent.
	ConfigSourceRCFile
	// ConfigSourceCustomFile indicates configuration was loaded from a custom file (--config flag).
	ConfigSourceCustomFile
)

// LoadResult contains the loaded configuration and metadata about its origin.
type LoadResult struct {
	// Config is the loaded configuration.
	Config *Config
	// Source indicates where the configuration came from.
	Source ConfigSource
	// SourcePath is the file the configuration was read from, empty for defaults.
	SourcePath string
}

// LoadWithFallback loads configuration using the standard lookup order:
//
//  1. customPath when non-empty (--config flag); missing file is an error
//  2. config.yaml in the Parley app directory
//  3. ~/.parleyrc (or platform equivalent, PARLEYRC override)
//  4. built-in defaults
//
// Environment overrides and the keychain token are applied afterwards in
// every case, then the result is validated.
func LoadWithFallback(customPath string) (*LoadResult, error) {
	result, err := loadFile(customPath)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(result.Config)
	loadKeychainToken(result.Config)

	if err := result.Config.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func loadFile(customPath string) (*LoadResult, error) {
	if customPath != "" {
		cfg, err := Load(customPath)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Config: cfg, Source: ConfigSourceCustomFile, SourcePath: customPath}, nil
	}

	appPath, err := appdir.ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(appPath); statErr == nil {
			cfg, err := Load(appPath)
			if err != nil {
				return nil, err
			}
			return &LoadResult{Config: cfg, Source: ConfigSourceAppDir, SourcePath: appPath}, nil
		}
	}

	rcPath := DefaultConfigPath()
	if _, statErr := os.Stat(rcPath); statErr == nil {
		cfg, err := Load(rcPath)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Config: cfg, Source: ConfigSourceRCFile, SourcePath: rcPath}, nil
	}

	return &LoadResult{Config: Default(), Source: ConfigSourceDefaults}, nil
}

// applyEnvOverrides applies PARLEY_* environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvTeamID); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Backend.TeamID = id
		}
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Backend.Token = v
	}
}

// loadKeychainToken fills in the backend token from the OS keychain when the
// config has none. Keychain failures are non-fatal; the token just stays empty.
func loadKeychainToken(cfg *Config) {
	if cfg.Backend.Token != "" {
		return
	}
	if !secrets.IsSupported() {
		return
	}
	token, err := secrets.GetBackendToken()
	if err != nil {
		return
	}
	cfg.Backend.Token = token
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend base_url %q", c.Backend.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend base_url must be http or https, got %q", u.Scheme)
	}
	if c.Backend.TeamID <= 0 {
		return fmt.Errorf("backend team_id must be positive, got %d", c.Backend.TeamID)
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend timeout_seconds must be positive, got %d", c.Backend.TimeoutSeconds)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web port must be between 1 and 65535, got %d", c.Web.Port)
	}
	if c.Web.RateLimit < 0 {
		return fmt.Errorf("web rate_limit must not be negative, got %v", c.Web.RateLimit)
	}
	if c.Chat.MaxSessions <= 0 {
		return fmt.Errorf("chat max_sessions must be positive, got %d", c.Chat.MaxSessions)
	}
	if c.Chat.CancelTimeoutSeconds <= 0 {
		return fmt.Errorf("chat cancel_timeout_seconds must be positive, got %d", c.Chat.CancelTimeoutSeconds)
	}
	if c.Chat.FenceWindow < 1 {
		return fmt.Errorf("chat fence_window must be at least 1, got %d", c.Chat.FenceWindow)
	}
	for _, level := range []string{c.Logging.Level, c.Logging.FileLevel} {
		if !validLogLevel(level) {
			return fmt.Errorf("unknown log level %q", level)
		}
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// BackendTimeout returns the unary backend call timeout as a duration.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// CancelTimeout returns the remote cancel timeout as a duration.
func (c *Config) CancelTimeout() time.Duration {
	return time.Duration(c.Chat.CancelTimeoutSeconds) * time.Second
}

// WebAddr returns the gateway listen address in host:port form.
func (c *Config) WebAddr() string {
	return net.JoinHostPort(c.Web.Host, strconv.Itoa(c.Web.Port))
}

// Package config provides configuration loading and hot-reload for agentbridged.
//
// Configuration is loaded from:
//  1. ~/.agentbridge/config.yaml (file)
//  2. Environment variables (override file values)
//
// Environment variables:
//   - AGENTBRIDGE_LISTEN_ADDR: HTTP/WebSocket listen address
//   - AGENTBRIDGE_DB_PATH: SQLite database path
//   - AGENTBRIDGE_AGENT_BIN: path to the agent CLI binary
//   - AGENTBRIDGE_IDLE_TIMEOUT: seconds before an idle session is evicted
//   - AGENTBRIDGE_REPLAY_CAP: replay buffer capacity in bytes
//   - AGENTBRIDGE_WEBHOOK_URL: status-change webhook endpoint
//   - AGENTBRIDGE_ADMIN_TOKEN: bearer token guarding /internal/registry
//   - AGENTBRIDGE_LOG_FORMAT: "text" (default, colorized) or "json"
//   - AGENTBRIDGE_CONFIG_DIR: override config directory (for testing)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for agentbridged.
type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`

	// AgentBin is the path to the agent CLI binary spawned in each PTY.
	AgentBin string `yaml:"agent_bin"`

	// AgentArgs are additional flags appended after the required
	// stream-json / tools-allowed / skip-permissions flags.
	AgentArgs []string `yaml:"agent_args,omitempty"`

	// AllowedTools is a glob allowlist of tool names the agent may use.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`

	// IdleTimeout is how long a session may sit with no bound connection
	// before the janitor evicts it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ReplayCapBytes bounds each session's replay buffer.
	ReplayCapBytes int `yaml:"replay_cap_bytes"`

	// MilestoneInjectDelay is how long C5 waits before writing a
	// new-milestone command into an already-running session.
	MilestoneInjectDelay time.Duration `yaml:"milestone_inject_delay"`

	// CloseGrace bounds how long the HTTP server waits for in-flight
	// requests on shutdown. It is not passed to C1: PTY sessions use
	// ptyproc's own 5s SIGTERM-to-SIGKILL default.
	CloseGrace time.Duration `yaml:"close_grace"`

	// WebhookURL, if set, receives status-change callbacks (C6).
	WebhookURL string `yaml:"webhook_url,omitempty"`

	// WebhookToken is sent as a bearer token on webhook POSTs.
	WebhookToken string `yaml:"webhook_token,omitempty"`

	// AdminToken guards the /internal/registry introspection endpoint.
	AdminToken string `yaml:"admin_token,omitempty"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		DBPath:                defaultDBPath(),
		AgentBin:              "claude",
		AllowedTools:          []string{"*"},
		IdleTimeout:           30 * time.Minute,
		ReplayCapBytes:        64 * 1024,
		MilestoneInjectDelay:  500 * time.Millisecond,
		CloseGrace:            5 * time.Second,
		LogFormat:             "text",
	}
}

func defaultDBPath() string {
	dir, err := ConfigDir()
	if err != nil {
		return "agentbridge.db"
	}
	return filepath.Join(dir, "agentbridge.db")
}

// ConfigDir returns the configuration directory path, creating it if necessary.
// Respects AGENTBRIDGE_CONFIG_DIR for testing.
func ConfigDir() (string, error) {
	if testDir := os.Getenv("AGENTBRIDGE_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".agentbridge")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}

	return dir, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration from file and applies environment variable
// overrides. Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

func (c *Config) loadFromFile() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTBRIDGE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("AGENTBRIDGE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("AGENTBRIDGE_AGENT_BIN"); v != "" {
		c.AgentBin = v
	}
	if v := os.Getenv("AGENTBRIDGE_IDLE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.IdleTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("AGENTBRIDGE_REPLAY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReplayCapBytes = n
		}
	}
	if v := os.Getenv("AGENTBRIDGE_WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("AGENTBRIDGE_ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}

	return nil
}

// reloadable lists the knobs that are safe to hot-swap without
// restarting live sessions, so reload re-validates and replaces just
// these fields on the shared Config pointer rather than the whole struct.
type reloadable struct {
	IdleTimeout    time.Duration
	ReplayCapBytes int
}

// Watcher hot-reloads IdleTimeout and ReplayCapBytes from the config file
// on change, silently ignoring unreadable or malformed files rather than
// panicking.
type Watcher struct {
	cfg     *Config
	watcher *fsnotify.Watcher
	onLoad  func(*Config)
}

// NewWatcher starts watching the config file directory for changes.
// onLoad, if non-nil, is invoked after each successful reload.
func NewWatcher(cfg *Config, onLoad func(*Config)) (*Watcher, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	cw := &Watcher{cfg: cfg, watcher: w, onLoad: onLoad}
	go cw.run(path)
	return cw, nil
}

func (w *Watcher) run(path string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(path)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var next reloadable
	full := *w.cfg
	if err := yaml.Unmarshal(data, &full); err != nil {
		return
	}
	next.IdleTimeout = full.IdleTimeout
	next.ReplayCapBytes = full.ReplayCapBytes

	if next.IdleTimeout > 0 {
		w.cfg.IdleTimeout = next.IdleTimeout
	}
	if next.ReplayCapBytes > 0 {
		w.cfg.ReplayCapBytes = next.ReplayCapBytes
	}

	if w.onLoad != nil {
		w.onLoad(w.cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

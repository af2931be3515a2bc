package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func setupTestEnv(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	os.Setenv("AGENTBRIDGE_CONFIG_DIR", tmpDir)
	for _, v := range []string{
		"AGENTBRIDGE_LISTEN_ADDR", "AGENTBRIDGE_DB_PATH", "AGENTBRIDGE_AGENT_BIN",
		"AGENTBRIDGE_IDLE_TIMEOUT", "AGENTBRIDGE_REPLAY_CAP", "AGENTBRIDGE_WEBHOOK_URL",
		"AGENTBRIDGE_ADMIN_TOKEN", "AGENTBRIDGE_LOG_FORMAT",
	} {
		os.Unsetenv(v)
	}

	t.Cleanup(func() {
		os.Unsetenv("AGENTBRIDGE_CONFIG_DIR")
	})

	return tmpDir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.AgentBin != "claude" {
		t.Errorf("AgentBin = %q, want %q", cfg.AgentBin, "claude")
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want %v", cfg.IdleTimeout, 30*time.Minute)
	}
	if cfg.ReplayCapBytes != 64*1024 {
		t.Errorf("ReplayCapBytes = %d, want %d", cfg.ReplayCapBytes, 64*1024)
	}
	if cfg.WebhookURL != "" {
		t.Errorf("WebhookURL = %q, want empty", cfg.WebhookURL)
	}
}

func TestLoadFromFile(t *testing.T) {
	setupTestEnv(t)

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}

	fileConfig := DefaultConfig()
	fileConfig.ListenAddr = ":9090"
	fileConfig.AgentBin = "/custom/agent"
	fileConfig.IdleTimeout = 10 * time.Minute

	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		t.Fatalf("yaml.Marshal failed: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.AgentBin != "/custom/agent" {
		t.Errorf("AgentBin = %q, want %q", cfg.AgentBin, "/custom/agent")
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %v, want %v", cfg.IdleTimeout, 10*time.Minute)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	setupTestEnv(t)

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}

	fileConfig := DefaultConfig()
	fileConfig.ListenAddr = ":9090"
	data, _ := yaml.Marshal(fileConfig)
	os.WriteFile(configPath, data, 0600)

	os.Setenv("AGENTBRIDGE_LISTEN_ADDR", ":7070")
	os.Setenv("AGENTBRIDGE_IDLE_TIMEOUT", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want %q (env override)", cfg.ListenAddr, ":7070")
	}
	if cfg.IdleTimeout != 120*time.Second {
		t.Errorf("IdleTimeout = %v, want %v (env override)", cfg.IdleTimeout, 120*time.Second)
	}
}

func TestSaveAndLoad(t *testing.T) {
	setupTestEnv(t)

	cfg := DefaultConfig()
	cfg.WebhookURL = "https://hooks.example.com/agentbridge"
	cfg.AdminToken = "secret-token"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if loaded.WebhookURL != "https://hooks.example.com/agentbridge" {
		t.Errorf("WebhookURL = %q, want preserved value", loaded.WebhookURL)
	}
	if loaded.AdminToken != "secret-token" {
		t.Errorf("AdminToken = %q, want preserved value", loaded.AdminToken)
	}
}

func TestConfigDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	customDir := filepath.Join(tmpDir, "custom_config")

	os.Setenv("AGENTBRIDGE_CONFIG_DIR", customDir)
	defer os.Unsetenv("AGENTBRIDGE_CONFIG_DIR")

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("ConfigDir() = %q, want %q", dir, customDir)
	}
	if _, err := os.Stat(customDir); os.IsNotExist(err) {
		t.Errorf("config directory was not created")
	}
}

func TestLoadWithNoFile(t *testing.T) {
	setupTestEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want default", cfg.IdleTimeout)
	}
}

func TestInvalidEnvVarsIgnored(t *testing.T) {
	setupTestEnv(t)

	os.Setenv("AGENTBRIDGE_IDLE_TIMEOUT", "not_a_number")
	os.Setenv("AGENTBRIDGE_REPLAY_CAP", "invalid")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want default (invalid env ignored)", cfg.IdleTimeout)
	}
	if cfg.ReplayCapBytes != 64*1024 {
		t.Errorf("ReplayCapBytes = %d, want default (invalid env ignored)", cfg.ReplayCapBytes)
	}
}

func TestWatcherHotReloadsIdleTimeoutOnly(t *testing.T) {
	setupTestEnv(t)

	cfg := DefaultConfig()
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	reloaded := make(chan struct{}, 1)
	w, err := NewWatcher(cfg, func(*Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer w.Close()

	onDisk := DefaultConfig()
	onDisk.IdleTimeout = 90 * time.Second
	onDisk.AgentBin = "should-not-hot-swap"
	configPath, _ := ConfigPath()
	data, _ := yaml.Marshal(onDisk)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hot reload")
	}

	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want hot-swapped to %v", cfg.IdleTimeout, 90*time.Second)
	}
	if cfg.AgentBin != "claude" {
		t.Errorf("AgentBin = %q, want left at original value (not hot-swappable)", cfg.AgentBin)
	}
}

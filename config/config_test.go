package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := ValidateWithDetails(cfg); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.Memory.MaxTokens != 1600 {
		t.Fatalf("memory.max_tokens default = %d, want 1600", cfg.Memory.MaxTokens)
	}
	if cfg.Memory.MinBatch != 4 {
		t.Fatalf("memory.min_batch default = %d, want 4", cfg.Memory.MinBatch)
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.App.Name != "syncd" {
		t.Fatalf("app.name = %q, want syncd", cfg.App.Name)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	content := `
server:
  port: 9999
memory:
  max_tokens: 2000
relay:
  max_room_clients: 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("server.port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Memory.MaxTokens != 2000 {
		t.Fatalf("memory.max_tokens = %d, want 2000", cfg.Memory.MaxTokens)
	}
	if cfg.Relay.MaxRoomClients != 8 {
		t.Fatalf("relay.max_room_clients = %d, want 8", cfg.Relay.MaxRoomClients)
	}
	// Untouched sections keep their defaults.
	if cfg.Log.Level != "info" {
		t.Fatalf("log.level = %q, want default info", cfg.Log.Level)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SUPERMD_SERVER__PORT", "7070")
	t.Setenv("SUPERMD_LOG__LEVEL", "debug")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log.level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_CLIOverridesBeatEnv(t *testing.T) {
	t.Setenv("SUPERMD_SERVER__PORT", "7070")

	cfg, err := Load("", map[string]interface{}{"server.port": 6060})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 6060 {
		t.Fatalf("server.port = %d, want CLI override 6060", cfg.Server.Port)
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected error for unsupported config format")
	}
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.Summarizer.APIKey = "sk-super-secret"
	cfg.Relay.Redis.Password = "hunter2"

	out := cfg.String()
	if strings.Contains(out, "sk-super-secret") || strings.Contains(out, "hunter2") {
		t.Fatalf("secrets leaked into config string: %s", out)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:    "/data",
			HTTPListen: ":8080",
			LogLevel:   "info",
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/novahub",
			MaxConns: 20,
			MinConns: 2,
		},
		Hub: HubConfig{
			BBSIndex:          1,
			AutoCreateLeagues: true,
		},
		Security: SecurityConfig{
			JWTSecret:      "test-secret",
			JWTExpiryHours: 24,
		},
		Dosemu: DosemuConfig{
			Path:           "dosbox",
			TimeoutSeconds: 60,
		},
		Leagues: map[string]LeagueConfig{
			"555B": {ProcessingCommand: "BMATCH.BAT"},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.Server.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty data_dir")
	}
}

func TestValidate_BBSIndexOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Hub.BBSIndex = 256
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bbs_index out of range")
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty postgres.dsn")
	}
}

func TestValidate_NoJWTSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Security.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty security.jwt_secret")
	}
}

func TestValidate_NoDosemuPath(t *testing.T) {
	cfg := validConfig()
	cfg.Dosemu.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty dosemu.path")
	}
}

func TestValidate_BadTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Dosemu.TimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero dosemu.timeout_seconds")
	}
}

func TestValidate_LeagueMissingProcessingCommand(t *testing.T) {
	cfg := validConfig()
	cfg.Leagues["013F"] = LeagueConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for league missing processing_command")
	}
}

func TestValidate_LeagueNegativePollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Leagues["555B"] = LeagueConfig{ProcessingCommand: "X.BAT", PollIntervalSeconds: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative poll_interval_seconds")
	}
}

func TestLoad_FileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
server:
  data_dir: /srv/novahub
  http_listen: ":9090"
postgres:
  dsn: "postgres://localhost/novahub"
security:
  jwt_secret: "file-secret"
hub:
  bbs_index: 1
dosemu:
  path: dosbox-x
  timeout_seconds: 90
leagues:
  "555B":
    processing_command: "BMATCH.BAT"
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}

	t.Setenv("NOVAHUB_SERVER__LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.DataDir != "/srv/novahub" {
		t.Errorf("expected data_dir from file, got %q", cfg.Server.DataDir)
	}
	if cfg.Server.HTTPListen != ":9090" {
		t.Errorf("expected http_listen from file, got %q", cfg.Server.HTTPListen)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("expected log_level overridden by env, got %q", cfg.Server.LogLevel)
	}
	if cfg.Dosemu.Path != "dosbox-x" {
		t.Errorf("expected dosemu.path from file, got %q", cfg.Dosemu.Path)
	}
}

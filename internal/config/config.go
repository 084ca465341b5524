package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the typed configuration record for Nova Hub. It replaces
// the nested-dict-with-isinstance-guards config the hub used to read:
// every recognized option gets a field and a type.
type Config struct {
	Server   ServerConfig            `koanf:"server"`
	Postgres PostgresConfig          `koanf:"postgres"`
	Hub      HubConfig               `koanf:"hub"`
	Security SecurityConfig          `koanf:"security"`
	Dosemu   DosemuConfig            `koanf:"dosemu"`
	Leagues  map[string]LeagueConfig `koanf:"leagues"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type ServerConfig struct {
	DataDir    string `koanf:"data_dir"`
	HTTPListen string `koanf:"http_listen"`
	LogLevel   string `koanf:"log_level"`
}

type HubConfig struct {
	// BBSIndex is the reserved bbs_index representing the hub itself.
	// Outbound packets addressed to it are consumed by the directory
	// watcher, not by the batch processor.
	BBSIndex int `koanf:"bbs_index"`
	// AutoCreateLeagues controls whether an upload for an unknown
	// (league_number, game_type) auto-creates the League row.
	// Downloads never auto-create: an unknown league on download is
	// always a 404.
	AutoCreateLeagues bool `koanf:"auto_create_leagues"`
}

type SecurityConfig struct {
	// JWTSecret is the key internal/httpapi verifies Bearer tokens
	// with; the hub core never issues tokens itself, it only verifies
	// them and resolves the resulting principal to a Client row.
	// JWTExpiryHours is validated but not read by verification, which
	// honours whatever expiry the token itself carries.
	JWTSecret      string `koanf:"jwt_secret"`
	JWTExpiryHours int    `koanf:"jwt_expiry_hours"`
}

type DosemuConfig struct {
	Path           string `koanf:"path"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

// LeagueConfig is per-(league_number, game_type) external-command
// configuration, keyed in the map by "<league_number><game_type>"
// (e.g. "555B").
type LeagueConfig struct {
	ProcessingCommand string `koanf:"processing_command"`
	ScoresCommand     string `koanf:"scores_command"`
	RouteinfoCommand  string `koanf:"routeinfo_command"`
	BBSInfoCommand    string `koanf:"bbsinfo_command"`
	InboundFolder     string `koanf:"inbound_folder"`
	OutboundFolder    string `koanf:"outbound_folder"`
	ScoresFolder      string `koanf:"scores_folder"`
	GameFolder        string `koanf:"game_folder"`
	GameDOSPath       string `koanf:"game_dos_path"`
	// PollIntervalSeconds, when nonzero, triggers a periodic
	// processor.Trigger() call even with no new uploads. Zero disables
	// the periodic trigger and relies solely on upload-driven ones.
	PollIntervalSeconds int `koanf:"poll_interval_seconds"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: NOVAHUB_SERVER__DATA_DIR → server.data_dir
	if err := k.Load(env.Provider("NOVAHUB_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "NOVAHUB_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			DataDir:    "./data",
			HTTPListen: ":8080",
			LogLevel:   "info",
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Hub: HubConfig{
			BBSIndex:          1,
			AutoCreateLeagues: true,
		},
		Security: SecurityConfig{
			JWTExpiryHours: 24,
		},
		Dosemu: DosemuConfig{
			Path:           "dosbox",
			TimeoutSeconds: 120,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return fmt.Errorf("config: server.data_dir is required")
	}
	if c.Server.HTTPListen == "" {
		return fmt.Errorf("config: server.http_listen is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("config: security.jwt_secret is required")
	}
	if c.Hub.BBSIndex < 0 || c.Hub.BBSIndex > 255 {
		return fmt.Errorf("config: hub.bbs_index must be in [0,255] (got %d)", c.Hub.BBSIndex)
	}
	if c.Dosemu.Path == "" {
		return fmt.Errorf("config: dosemu.path is required")
	}
	if c.Dosemu.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: dosemu.timeout_seconds must be > 0 (got %d)", c.Dosemu.TimeoutSeconds)
	}
	if c.Security.JWTExpiryHours <= 0 {
		return fmt.Errorf("config: security.jwt_expiry_hours must be > 0 (got %d)", c.Security.JWTExpiryHours)
	}
	for key, lg := range c.Leagues {
		if lg.ProcessingCommand == "" {
			return fmt.Errorf("config: leagues.%s.processing_command is required", key)
		}
		if lg.PollIntervalSeconds < 0 {
			return fmt.Errorf("config: leagues.%s.poll_interval_seconds must be >= 0 (got %d)", key, lg.PollIntervalSeconds)
		}
	}
	return nil
}

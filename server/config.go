package server

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cardroom/go-game-sync/engine"
	"github.com/cardroom/go-game-sync/logging"
)

// Config holds the server settings. Values are resolved in three layers:
// built-in defaults, then an optional YAML file, then GAMESYNC_* environment
// variables.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr" env:"GAMESYNC_LISTEN_ADDR"`
	DatabaseDSN     string        `yaml:"database_dsn" env:"GAMESYNC_DATABASE_DSN"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"GAMESYNC_SHUTDOWN_TIMEOUT"`

	ConflictWindow   time.Duration `yaml:"conflict_window" env:"GAMESYNC_CONFLICT_WINDOW"`
	SnapshotInterval int           `yaml:"snapshot_interval" env:"GAMESYNC_SNAPSHOT_INTERVAL"`
	SnapshotRetain   int           `yaml:"snapshot_retain" env:"GAMESYNC_SNAPSHOT_RETAIN"`

	Logging logging.Config `yaml:"logging"`
}

// rawConfig mirrors Config with durations as strings, since YAML has no
// native duration scalar.
type rawConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DatabaseDSN     string `yaml:"database_dsn"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	ConflictWindow   string `yaml:"conflict_window"`
	SnapshotInterval int    `yaml:"snapshot_interval"`
	SnapshotRetain   int    `yaml:"snapshot_retain"`

	Logging logging.Config `yaml:"logging"`
}

// UnmarshalYAML decodes the file form, parsing duration strings like "250ms".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.ListenAddr = raw.ListenAddr
	c.DatabaseDSN = raw.DatabaseDSN
	c.SnapshotInterval = raw.SnapshotInterval
	c.SnapshotRetain = raw.SnapshotRetain
	c.Logging = raw.Logging

	for _, field := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"shutdown_timeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
		{"conflict_window", raw.ConflictWindow, &c.ConflictWindow},
	} {
		if field.src == "" {
			continue
		}
		d, err := time.ParseDuration(field.src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", field.name, err)
		}
		*field.dst = d
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = "file:gamesync.db"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig
	}
}

// EngineConfig derives the synchronizer tuning from the server config.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		ConflictWindow:   c.ConflictWindow,
		SnapshotInterval: c.SnapshotInterval,
		SnapshotRetain:   c.SnapshotRetain,
	}
}

// LoadConfig builds a Config from the optional YAML file at path and the
// environment. Environment variables win over the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

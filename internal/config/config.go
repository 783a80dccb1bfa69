package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Farm        FarmConfig        `toml:"farm"`
	Path        string            `toml:"-"`
}

type CoordinatorConfig struct {
	Addr                  string `toml:"addr"`
	DBPath                string `toml:"db_path"`
	TickIntervalMS        int    `toml:"tick_interval_ms"`
	MaintenanceIntervalMS int    `toml:"maintenance_interval_ms"`
	FarmIntervalMS        int    `toml:"farm_interval_ms"`
	MinActionDelayMS      int    `toml:"min_action_delay_ms"`
	MaxJitterMS           int    `toml:"max_jitter_ms"`
	AgentDeadThresholdMS  int    `toml:"agent_dead_threshold_ms"`
	DispatchTimeoutMS     int    `toml:"dispatch_timeout_ms"`
	MaxRetries            int    `toml:"max_retries"`
}

type FarmConfig struct {
	TargetIntervalMS    int                `toml:"target_interval_ms"`
	ArrivalRetentionMS  int                `toml:"arrival_retention_ms"`
	PlanRetentionMS     int                `toml:"plan_retention_ms"`
	WorldSpeed          float64            `toml:"world_speed"`
	UnitSpeedModifier   float64            `toml:"unit_speed_modifier"`
	UnitMinutesPerField map[string]float64 `toml:"unit_minutes_per_field"`
	ProfileAUnits       map[string]int     `toml:"profile_a_units"`
	ProfileBUnits       map[string]int     `toml:"profile_b_units"`
}

// Load reads the TOML config at path, or the default location when path is
// empty. A missing default file is not an error; zero values defer to the
// per-service withDefaults handling.
func Load(path string) (Config, error) {
	resolved := path
	useDefault := resolved == ""
	if useDefault {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if useDefault && os.IsNotExist(err) {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tribal-wars/config.toml"
	}
	return filepath.Join(home, ".tribal-wars", "config.toml")
}

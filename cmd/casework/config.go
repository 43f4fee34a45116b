package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/rendis/casework/internal/scheduler"
)

// Config holds all casework server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string   `json:"db_path" env:"CASEWORK_DB_PATH"`
	InMemory         bool     `json:"in_memory" env:"CASEWORK_IN_MEMORY"`
	LogLevel         string   `json:"log_level" env:"CASEWORK_LOG_LEVEL"`
	CatalogPath      string   `json:"catalog_path" env:"CASEWORK_CATALOG_PATH"`
	WatchCatalog     bool     `json:"watch_catalog" env:"CASEWORK_WATCH_CATALOG"`
	RequeueSchedule  string   `json:"requeue_schedule" env:"CASEWORK_REQUEUE_SCHEDULE"`
	SweepConcurrency int      `json:"sweep_concurrency" env:"CASEWORK_SWEEP_CONCURRENCY"`
	EngineRetryMax   int      `json:"engine_retry_max" env:"CASEWORK_ENGINE_RETRY_MAX"`
	EngineRetryDelay Duration `json:"engine_retry_delay" env:"CASEWORK_ENGINE_RETRY_DELAY"`
	BreakerThreshold int      `json:"breaker_threshold" env:"CASEWORK_BREAKER_THRESHOLD"`
	BreakerCooldown  Duration `json:"breaker_cooldown" env:"CASEWORK_BREAKER_COOLDOWN"`
	SystemPrincipal  string   `json:"system_principal" env:"CASEWORK_SYSTEM_PRINCIPAL"`
}

// Duration reads "30s"-style values from both settings.json and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(caseworkDir(), "casework.db"),
		LogLevel:         "info",
		CatalogPath:      filepath.Join(caseworkDir(), "catalog"),
		WatchCatalog:     true,
		RequeueSchedule:  scheduler.DefaultSchedule,
		SweepConcurrency: 4,
		EngineRetryMax:   3,
		EngineRetryDelay: Duration(200 * time.Millisecond),
		BreakerThreshold: 5,
		BreakerCooldown:  Duration(30 * time.Second),
		SystemPrincipal:  "casework",
	}
}

func caseworkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".casework"
	}
	return filepath.Join(home, ".casework")
}

func settingsPath() string {
	return filepath.Join(caseworkDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(caseworkDir(), "casework.pid")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// settings.json is optional.
	data, err := os.ReadFile(settingsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsPath(), err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	CatalogChanged  bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.CatalogPath != new.CatalogPath {
		d.CatalogChanged = true
	}
	if old.DBPath != new.DBPath || old.InMemory != new.InMemory {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.RequeueSchedule != new.RequeueSchedule || old.SweepConcurrency != new.SweepConcurrency {
		d.RestartNeeded = append(d.RestartNeeded, "requeue_schedule")
	}
	if old.EngineRetryMax != new.EngineRetryMax || old.EngineRetryDelay != new.EngineRetryDelay ||
		old.BreakerThreshold != new.BreakerThreshold || old.BreakerCooldown != new.BreakerCooldown {
		d.RestartNeeded = append(d.RestartNeeded, "engine_guard")
	}
	if old.SystemPrincipal != new.SystemPrincipal {
		d.RestartNeeded = append(d.RestartNeeded, "system_principal")
	}
	if old.WatchCatalog != new.WatchCatalog {
		d.RestartNeeded = append(d.RestartNeeded, "watch_catalog")
	}
	return d
}

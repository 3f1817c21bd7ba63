package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// settings is the service configuration. Values come from an optional YAML
// file (--config) with CM_* environment variables taking precedence.
type settings struct {
	DatabaseDriver string        `yaml:"database_driver"`
	DatabaseURL    string        `yaml:"database_url"`
	HTTPAddr       string        `yaml:"http_addr"`
	ArtifactRoot   string        `yaml:"artifact_root"`
	ButlerURL      string        `yaml:"butler_url"`
	DaemonWorkers  int           `yaml:"daemon_workers"`
	DaemonTick     time.Duration `yaml:"daemon_tick"`
	WMSTimeout     time.Duration `yaml:"wms_timeout"`
}

func loadSettings(path string) (settings, error) {
	s := settings{
		DatabaseDriver: "sqlite",
		DatabaseURL:    "campaignd.db",
		HTTPAddr:       ":8080",
		ArtifactRoot:   "artifacts",
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	envString("CM_DATABASE_DRIVER", &s.DatabaseDriver)
	envString("CM_DATABASE_URL", &s.DatabaseURL)
	envString("CM_HTTP_ADDR", &s.HTTPAddr)
	envString("CM_ARTIFACT_ROOT", &s.ArtifactRoot)
	envString("CM_BUTLER_URL", &s.ButlerURL)
	envInt("CM_DAEMON_WORKERS", &s.DaemonWorkers)
	envDuration("CM_DAEMON_TICK", &s.DaemonTick)
	envDuration("CM_WMS_TIMEOUT", &s.WMSTimeout)
	return s, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = v
	}
}

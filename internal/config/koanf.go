// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/seltsisync/config.yaml",
	"/etc/seltsisync/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load loads configuration with layered sources:
//
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if exists)
//  3. Environment variables: override any setting
//
// The returned config has already passed validation.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	// CALENDAR_URL -> calendar.url, STORAGE_ACCESS_KEY -> storage.access_key
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		return ""
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// configSections are the recognized top-level env var prefixes.
var configSections = []string{
	"calendar", "gallery", "storage", "database",
	"sync", "derive", "monitor", "server", "logging",
}

// envTransformFunc maps environment variable names to koanf paths.
// Only variables with a recognized section prefix are mapped; everything
// else is dropped so unrelated environment noise cannot leak into the
// configuration.
//
// Examples:
//   - CALENDAR_URL        -> calendar.url
//   - STORAGE_ACCESS_KEY  -> storage.access_key
//   - SYNC_RUN_BUDGET     -> sync.run_budget
//   - MONITOR_ENABLED     -> monitor.enabled
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	for _, section := range configSections {
		prefix := section + "_"
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return section + "." + key[len(prefix):]
		}
	}
	return "" // discard
}

package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Sync struct {
		WriteMode    string `yaml:"write_mode"`
		StoreTimeout string `yaml:"store_timeout"`
		CacheTTL     string `yaml:"cache_ttl"`
	} `yaml:"sync"`
	Client struct {
		BaseURL    string `yaml:"base_url"`
		LocalStore string `yaml:"local_store"`
		Debounce   string `yaml:"debounce"`
		Discovery  string `yaml:"discovery"`
		Teams      string `yaml:"teams"`
		Roster     string `yaml:"roster"`
		Questions  string `yaml:"questions"`
		Answers    string `yaml:"answers"`
		Settings   string `yaml:"settings"`
		Heartbeat  string `yaml:"heartbeat"`
	} `yaml:"client"`
}

// Load reads YAML config from path. A missing file yields the zero Config,
// which runs the server on memory tiers only.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

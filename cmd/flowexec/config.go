package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowexec server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`

	// RedisAddr switches run events to a Redis pub/sub hub. Empty keeps them in memory.
	RedisAddr string `json:"redis_addr,omitempty"`

	OpenAIAPIKey string `json:"openai_api_key,omitempty"`
	OpenAIModel  string `json:"openai_model,omitempty"`
	NotionToken  string `json:"notion_token,omitempty"`

	WebhookTimeout Duration `json:"webhook_timeout"`
	Scheduler      bool     `json:"scheduler"`
}

// Duration is a time.Duration that reads and writes as "30s" in settings.json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     ":4200",
		DBPath:         filepath.Join(flowexecDir(), "flowexec.db"),
		LogLevel:       "info",
		PoolSize:       10,
		WebhookTimeout: Duration(30 * time.Second),
		Scheduler:      true,
	}
}

func flowexecDir() string {
	if v := os.Getenv("FLOWEXEC_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowexec"
	}
	return filepath.Join(home, ".flowexec")
}

func settingsPath() string {
	return filepath.Join(flowexecDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(flowexecDir(), "flowexec.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWEXEC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWEXEC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWEXEC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWEXEC_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWEXEC_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FLOWEXEC_OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("FLOWEXEC_OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv("FLOWEXEC_NOTION_TOKEN"); v != "" {
		cfg.NotionToken = v
	}
	if v := os.Getenv("FLOWEXEC_WEBHOOK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebhookTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FLOWEXEC_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.RedisAddr != new.RedisAddr {
		d.RestartNeeded = append(d.RestartNeeded, "redis_addr")
	}
	if old.OpenAIAPIKey != new.OpenAIAPIKey || old.OpenAIModel != new.OpenAIModel {
		d.RestartNeeded = append(d.RestartNeeded, "openai")
	}
	if old.NotionToken != new.NotionToken {
		d.RestartNeeded = append(d.RestartNeeded, "notion_token")
	}
	if old.WebhookTimeout != new.WebhookTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "webhook_timeout")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	return d
}

// writeSettings persists cfg to settings.json, creating the directory.
// Secrets are not written; they stay in the environment.
func writeSettings(cfg Config) (string, error) {
	if err := os.MkdirAll(flowexecDir(), 0o700); err != nil {
		return "", err
	}
	cfg.OpenAIAPIKey = ""
	cfg.NotionToken = ""
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

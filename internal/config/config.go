package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"reactsync/internal/reactsync"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// Redis - empty runs a single instance with in-process sync only
	RedisURL       string
	SnapshotTTL    time.Duration
	SessionChannel string
	// Remote authority
	AuthorityURL   string
	AuthorityToken string
	// Logging
	LogLevel string
	LogJSON  bool
	// State manager
	OptimisticUpdates bool
	SyncInterval      time.Duration
	MaxRetryAttempts  int
	CrossTabSync      bool
	Debug             bool
}

// File is the optional YAML overlay. Unset fields keep their defaults.
type File struct {
	Addr                string `yaml:"addr"`
	CORSOrigin          string `yaml:"cors_origin"`
	RedisURL            string `yaml:"redis_url" validate:"omitempty,url"`
	SnapshotTTLSeconds  int    `yaml:"snapshot_ttl_seconds" validate:"gte=0"`
	SessionChannel      string `yaml:"session_channel" validate:"omitempty,max=128"`
	AuthorityURL        string `yaml:"authority_url" validate:"omitempty,url"`
	AuthorityToken      string `yaml:"authority_token"`
	LogLevel            string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogJSON             *bool  `yaml:"log_json"`
	OptimisticUpdates   *bool  `yaml:"optimistic_updates"`
	SyncIntervalSeconds int    `yaml:"sync_interval_seconds" validate:"gte=0,lte=86400"`
	MaxRetryAttempts    *int   `yaml:"max_retry_attempts" validate:"omitempty,gte=0,lte=100"`
	CrossTabSync        *bool  `yaml:"cross_tab_sync"`
	Debug               *bool  `yaml:"debug"`
}

var validate = validator.New()

func defaults() Config {
	mc := reactsync.DefaultConfig()
	return Config{
		Addr:              ":8787",
		CORSOrigin:        "*",
		SnapshotTTL:       24 * time.Hour,
		SessionChannel:    "app_session_events",
		AuthorityURL:      "http://localhost:8080",
		LogLevel:          "info",
		OptimisticUpdates: mc.EnableOptimisticUpdates,
		SyncInterval:      mc.SyncInterval,
		MaxRetryAttempts:  mc.MaxRetryAttempts,
		CrossTabSync:      mc.EnableCrossBrowserSync,
		Debug:             mc.DebugMode,
	}
}

// Load reads the configuration from the environment.
func Load() Config {
	return fromEnv(defaults())
}

// LoadFile applies the YAML file at path over the defaults, then the
// environment over both.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Config{}, fmt.Errorf("invalid config file: field %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return Config{}, fmt.Errorf("invalid config file: %w", err)
	}
	return fromEnv(f.apply(defaults())), nil
}

func (f File) apply(cfg Config) Config {
	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if f.CORSOrigin != "" {
		cfg.CORSOrigin = f.CORSOrigin
	}
	if f.RedisURL != "" {
		cfg.RedisURL = f.RedisURL
	}
	if f.SnapshotTTLSeconds > 0 {
		cfg.SnapshotTTL = time.Duration(f.SnapshotTTLSeconds) * time.Second
	}
	if f.SessionChannel != "" {
		cfg.SessionChannel = f.SessionChannel
	}
	if f.AuthorityURL != "" {
		cfg.AuthorityURL = f.AuthorityURL
	}
	if f.AuthorityToken != "" {
		cfg.AuthorityToken = f.AuthorityToken
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogJSON != nil {
		cfg.LogJSON = *f.LogJSON
	}
	if f.OptimisticUpdates != nil {
		cfg.OptimisticUpdates = *f.OptimisticUpdates
	}
	if f.SyncIntervalSeconds > 0 {
		cfg.SyncInterval = time.Duration(f.SyncIntervalSeconds) * time.Second
	}
	if f.MaxRetryAttempts != nil {
		cfg.MaxRetryAttempts = *f.MaxRetryAttempts
	}
	if f.CrossTabSync != nil {
		cfg.CrossTabSync = *f.CrossTabSync
	}
	if f.Debug != nil {
		cfg.Debug = *f.Debug
	}
	return cfg
}

func fromEnv(base Config) Config {
	return Config{
		Addr:       getenv("API_ADDR", base.Addr),
		CORSOrigin: getenv("REACTSYNC_CORS_ORIGIN", base.CORSOrigin),
		// Redis - shared by every instance that should behave like sibling tabs
		RedisURL:          getenv("REDIS_URL", base.RedisURL),
		SnapshotTTL:       time.Duration(getenvInt("REACTSYNC_SNAPSHOT_TTL_SECONDS", int(base.SnapshotTTL/time.Second))) * time.Second,
		SessionChannel:    getenv("REACTSYNC_SESSION_CHANNEL", base.SessionChannel),
		AuthorityURL:      getenv("AUTHORITY_URL", base.AuthorityURL),
		AuthorityToken:    getenv("AUTHORITY_TOKEN", base.AuthorityToken),
		LogLevel:          getenv("REACTSYNC_LOG_LEVEL", base.LogLevel),
		LogJSON:           getenvBool("REACTSYNC_LOG_JSON", base.LogJSON),
		OptimisticUpdates: getenvBool("REACTSYNC_OPTIMISTIC_UPDATES", base.OptimisticUpdates),
		SyncInterval:      time.Duration(getenvInt("REACTSYNC_SYNC_INTERVAL_MS", int(base.SyncInterval/time.Millisecond))) * time.Millisecond,
		MaxRetryAttempts:  getenvInt("REACTSYNC_MAX_RETRY_ATTEMPTS", base.MaxRetryAttempts),
		CrossTabSync:      getenvBool("REACTSYNC_CROSS_TAB_SYNC", base.CrossTabSync),
		Debug:             getenvBool("REACTSYNC_DEBUG", base.Debug),
	}
}

// Manager returns the state manager settings.
func (c Config) Manager() reactsync.Config {
	return reactsync.Config{
		EnableOptimisticUpdates: c.OptimisticUpdates,
		SyncInterval:            c.SyncInterval,
		MaxRetryAttempts:        c.MaxRetryAttempts,
		EnableCrossBrowserSync:  c.CrossTabSync,
		DebugMode:               c.Debug,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

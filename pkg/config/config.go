// Package config loads chainwatch settings. Values start from defaults, are
// overlaid by an optional YAML file (CHAINWATCH_CONFIG), then by environment
// variables, and are validated last.
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

	"github.com/Mindburn-Labs/chainwatch/pkg/anomaly"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Config holds service configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Unlock        UnlockConfig        `yaml:"unlock"`
	Anomaly       AnomalyConfig       `yaml:"anomaly"`
	Fetch         FetchConfig         `yaml:"fetch"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`

	HTTPAddr       string `yaml:"http_addr" validate:"required"`
	UnhealthyAfter int    `yaml:"unhealthy_after" validate:"gt=0"`
	LogLevel       string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	LogFormat      string `yaml:"log_format" validate:"oneof=json text"`

	// Path of the YAML file the config was overlaid with, if any.
	Path string `yaml:"-"`
}

type StoreConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=memory sqlite postgres badger"`
	DatabaseURL     string `yaml:"database_url" validate:"required_if=Backend postgres"`
	SQLitePath      string `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
	BadgerPath      string `yaml:"badger_path" validate:"required_if=Backend badger"`
	AnomalyCapacity int    `yaml:"anomaly_capacity" validate:"gt=0"`
}

type UnlockConfig struct {
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
	Tolerance time.Duration `yaml:"tolerance" validate:"gt=0"`
}

type AnomalyConfig struct {
	Interval time.Duration  `yaml:"interval" validate:"gt=0"`
	Seed     uint64         `yaml:"seed"`
	Policy   anomaly.Policy `yaml:"policy"`
}

type FetchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Tokens   []string      `yaml:"tokens" validate:"dive,required"`
}

type ArchiveConfig struct {
	Interval   time.Duration `yaml:"interval" validate:"gt=0"`
	After      time.Duration `yaml:"after" validate:"gt=0"`
	Dir        string        `yaml:"dir"`
	S3Bucket   string        `yaml:"s3_bucket"`
	S3Region   string        `yaml:"s3_region"`
	S3Endpoint string        `yaml:"s3_endpoint"`
	S3Prefix   string        `yaml:"s3_prefix"`
}

// Enabled reports whether an archive destination is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Dir != "" || a.S3Bucket != ""
}

type NotifyConfig struct {
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db" validate:"gte=0"`
	RedisChannel  string   `yaml:"redis_channel"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic" validate:"required_with=KafkaBrokers"`
	// Rate is the per-sink send rate in notifications per second; zero means
	// unlimited.
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

type ObservabilityConfig struct {
	OTelEnabled  bool    `yaml:"otel_enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	Environment  string  `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:         BackendMemory,
			SQLitePath:      "data/chainwatch.db",
			BadgerPath:      "data/badger",
			AnomalyCapacity: 50,
		},
		Unlock: UnlockConfig{
			Interval:  5 * time.Second,
			Tolerance: 10 * time.Minute,
		},
		Anomaly: AnomalyConfig{
			Interval: 10 * time.Second,
			Policy:   anomaly.DefaultPolicy(),
		},
		Fetch: FetchConfig{
			Enabled:  true,
			Interval: time.Hour,
			Tokens:   []string{"SEI", "ATOM", "OSMO", "ETH"},
		},
		Archive: ArchiveConfig{
			Interval: time.Hour,
			After:    30 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			RedisChannel: "chainwatch:events",
			KafkaTopic:   "chainwatch.events",
			Burst:        10,
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Environment:  "development",
		},
		HTTPAddr:       ":8081",
		UnhealthyAfter: 3,
		LogLevel:       "INFO",
		LogFormat:      "json",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CHAINWATCH_CONFIG, and the environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CHAINWATCH_CONFIG"))
}

// LoadFrom is Load with an explicit YAML path; an empty path skips the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Path = path
	return nil
}

var validate = validator.New()

// Validate checks field constraints, including the detector policy.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("CHAINWATCH_STORE", &c.Store.Backend)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("BADGER_PATH", &c.Store.BadgerPath)
	num("ANOMALY_CAPACITY", &c.Store.AnomalyCapacity)

	dur("UNLOCK_INTERVAL", &c.Unlock.Interval)
	dur("UNLOCK_TOLERANCE", &c.Unlock.Tolerance)

	dur("ANOMALY_INTERVAL", &c.Anomaly.Interval)
	if v := os.Getenv("ANOMALY_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ANOMALY_SEED: %w", err))
		} else {
			c.Anomaly.Seed = seed
		}
	}

	flag("FETCH_ENABLED", &c.Fetch.Enabled)
	dur("FETCH_INTERVAL", &c.Fetch.Interval)
	list("FETCH_TOKENS", &c.Fetch.Tokens)

	dur("ARCHIVE_INTERVAL", &c.Archive.Interval)
	dur("ARCHIVE_AFTER", &c.Archive.After)
	str("ARCHIVE_DIR", &c.Archive.Dir)
	str("ARCHIVE_S3_BUCKET", &c.Archive.S3Bucket)
	str("ARCHIVE_S3_REGION", &c.Archive.S3Region)
	str("ARCHIVE_S3_ENDPOINT", &c.Archive.S3Endpoint)
	str("ARCHIVE_S3_PREFIX", &c.Archive.S3Prefix)

	str("REDIS_ADDR", &c.Notify.RedisAddr)
	str("REDIS_PASSWORD", &c.Notify.RedisPassword)
	num("REDIS_DB", &c.Notify.RedisDB)
	str("REDIS_CHANNEL", &c.Notify.RedisChannel)
	list("KAFKA_BROKERS", &c.Notify.KafkaBrokers)
	str("KAFKA_TOPIC", &c.Notify.KafkaTopic)
	float("NOTIFY_RATE", &c.Notify.Rate)
	num("NOTIFY_BURST", &c.Notify.Burst)

	flag("OTEL_ENABLED", &c.Observability.OTelEnabled)
	str("OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	float("OTEL_SAMPLE_RATE", &c.Observability.SampleRate)
	str("ENVIRONMENT", &c.Observability.Environment)

	str("HTTP_ADDR", &c.HTTPAddr)
	num("UNHEALTHY_AFTER", &c.UnhealthyAfter)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

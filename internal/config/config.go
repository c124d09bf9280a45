// Package config loads punchsync configuration from a YAML file, a .env
// file and PUNCHSYNC_* environment variables, in increasing precedence, and
// validates the result against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/punchsync/internal/punch"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PUNCHSYNC_"

// Config is the full punchsync configuration.
type Config struct {
	Database  string                      `yaml:"database" json:"database"`
	Log       LogConfig                   `yaml:"log" json:"log"`
	HTTP      HTTPConfig                  `yaml:"http" json:"http"`
	Ingest    IngestConfig                `yaml:"ingest" json:"ingest"`
	Reconcile ReconcileConfig             `yaml:"reconcile" json:"reconcile"`
	Devices   DevicesConfig               `yaml:"devices" json:"devices"`
	MQTT      MQTTConfig                  `yaml:"mqtt" json:"mqtt"`
	MDNS      MDNSConfig                  `yaml:"mdns" json:"mdns"`
	Brands    map[string]punch.BrandCodes `yaml:"brands" json:"brands,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr" json:"listen_addr"`
	MetricsAddr     string        `yaml:"metrics_addr" json:"metrics_addr"`
	EnablePprof     bool          `yaml:"enable_pprof" json:"enable_pprof"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	DrainDuration   time.Duration `yaml:"drain_duration" json:"drain_duration"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// AdminToken enables the admin API when set.
	AdminToken string `yaml:"admin_token" json:"admin_token"`
}

type IngestConfig struct {
	ClockSkew    time.Duration `yaml:"clock_skew" json:"clock_skew"`
	MaxAge       time.Duration `yaml:"max_age" json:"max_age"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	MaxBatch     int           `yaml:"max_batch" json:"max_batch"`
	// RateLimit is the sustained per-device request rate; 0 disables limiting.
	RateLimit        float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst        int     `yaml:"rate_burst" json:"rate_burst"`
	RequireSignature bool    `yaml:"require_signature" json:"require_signature"`
}

type ReconcileConfig struct {
	OvernightGrace  time.Duration `yaml:"overnight_grace" json:"overnight_grace"`
	LockStripes     int           `yaml:"lock_stripes" json:"lock_stripes"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed" json:"retry_max_elapsed"`
	// SweepInterval is the period of the background re-resolution sweep;
	// negative disables it.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

type DevicesConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Lookback        time.Duration `yaml:"lookback" json:"lookback"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	PollTimeout     time.Duration `yaml:"poll_timeout" json:"poll_timeout"`
	ProbeInterval   time.Duration `yaml:"probe_interval" json:"probe_interval"`
	BackoffBase     time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max" json:"backoff_max"`
	SilenceWindow   time.Duration `yaml:"silence_window" json:"silence_window"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
}

type MQTTConfig struct {
	Broker         string `yaml:"broker" json:"broker"`
	FallbackBroker string `yaml:"fallback_broker" json:"fallback_broker"`
	ClientID       string `yaml:"client_id" json:"client_id"`
	TopicPrefix    string `yaml:"topic_prefix" json:"topic_prefix"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Instance string `yaml:"instance" json:"instance"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "punchsync.db",
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			DrainDuration:   5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			ClockSkew:    5 * time.Minute,
			MaxAge:       7 * 24 * time.Hour,
			MaxBodyBytes: 1 << 20,
			MaxBatch:     500,
			RateLimit:    20,
			RateBurst:    100,
		},
		Reconcile: ReconcileConfig{
			OvernightGrace:  4 * time.Hour,
			LockStripes:     64,
			RetryMaxElapsed: 10 * time.Second,
			SweepInterval:   5 * time.Minute,
		},
		Devices: DevicesConfig{
			PollInterval:    time.Minute,
			Lookback:        24 * time.Hour,
			ConnectTimeout:  10 * time.Second,
			PollTimeout:     time.Minute,
			ProbeInterval:   30 * time.Second,
			BackoffBase:     10 * time.Second,
			BackoffMax:      5 * time.Minute,
			SilenceWindow:   time.Minute,
			RefreshInterval: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "punchsync",
			TopicPrefix: "punchsync",
		},
		MDNS: MDNSConfig{
			Instance: "punchsync",
		},
		Brands: punch.DefaultBrands(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then envFile (if it exists), then the process environment.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		// Variables already in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos do not silently fall back to defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}

	if c.Devices.BackoffMax < c.Devices.BackoffBase {
		return &ValidationError{Messages: []string{"devices.backoff_max: must not be below devices.backoff_base"}}
	}
	for name, codes := range c.Brands {
		if overlap := overlapping(codes.CheckIn, codes.CheckOut); overlap >= 0 {
			return &ValidationError{Messages: []string{
				fmt.Sprintf("brands.%s: code %d is both checkin and checkout", name, overlap),
			}}
		}
	}
	return nil
}

func overlapping(a, b []int) int {
	seen := make(map[int]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if seen[v] {
			return v
		}
	}
	return -1
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Messages, "; ")
}

// formatCUEError flattens CUE's error list into one ValidationError.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Messages: []string{err.Error()}}
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return &ValidationError{Messages: msgs}
}

// Classifier returns the punch-code classifier for the configured brands.
func (c Config) Classifier() *punch.Classifier {
	if len(c.Brands) == 0 {
		return punch.NewClassifier(nil)
	}
	return punch.NewClassifier(c.Brands)
}

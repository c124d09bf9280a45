package config

import (
	"fmt"
	"strconv"
	"time"
)

// envSetter applies one environment variable to the configuration.
type envSetter func(c *Config, v string) error

func setString(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setBool(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func setDuration(dst func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func setFloat(dst func(*Config) *float64) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

// envVars lists the supported overrides, without EnvPrefix.
var envVars = map[string]envSetter{
	"DATABASE":                  setString(func(c *Config) *string { return &c.Database }),
	"LOG_LEVEL":                 setString(func(c *Config) *string { return &c.Log.Level }),
	"LOG_FORMAT":                setString(func(c *Config) *string { return &c.Log.Format }),
	"LOG_FILE":                  setString(func(c *Config) *string { return &c.Log.File }),
	"HTTP_LISTEN_ADDR":          setString(func(c *Config) *string { return &c.HTTP.ListenAddr }),
	"HTTP_METRICS_ADDR":         setString(func(c *Config) *string { return &c.HTTP.MetricsAddr }),
	"HTTP_ENABLE_PPROF":         setBool(func(c *Config) *bool { return &c.HTTP.EnablePprof }),
	"HTTP_ADMIN_TOKEN":          setString(func(c *Config) *string { return &c.HTTP.AdminToken }),
	"INGEST_CLOCK_SKEW":         setDuration(func(c *Config) *time.Duration { return &c.Ingest.ClockSkew }),
	"INGEST_MAX_AGE":            setDuration(func(c *Config) *time.Duration { return &c.Ingest.MaxAge }),
	"INGEST_RATE_LIMIT":         setFloat(func(c *Config) *float64 { return &c.Ingest.RateLimit }),
	"INGEST_REQUIRE_SIGNATURE":  setBool(func(c *Config) *bool { return &c.Ingest.RequireSignature }),
	"RECONCILE_OVERNIGHT_GRACE": setDuration(func(c *Config) *time.Duration { return &c.Reconcile.OvernightGrace }),
	"RECONCILE_SWEEP_INTERVAL":  setDuration(func(c *Config) *time.Duration { return &c.Reconcile.SweepInterval }),
	"DEVICES_POLL_INTERVAL":     setDuration(func(c *Config) *time.Duration { return &c.Devices.PollInterval }),
	"DEVICES_SILENCE_WINDOW":    setDuration(func(c *Config) *time.Duration { return &c.Devices.SilenceWindow }),
	"MQTT_BROKER":               setString(func(c *Config) *string { return &c.MQTT.Broker }),
	"MQTT_FALLBACK_BROKER":      setString(func(c *Config) *string { return &c.MQTT.FallbackBroker }),
	"MQTT_USERNAME":             setString(func(c *Config) *string { return &c.MQTT.Username }),
	"MQTT_PASSWORD":             setString(func(c *Config) *string { return &c.MQTT.Password }),
	"MDNS_ENABLED":              setBool(func(c *Config) *bool { return &c.MDNS.Enabled }),
}

// ApplyEnv applies PUNCHSYNC_* overrides found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envVars {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

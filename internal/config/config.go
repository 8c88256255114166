// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all dashctl configuration.
type Config struct {
	// Device
	DeviceURL         string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatFailures int
	SyncOnHeartbeat   bool

	// Local API
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// MQTT bridge (disabled when BrokerURI is empty)
	MQTTBrokerURI string
	MQTTClientID  string
	MQTTTopic     string

	// HomeKit accessory
	HomeKitEnabled bool
	HomeKitPin     string
	HomeKitStorage string
	HomeKitPort    string

	// S3 archive (disabled when bucket is empty)
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Prefix    string
	S3UseSSL    bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DeviceURL:         envOr("DASHCTL_DEVICE_URL", "http://192.168.1.254"),
		Timeout:           envDuration("DASHCTL_TIMEOUT", 5*time.Second),
		HeartbeatInterval: envDuration("DASHCTL_HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatFailures: envInt("DASHCTL_HEARTBEAT_FAILURES", 2),
		SyncOnHeartbeat:   envBool("DASHCTL_SYNC_ON_HEARTBEAT", true),
		ListenAddr:        envOr("LISTEN_ADDR", "127.0.0.1:8088"),
		MetricsAddr:       envOr("METRICS_ADDR", "127.0.0.1:9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "console"),
		MQTTBrokerURI:     envOr("MQTT_BROKER_URI", ""),
		MQTTClientID:      envOr("MQTT_CLIENT_ID", "dashctl"),
		MQTTTopic:         envOr("MQTT_TOPIC", "dashctl"),
		HomeKitEnabled:    envBool("HOMEKIT_ENABLED", false),
		HomeKitPin:        envOr("HOMEKIT_PIN", "00102003"),
		HomeKitStorage:    envOr("HOMEKIT_STORAGE", "./homekit"),
		HomeKitPort:       envOr("HOMEKIT_PORT", ""),
		S3Endpoint:        envOr("S3_ENDPOINT", ""),
		S3Bucket:          envOr("S3_BUCKET", ""),
		S3AccessKey:       envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:       envOr("S3_SECRET_KEY", ""),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3Prefix:          envOr("S3_PREFIX", "dashcam"),
		S3UseSSL:          envBool("S3_USE_SSL", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	u, err := url.Parse(c.DeviceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("DASHCTL_DEVICE_URL must be an http(s) URL, got %q", c.DeviceURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("DASHCTL_TIMEOUT must be positive")
	}
	if c.HeartbeatFailures < 1 {
		return fmt.Errorf("DASHCTL_HEARTBEAT_FAILURES must be at least 1")
	}
	if c.HomeKitEnabled && !validPin(c.HomeKitPin) {
		return fmt.Errorf("HOMEKIT_PIN must be 8 digits")
	}
	if c.S3Bucket != "" && (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	return nil
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBrokerURI != ""
}

// ArchiveEnabled reports whether a bucket is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

func validPin(pin string) bool {
	if len(pin) != 8 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go durations ("10s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeviceURL != "http://192.168.1.254" {
		t.Errorf("DeviceURL = %q", cfg.DeviceURL)
	}
	if cfg.HeartbeatInterval != 10*time.Second || cfg.HeartbeatFailures != 2 {
		t.Errorf("heartbeat = %v / %d", cfg.HeartbeatInterval, cfg.HeartbeatFailures)
	}
	if !cfg.SyncOnHeartbeat {
		t.Error("SyncOnHeartbeat should default to true")
	}
	if cfg.MQTTEnabled() || cfg.ArchiveEnabled() || cfg.HomeKitEnabled {
		t.Error("integrations should be off by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DASHCTL_DEVICE_URL", "http://10.0.0.5")
	t.Setenv("DASHCTL_TIMEOUT", "3")
	t.Setenv("DASHCTL_HEARTBEAT_INTERVAL", "1m")
	t.Setenv("DASHCTL_HEARTBEAT_FAILURES", "4")
	t.Setenv("DASHCTL_SYNC_ON_HEARTBEAT", "false")
	t.Setenv("MQTT_BROKER_URI", "tcp://broker:1883")
	t.Setenv("S3_BUCKET", "footage")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeviceURL != "http://10.0.0.5" || cfg.Timeout != 3*time.Second {
		t.Errorf("device = %q %v", cfg.DeviceURL, cfg.Timeout)
	}
	if cfg.HeartbeatInterval != time.Minute || cfg.HeartbeatFailures != 4 || cfg.SyncOnHeartbeat {
		t.Errorf("heartbeat = %v %d %v", cfg.HeartbeatInterval, cfg.HeartbeatFailures, cfg.SyncOnHeartbeat)
	}
	if !cfg.MQTTEnabled() || !cfg.ArchiveEnabled() {
		t.Error("integrations should be enabled")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad url", "DASHCTL_DEVICE_URL", "192.168.1.254"},
		{"zero timeout", "DASHCTL_TIMEOUT", "0s"},
		{"no failures", "DASHCTL_HEARTBEAT_FAILURES", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_HomeKitPin(t *testing.T) {
	t.Setenv("HOMEKIT_ENABLED", "true")
	t.Setenv("HOMEKIT_PIN", "1234")
	if _, err := Load(); err == nil {
		t.Error("expected error for short pin")
	}
}

func TestEnvDuration_Fallback(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	if d := envDuration("X_DURATION", 7*time.Second); d != 7*time.Second {
		t.Errorf("got %v", d)
	}
}

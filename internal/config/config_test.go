package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV", "LOG_LEVEL", "MCU_PORT", "GROUND_PORT", "MCU_BAUD",
		"GROUND_BAUD", "LINK_POLL_TIMEOUT", "MQTT_BROKER", "MQTT_PORT",
		"MQTT_CLIENT_ID", "DB_PATH", "STORAGE_DIR", "CAPTURE_INTERVAL",
		"BEACON_INTERVAL", "HEALTH_INTERVAL", "CHUNK_SIZE", "CHUNK_DELAY",
		"MIN_FREE_SPACE_GB", "TELEMETRY_RETENTION_DAYS", "TELEMETRY_QUEUE_CAP",
		"COMMAND_QUEUE_CAP", "CAPTURE_QUEUE_CAP", "DOWNLINK_QUEUE_CAP",
		"ENQUEUE_TIMEOUT", "SHUTDOWN_TIMEOUT", "METRICS_ADDR", "CAMERA_MODE",
		"CAMERA_QUALITY",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want dev", cfg.AppEnv)
	}
	if cfg.BeaconInterval != 30*time.Second {
		t.Errorf("BeaconInterval = %v, want 30s", cfg.BeaconInterval)
	}
	if cfg.CaptureInterval != 10*time.Minute {
		t.Errorf("CaptureInterval = %v, want 10m", cfg.CaptureInterval)
	}
	if cfg.ChunkSize != 256 {
		t.Errorf("ChunkSize = %d, want 256", cfg.ChunkSize)
	}
	if cfg.ChunkDelay != 50*time.Millisecond {
		t.Errorf("ChunkDelay = %v, want 50ms", cfg.ChunkDelay)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cfg.RetentionDays)
	}
	if cfg.TelemetryQueueCap != 100 || cfg.CommandQueueCap != 50 ||
		cfg.CaptureQueueCap != 10 || cfg.DownlinkQueueCap != 50 {
		t.Errorf("queue caps = %d/%d/%d/%d, want 100/50/10/50",
			cfg.TelemetryQueueCap, cfg.CommandQueueCap, cfg.CaptureQueueCap, cfg.DownlinkQueueCap)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", cfg.ShutdownTimeout)
	}
	if cfg.MQTTBroker != "" {
		t.Errorf("MQTTBroker = %q, want empty (bridge disabled)", cfg.MQTTBroker)
	}
	if !strings.HasSuffix(cfg.DBPath, "telemetry.db") {
		t.Errorf("DBPath = %q, want a telemetry.db under the storage dir", cfg.DBPath)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BEACON_INTERVAL", " 10s ")
	t.Setenv("CHUNK_SIZE", "512")
	t.Setenv("MQTT_BROKER", "radio-gw.local")
	t.Setenv("CAMERA_MODE", "stub")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.BeaconInterval != 10*time.Second {
		t.Errorf("BeaconInterval = %v, want 10s", cfg.BeaconInterval)
	}
	if cfg.ChunkSize != 512 {
		t.Errorf("ChunkSize = %d, want 512", cfg.ChunkSize)
	}
	if cfg.MQTTBroker != "radio-gw.local" {
		t.Errorf("MQTTBroker = %q, want radio-gw.local", cfg.MQTTBroker)
	}
	if cfg.CameraMode != "stub" {
		t.Errorf("CameraMode = %q, want stub", cfg.CameraMode)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"APP_ENV", "staging"},
		{"LOG_LEVEL", "verbose"},
		{"CHUNK_SIZE", "0"},
		{"CHUNK_SIZE", "100000"},
		{"BEACON_INTERVAL", "-5s"},
		{"TELEMETRY_RETENTION_DAYS", "0"},
		{"CAMERA_QUALITY", "200"},
		{"CAMERA_MODE", "film"},
		{"MQTT_PORT", "not-a-port"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("%s=%q accepted, want error", tt.key, tt.value)
			}
		})
	}
}

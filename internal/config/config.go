package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	// MCUPort and GroundPort name serial devices ("/dev/serial0"), network
	// endpoints ("tcp:host:port") or the in-process loopback ("mem:").
	MCUPort         string
	GroundPort      string
	MCUBaud         int
	GroundBaud      int
	LinkPollTimeout time.Duration

	// MQTTBroker empty disables the ground-segment bridge.
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string

	DBPath     string
	StorageDir string

	CaptureInterval time.Duration
	BeaconInterval  time.Duration
	HealthInterval  time.Duration

	ChunkSize  int
	ChunkDelay time.Duration

	MinFreeSpaceGB float64
	RetentionDays  int

	TelemetryQueueCap int
	CommandQueueCap   int
	CaptureQueueCap   int
	DownlinkQueueCap  int
	EnqueueTimeout    time.Duration

	ShutdownTimeout time.Duration

	// MetricsAddr empty disables the Prometheus listener.
	MetricsAddr string

	CameraMode    string
	CameraQuality int
}

func LoadFromEnv() (Config, error) {
	appEnv := stringFromEnv("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(stringFromEnv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	mcuBaud, err := intFromEnv("MCU_BAUD", "115200")
	if err != nil {
		return Config{}, err
	}
	groundBaud, err := intFromEnv("GROUND_BAUD", "115200")
	if err != nil {
		return Config{}, err
	}
	linkPollTimeout, err := positiveDurationFromEnv("LINK_POLL_TIMEOUT", "100ms")
	if err != nil {
		return Config{}, err
	}

	mqttPort, err := intFromEnv("MQTT_PORT", "1883")
	if err != nil {
		return Config{}, err
	}

	storageDir, err := filepath.Abs(stringFromEnv("STORAGE_DIR", "data"))
	if err != nil {
		return Config{}, fmt.Errorf("STORAGE_DIR: %w", err)
	}
	dbPath := stringFromEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(storageDir, "telemetry.db")
	}
	dbPath, err = filepath.Abs(dbPath)
	if err != nil {
		return Config{}, fmt.Errorf("DB_PATH: %w", err)
	}

	captureInterval, err := positiveDurationFromEnv("CAPTURE_INTERVAL", "10m")
	if err != nil {
		return Config{}, err
	}
	beaconInterval, err := positiveDurationFromEnv("BEACON_INTERVAL", "30s")
	if err != nil {
		return Config{}, err
	}
	healthInterval, err := positiveDurationFromEnv("HEALTH_INTERVAL", "1m")
	if err != nil {
		return Config{}, err
	}

	chunkSize, err := intFromEnv("CHUNK_SIZE", "256")
	if err != nil {
		return Config{}, err
	}
	if chunkSize < 1 || chunkSize > protocol.MaxChunkData {
		return Config{}, fmt.Errorf("CHUNK_SIZE must be between 1 and %d, got %d", protocol.MaxChunkData, chunkSize)
	}
	chunkDelay, err := positiveDurationFromEnv("CHUNK_DELAY", "50ms")
	if err != nil {
		return Config{}, err
	}

	minFreeSpaceGB, err := floatFromEnv("MIN_FREE_SPACE_GB", "0.5")
	if err != nil {
		return Config{}, err
	}
	if minFreeSpaceGB < 0 {
		return Config{}, fmt.Errorf("MIN_FREE_SPACE_GB must not be negative, got %v", minFreeSpaceGB)
	}
	retentionDays, err := positiveIntFromEnv("TELEMETRY_RETENTION_DAYS", "30")
	if err != nil {
		return Config{}, err
	}

	telemetryQueueCap, err := positiveIntFromEnv("TELEMETRY_QUEUE_CAP", "100")
	if err != nil {
		return Config{}, err
	}
	commandQueueCap, err := positiveIntFromEnv("COMMAND_QUEUE_CAP", "50")
	if err != nil {
		return Config{}, err
	}
	captureQueueCap, err := positiveIntFromEnv("CAPTURE_QUEUE_CAP", "10")
	if err != nil {
		return Config{}, err
	}
	downlinkQueueCap, err := positiveIntFromEnv("DOWNLINK_QUEUE_CAP", "50")
	if err != nil {
		return Config{}, err
	}
	enqueueTimeout, err := positiveDurationFromEnv("ENQUEUE_TIMEOUT", "1s")
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := positiveDurationFromEnv("SHUTDOWN_TIMEOUT", "5s")
	if err != nil {
		return Config{}, err
	}

	cameraMode := stringFromEnv("CAMERA_MODE", "auto")
	switch cameraMode {
	case "auto", "libcamera", "stub":
	default:
		return Config{}, fmt.Errorf("invalid CAMERA_MODE %q (allowed: auto, libcamera, stub)", cameraMode)
	}
	cameraQuality, err := intFromEnv("CAMERA_QUALITY", "85")
	if err != nil {
		return Config{}, err
	}
	if cameraQuality < 1 || cameraQuality > 100 {
		return Config{}, fmt.Errorf("CAMERA_QUALITY must be between 1 and 100, got %d", cameraQuality)
	}

	return Config{
		AppEnv:            appEnv,
		LogLevel:          level,
		MCUPort:           stringFromEnv("MCU_PORT", "/dev/serial0"),
		GroundPort:        stringFromEnv("GROUND_PORT", "/dev/ttyUSB0"),
		MCUBaud:           mcuBaud,
		GroundBaud:        groundBaud,
		LinkPollTimeout:   linkPollTimeout,
		MQTTBroker:        stringFromEnv("MQTT_BROKER", ""),
		MQTTPort:          mqttPort,
		MQTTClientID:      stringFromEnv("MQTT_CLIENT_ID", "cubesat-flight"),
		DBPath:            dbPath,
		StorageDir:        storageDir,
		CaptureInterval:   captureInterval,
		BeaconInterval:    beaconInterval,
		HealthInterval:    healthInterval,
		ChunkSize:         chunkSize,
		ChunkDelay:        chunkDelay,
		MinFreeSpaceGB:    minFreeSpaceGB,
		RetentionDays:     retentionDays,
		TelemetryQueueCap: telemetryQueueCap,
		CommandQueueCap:   commandQueueCap,
		CaptureQueueCap:   captureQueueCap,
		DownlinkQueueCap:  downlinkQueueCap,
		EnqueueTimeout:    enqueueTimeout,
		ShutdownTimeout:   shutdownTimeout,
		MetricsAddr:       stringFromEnv("METRICS_ADDR", ""),
		CameraMode:        cameraMode,
		CameraQuality:     cameraQuality,
	}, nil
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key, def string) (int, error) {
	s := stringFromEnv(key, def)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func positiveIntFromEnv(key, def string) (int, error) {
	v, err := intFromEnv(key, def)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, v)
	}
	return v, nil
}

func floatFromEnv(key, def string) (float64, error) {
	s := stringFromEnv(key, def)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func positiveDurationFromEnv(key, def string) (time.Duration, error) {
	s := stringFromEnv(key, def)
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, v)
	}
	return v, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

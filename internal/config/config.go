package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the gateway listens on.
	DefaultAddr = ":43127"
	// DefaultPingInterval controls the keepalive cadence for device WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent device connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultLogLevel controls verbosity for host logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "microclaw-host.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultBusDir is where the message bus persists its append-only log.
	DefaultBusDir = "data/bus"

	// DefaultQueueInflightLimit bounds global concurrent command execution.
	DefaultQueueInflightLimit = 4
	// DefaultQueueMaxAttempts bounds retries for a failed queue item.
	DefaultQueueMaxAttempts = 3
	// DefaultQueueBackoffMs is the retry backoff floor in milliseconds.
	DefaultQueueBackoffMs int64 = 2000

	// DefaultSchedulerStorePath is where scheduled tasks are persisted.
	DefaultSchedulerStorePath = "data/scheduler/tasks.json"
	// DefaultSchedulerPollInterval controls how often due tasks are polled.
	DefaultSchedulerPollInterval = 5 * time.Second

	// DefaultSafetyFailLimit is the consecutive-failure threshold before a
	// device is placed into safe mode.
	DefaultSafetyFailLimit = 5

	// DefaultSandboxImage is the container image scheduled task runs execute
	// inside.
	DefaultSandboxImage = "microclaw/agent:latest"

	// DeviceAuthModeNone accepts every device connection, trusting its
	// declared device_id. Suitable for local development only.
	DeviceAuthModeNone = "none"
	// DeviceAuthModeHMAC requires an HS256-signed token shared between host
	// and device.
	DeviceAuthModeHMAC = "hmac"
)

// Config captures all runtime tunables for the gateway host process.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	Logging         LoggingConfig

	BusDir string

	QueueInflightLimit int
	QueueMaxAttempts   int
	QueueBackoffMs     int64

	SchedulerStorePath    string
	SchedulerPollInterval time.Duration

	SandboxMountAllowlist  []string
	SandboxEgressAllowlist []string
	SandboxSecretAllowlist []string
	SandboxImage           string

	SafetyFailLimit int

	DeviceAuthMode   string
	DeviceAuthSecret string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the host configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("MICROCLAW_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("MICROCLAW_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		TLSCertPath:     strings.TrimSpace(os.Getenv("MICROCLAW_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("MICROCLAW_TLS_KEY")),
		AdminToken:      strings.TrimSpace(os.Getenv("MICROCLAW_ADMIN_TOKEN")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("MICROCLAW_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("MICROCLAW_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		BusDir:                 getString("MICROCLAW_BUS_DIR", DefaultBusDir),
		QueueInflightLimit:     DefaultQueueInflightLimit,
		QueueMaxAttempts:       DefaultQueueMaxAttempts,
		QueueBackoffMs:         DefaultQueueBackoffMs,
		SchedulerStorePath:     getString("MICROCLAW_SCHEDULER_STORE_PATH", DefaultSchedulerStorePath),
		SchedulerPollInterval:  DefaultSchedulerPollInterval,
		SandboxMountAllowlist:  parseList(os.Getenv("MICROCLAW_SANDBOX_MOUNT_ALLOWLIST")),
		SandboxEgressAllowlist: parseList(os.Getenv("MICROCLAW_SANDBOX_EGRESS_ALLOWLIST")),
		SandboxSecretAllowlist: parseList(os.Getenv("MICROCLAW_SANDBOX_SECRET_ALLOWLIST")),
		SandboxImage:           getString("MICROCLAW_SANDBOX_IMAGE", DefaultSandboxImage),
		SafetyFailLimit:        DefaultSafetyFailLimit,
		DeviceAuthMode:         strings.ToLower(getString("MICROCLAW_DEVICE_AUTH_MODE", DeviceAuthModeNone)),
		DeviceAuthSecret:       strings.TrimSpace(os.Getenv("MICROCLAW_DEVICE_AUTH_SECRET")),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MICROCLAW_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_QUEUE_INFLIGHT_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_QUEUE_INFLIGHT_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.QueueInflightLimit = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_QUEUE_MAX_ATTEMPTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_QUEUE_MAX_ATTEMPTS must be a positive integer, got %q", raw))
		} else {
			cfg.QueueMaxAttempts = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_QUEUE_BACKOFF_MS")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_QUEUE_BACKOFF_MS must be a non-negative integer, got %q", raw))
		} else {
			cfg.QueueBackoffMs = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_SCHEDULER_POLL_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_SCHEDULER_POLL_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SchedulerPollInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MICROCLAW_SAFETY_FAIL_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MICROCLAW_SAFETY_FAIL_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.SafetyFailLimit = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "MICROCLAW_TLS_CERT and MICROCLAW_TLS_KEY must be provided together")
	}

	switch cfg.DeviceAuthMode {
	case DeviceAuthModeNone:
	case DeviceAuthModeHMAC:
		if cfg.DeviceAuthSecret == "" {
			problems = append(problems, "MICROCLAW_DEVICE_AUTH_SECRET is required when MICROCLAW_DEVICE_AUTH_MODE=hmac")
		}
	default:
		problems = append(problems, fmt.Sprintf("MICROCLAW_DEVICE_AUTH_MODE must be %q or %q, got %q", DeviceAuthModeNone, DeviceAuthModeHMAC, cfg.DeviceAuthMode))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

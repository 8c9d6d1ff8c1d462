package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string
	LogFile     string // When set, stdout/stderr are redirected here

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Authentication
	AuthEnabled   bool // If false, uses the anonymous user (default: false)
	SessionSecret []byte
	TokenTTL      time.Duration // Lifetime of terminal/proxy WebSocket tokens

	// Docker settings
	DockerHost string

	// Images
	IDEImage         string
	IDEImageFallback string
	RunnerImage      string

	// IDE port publishing
	PublishHostPort bool
	IDEInternalPort int
	PortRangeStart  int
	PortRangeEnd    int

	// Resource limits applied to every session container
	MemoryLimitMB int
	CPULimit      float64
	PidsLimit     int64

	// Lifecycle timing
	StopGrace    time.Duration
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	ProbeTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})
	cfg.LogFile = getEnv("LOG_FILE", "")

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./vibecode.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Authentication - defaults to disabled (anonymous user mode)
	cfg.AuthEnabled = getEnvBool("AUTH_ENABLED", false)

	sessionSecret := getEnv("SESSION_SECRET", "")
	if sessionSecret == "" {
		if cfg.AuthEnabled {
			return nil, fmt.Errorf("SESSION_SECRET is required when AUTH_ENABLED=true")
		}
		// Default for no-auth mode (tokens still signed but key isn't secure)
		sessionSecret = "vibecode-dev-session-secret-not-for-production"
	}
	cfg.SessionSecret = []byte(sessionSecret)
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", 5*time.Minute)

	// Docker
	cfg.DockerHost = getEnv("DOCKER_HOST_OVERRIDE", "")

	// Images. VIBECODE_IDE_IMAGE overrides both the primary and the fallback;
	// the fallback applies only when the primary is one of the known
	// code-server images.
	cfg.IDEImage = getEnv("VIBECODE_IDE_IMAGE", "codercom/code-server:latest")
	cfg.IDEImageFallback = getEnv("VIBECODE_IDE_IMAGE_FALLBACK", "linuxserver/code-server:latest")
	cfg.RunnerImage = getEnv("VIBECODE_RUNNER_IMAGE", "python:3.12-slim")

	// Port publishing
	cfg.PublishHostPort = getEnvBool("PUBLISH_HOST_PORT", true)
	cfg.IDEInternalPort = getEnvInt("IDE_INTERNAL_PORT", 8443)
	cfg.PortRangeStart = getEnvInt("PORT_RANGE_START", 40000)
	cfg.PortRangeEnd = getEnvInt("PORT_RANGE_END", 40100)
	if cfg.PortRangeEnd < cfg.PortRangeStart {
		return nil, fmt.Errorf("PORT_RANGE_END (%d) must be >= PORT_RANGE_START (%d)", cfg.PortRangeEnd, cfg.PortRangeStart)
	}

	// Resource limits
	cfg.MemoryLimitMB = getEnvInt("CONTAINER_MEMORY_MB", 2048)
	cfg.CPULimit = getEnvFloat("CONTAINER_CPU_LIMIT", 1.0)
	cfg.PidsLimit = int64(getEnvInt("CONTAINER_PIDS_LIMIT", 256))

	// Lifecycle timing
	cfg.StopGrace = getEnvDuration("CONTAINER_STOP_GRACE", 10*time.Second)
	cfg.IdleTimeout = getEnvDuration("CONTAINER_IDLE_TIMEOUT", 30*time.Minute)
	cfg.ReapInterval = getEnvDuration("CONTAINER_REAP_INTERVAL", 5*time.Minute)
	cfg.ProbeTimeout = getEnvDuration("CONTAINER_PROBE_TIMEOUT", 10*time.Second)

	return cfg, nil
}

// detectDriver determines the database driver from the DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from the DSN for the sqlite driver; for
// postgres the full URL form is kept.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

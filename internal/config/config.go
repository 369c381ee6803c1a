package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the easymail application.
// Values are loaded from environment variables; see printUsage() in cmd/easymail
// for the full list.
type Config struct {
	// StoreDriver: "postgres" or "sqlite".
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`
	DeliveryTimeout           time.Duration `json:"-"`
	DeliveryTimeoutStr        string        `json:"delivery_timeout"`
	DispatcherWorkers         int           `json:"dispatcher_workers"`
	EventBusBufferSize        int           `json:"eventbus_buffer_size"`

	// MisfireThreshold: a trigger fired later than this is recorded as misfired.
	MisfireThreshold       time.Duration `json:"-"`
	MisfireThresholdStr    string        `json:"misfire_threshold"`
	SchedulerRetryDelay    time.Duration `json:"-"`
	SchedulerRetryDelayStr string        `json:"scheduler_retry_delay"`

	ReconcileEnabled   bool   `json:"reconcile_enabled"`
	ReconcileSchedule  string `json:"reconcile_schedule"`
	ReconcileBatchSize int    `json:"reconcile_batch_size"`

	// MailDriver: "smtp" or "log".
	MailDriver   string `json:"mail_driver"`
	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username,omitempty"`
	SMTPPassword string `json:"smtp_password,omitempty"`
	SMTPTLS      string `json:"smtp_tls"`
	MailFrom     string `json:"mail_from,omitempty"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Warnings collects values that were present but unusable and replaced by
	// their default.
	Warnings []string `json:"-"`
}

// LoadEnvFile seeds the process environment from a dotenv file. Variables that
// are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreDriver:               getenv("STORE_DRIVER", "postgres"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		SQLitePath:                getenv("SQLITE_PATH", "easymail.db"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		HTTPAddr:                  os.Getenv("HTTP_ADDR"),
		DBOpTimeoutStr:            getenv("DB_OP_TIMEOUT", "5s"),
		DBConnMaxLifetimeStr:      getenv("DB_CONN_MAX_LIFETIME", "30m"),
		DBConnMaxIdleTimeStr:      getenv("DB_CONN_MAX_IDLE_TIME", "5m"),
		HTTPShutdownTimeoutStr:    getenv("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		DispatcherDrainTimeoutStr: getenv("DISPATCHER_DRAIN_TIMEOUT", "30s"),
		DeliveryTimeoutStr:        getenv("DELIVERY_TIMEOUT", "1m"),
		MisfireThresholdStr:       getenv("MISFIRE_THRESHOLD", "1m"),
		SchedulerRetryDelayStr:    getenv("SCHEDULER_RETRY_DELAY", "5s"),
		ReconcileEnabled:          os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileSchedule:         getenv("RECONCILE_SCHEDULE", "@every 1m"),
		MailDriver:                getenv("MAIL_DRIVER", "smtp"),
		SMTPHost:                  os.Getenv("SMTP_HOST"),
		SMTPUsername:              os.Getenv("SMTP_USERNAME"),
		SMTPPassword:              os.Getenv("SMTP_PASSWORD"),
		SMTPTLS:                   getenv("SMTP_TLS", "opportunistic"),
		MailFrom:                  os.Getenv("MAIL_FROM"),
		MetricsEnabled:            os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:               getenv("METRICS_PATH", "/metrics"),
		MetricsPort:               getenv("METRICS_PORT", "9090"),
		LogLevel:                  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:                 strings.ToLower(getenv("LOG_FORMAT", "json")),
	}

	cfg.DBMaxOpenConns = cfg.positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = cfg.positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DispatcherWorkers = cfg.positiveInt("DISPATCHER_WORKERS", 4)
	cfg.EventBusBufferSize = cfg.positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.ReconcileBatchSize = cfg.positiveInt("RECONCILE_BATCH_SIZE", 500)
	cfg.SMTPPort = cfg.positiveInt("SMTP_PORT", 587)

	// Send from the SMTP account unless told otherwise.
	if cfg.MailFrom == "" {
		cfg.MailFrom = cfg.SMTPUsername
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(*d.str); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

type durationField struct {
	env string
	str *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"DB_OP_TIMEOUT", &c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DISPATCHER_DRAIN_TIMEOUT", &c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout},
		{"DELIVERY_TIMEOUT", &c.DeliveryTimeoutStr, &c.DeliveryTimeout},
		{"MISFIRE_THRESHOLD", &c.MisfireThresholdStr, &c.MisfireThreshold},
		{"SCHEDULER_RETRY_DELAY", &c.SchedulerRetryDelayStr, &c.SchedulerRetryDelay},
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// positiveInt reads key as a positive integer, falling back to def and
// recording a warning when the value is unusable.
func (c *Config) positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		c.Warnings = append(c.Warnings,
			fmt.Sprintf("invalid %s %q (must be a positive integer), using default %d", key, s, def))
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.SMTPPassword = maskSecret(c.SMTPPassword)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}

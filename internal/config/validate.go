package config

import (
	"fmt"
	"net/mail"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	easymail "github.com/djlord-it/easy-mail/internal/mail"
	"github.com/djlord-it/easy-mail/internal/reconciler"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required when STORE_DRIVER=sqlite")
		}
	default:
		add("STORE_DRIVER", "must be 'postgres' or 'sqlite', got %q", cfg.StoreDriver)
	}

	for _, d := range cfg.durations() {
		v, err := time.ParseDuration(*d.str)
		if err != nil {
			add(d.env, "invalid duration: %v", err)
		} else if v <= 0 {
			add(d.env, "must be positive")
		}
	}

	if cfg.ReconcileEnabled {
		if _, err := reconciler.ParseSchedule(cfg.ReconcileSchedule); err != nil {
			add("RECONCILE_SCHEDULE", "%v", err)
		}
	}

	switch cfg.MailDriver {
	case "smtp":
		if cfg.SMTPHost == "" {
			add("SMTP_HOST", "required when MAIL_DRIVER=smtp")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			add("SMTP_PORT", "must be between 1 and 65535, got %d", cfg.SMTPPort)
		}
		switch easymail.TLSPolicy(cfg.SMTPTLS) {
		case easymail.TLSOpportunistic, easymail.TLSMandatory, easymail.TLSNone:
		default:
			add("SMTP_TLS", "must be 'opportunistic', 'mandatory' or 'none', got %q", cfg.SMTPTLS)
		}
		if cfg.MailFrom == "" {
			add("MAIL_FROM", "required when SMTP_USERNAME is unset")
		}
	case "log":
	default:
		add("MAIL_DRIVER", "must be 'smtp' or 'log', got %q", cfg.MailDriver)
	}
	if cfg.MailFrom != "" {
		if _, err := mail.ParseAddress(cfg.MailFrom); err != nil {
			add("MAIL_FROM", "invalid address %q", cfg.MailFrom)
		}
	}

	if cfg.MetricsEnabled {
		if port, err := strconv.Atoi(cfg.MetricsPort); err != nil || port < 1 || port > 65535 {
			add("METRICS_PORT", "must be a port number, got %q", cfg.MetricsPort)
		}
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "unknown level %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"pufattest/internal/challenge"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateListen(&c.Listen)...)
	errs = append(errs, validateProtocol(&c.Protocol)...)
	errs = append(errs, validateChallenges(c)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateHTTP(&c.HTTP)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateListen(l *ListenConfig) ValidationErrors {
	var errs ValidationErrors

	host, _, err := net.SplitHostPort(l.Address)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "listen.address",
			Message: fmt.Sprintf("invalid address %q: %v", l.Address, err),
		})
	}

	if (l.CertFile == "") != (l.KeyFile == "") {
		errs = append(errs, ValidationError{
			Field:   "listen.key_file",
			Message: "cert_file and key_file must be set together",
		})
	}

	if l.CertFile == "" && err == nil && !isLoopback(host) {
		errs = append(errs, ValidationError{
			Field:   "listen.cert_file",
			Message: "TLS is required on non-loopback addresses",
		})
	}

	if l.RequireClientCert && l.CAFile == "" {
		errs = append(errs, *RequiredFieldError("listen.ca_file"))
	}

	if l.MaxFailures < 0 || l.LockoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "listen.max_failures",
			Message: "lockout settings cannot be negative",
		})
	}

	if l.SessionTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "listen.session_timeout_sec",
			Message: "session timeout cannot be negative",
		})
	}

	return errs
}

func validateProtocol(p *ProtocolConfig) ValidationErrors {
	var errs ValidationErrors

	if p.PacingDelayMs < 0 || p.PacingDelayMs > 60000 {
		errs = append(errs, *RangeError("protocol.pacing_delay_ms", 0, 60000))
	}
	if p.ReadTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "protocol.read_timeout_ms",
			Message: "read timeout cannot be negative",
		})
	}
	if p.PollIntervalMs < 0 || p.PollIntervalMs > 1000 {
		errs = append(errs, *RangeError("protocol.poll_interval_ms", 0, 1000))
	}
	if _, err := challenge.IDSetByName(p.IDSet); err != nil {
		errs = append(errs, ValidationError{
			Field:   "protocol.id_set",
			Message: fmt.Sprintf("invalid id set: %s (valid: standard, compact)", p.IDSet),
		})
	}
	if _, err := p.Pattern(); err != nil {
		errs = append(errs, ValidationError{
			Field:   "protocol.setup_pattern",
			Message: err.Error(),
		})
	}

	return errs
}

func validateChallenges(c *Config) ValidationErrors {
	if _, err := c.ChallengeSet(); err != nil {
		return ValidationErrors{{
			Field:   "challenges",
			Message: err.Error(),
		}}
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if !s.Enabled {
		return errs
	}
	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "storage path is required when storage is enabled",
		})
	}
	if s.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.retention_days",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateHTTP(h *HTTPConfig) ValidationErrors {
	if !h.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(h.Address); err != nil {
		return ValidationErrors{{
			Field:   "http.address",
			Message: fmt.Sprintf("invalid address %q: %v", h.Address, err),
		}}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// Package config provides YAML configuration loading and validation for the
// fimd daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for fimd. Watch roots are
// deliberately absent: they are supplied through the control API for each
// session.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	HTTP HTTPConfig `yaml:"http"`

	Database DatabaseConfig `yaml:"database"`

	// JournalPath is the hash-chained journal mirroring the audit trail.
	// Empty disables the journal.
	JournalPath string `yaml:"journal_path"`

	Monitor MonitorConfig `yaml:"monitor"`
}

// HTTPConfig configures the control API listener.
type HTTPConfig struct {
	// Addr is the listen address. Defaults to "127.0.0.1:6077".
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// AllowedOrigins lists the origins permitted by CORS. Empty disables
	// cross-origin access.
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,required"`

	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig enables bearer-token authentication on /api/v1. Authentication
// is off when PublicKeyPath is empty.
type JWTConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key used to verify RS256
	// tokens.
	PublicKeyPath string `yaml:"public_key_path" validate:"omitempty,file"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// DatabaseConfig selects the audit store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`

	// Path is the SQLite database file. Required for the sqlite driver.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`

	// DSN is the PostgreSQL connection string. Required for the postgres
	// driver.
	DSN string `yaml:"dsn" validate:"required_if=Driver postgres"`

	// MaxRetries bounds the busy retries around each SQLite write. Zero keeps
	// the store's default.
	MaxRetries uint64 `yaml:"max_retries" validate:"lte=100"`
}

// MonitorConfig tunes the dispatch loop.
type MonitorConfig struct {
	// PollInterval is the pause taken when no notifications are pending.
	// Defaults to 100ms.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=1ms,lte=10s"`

	// BufferSize is the notification read buffer in events. Defaults to 64.
	BufferSize int `yaml:"buffer_size" validate:"gte=1,lte=65536"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates it. All validation failures are reported together.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:6077"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "fimd.db"
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 100 * time.Millisecond
	}
	if cfg.Monitor.BufferSize == 0 {
		cfg.Monitor.BufferSize = 64
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML key.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks every field and joins the failures into one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s %s", fieldKey(fe), message(fe)))
	}
	return errors.Join(errs...)
}

// fieldKey returns the dotted YAML key of a failed field, e.g. "http.addr".
func fieldKey(fe validator.FieldError) string {
	_, key, found := strings.Cut(fe.Namespace(), ".")
	if !found {
		return fe.Field()
	}
	return key
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("%q must be one of: %s", fmt.Sprint(fe.Value()), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "hostname_port":
		return fmt.Sprintf("%q must be host:port", fmt.Sprint(fe.Value()))
	case "file":
		return fmt.Sprintf("%q is not a readable file", fmt.Sprint(fe.Value()))
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must not exceed " + fe.Param()
	default:
		return "is invalid"
	}
}

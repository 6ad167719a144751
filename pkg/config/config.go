package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. YOLO_API_PORT
const EnvPrefix = "YOLO"

// Settings is the server configuration
type Settings struct {
	APIHost     string `mapstructure:"api_host"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`

	TrainingDir            string        `mapstructure:"training_dir"`
	MaxConcurrentTrainings int           `mapstructure:"max_concurrent_trainings"`
	MaxUploadSizeMB        int           `mapstructure:"max_upload_size_mb"`
	MaxArchiveSizeMB       int           `mapstructure:"max_archive_size_mb"`
	MaxArchiveEntries      int           `mapstructure:"max_archive_entries"`
	MaxFilenameLength      int           `mapstructure:"max_filename_length"`
	WeightsDir             string        `mapstructure:"weights_dir"`
	RelayInterval          time.Duration `mapstructure:"relay_interval"`
	RelayWake              bool          `mapstructure:"relay_wake"`

	LogLevel  string   `mapstructure:"log_level"`
	LogFormat string   `mapstructure:"log_format"`
	CORS      []string `mapstructure:"cors_origins"`

	APIKeys      []string `mapstructure:"api_keys"`
	APIKeyHashes []string `mapstructure:"api_key_hashes"`

	Store     StoreSettings     `mapstructure:"store"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Tracing   TracingSettings   `mapstructure:"tracing"`
	Trainer   TrainerSettings   `mapstructure:"trainer"`
	TLS       TLSSettings       `mapstructure:"tls"`

	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreSettings struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
	Path string `mapstructure:"path"`
}

type RateLimitSettings struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type TracingSettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
}

type TrainerSettings struct {
	Type       string        `mapstructure:"type"`
	Command    string        `mapstructure:"command"`
	Args       []string      `mapstructure:"args"`
	EpochDelay time.Duration `mapstructure:"epoch_delay"`
}

type TLSSettings struct {
	Cert       string `mapstructure:"cert"`
	Key        string `mapstructure:"key"`
	SelfSigned bool   `mapstructure:"self_signed"`
}

// Enabled reports whether the API should be served over TLS
func (t TLSSettings) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// SetDefaults registers every key so environment overrides apply on Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api_host", "0.0.0.0")
	v.SetDefault("api_port", 8000)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("training_dir", filepath.Join(os.TempDir(), "yolo_training"))
	v.SetDefault("max_concurrent_trainings", 2)
	v.SetDefault("max_upload_size_mb", 100)
	v.SetDefault("max_archive_size_mb", 500)
	v.SetDefault("max_archive_entries", 10000)
	v.SetDefault("max_filename_length", 255)
	v.SetDefault("weights_dir", "~/.cache/yolo")
	v.SetDefault("relay_interval", time.Second)
	v.SetDefault("relay_wake", true)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")
	v.SetDefault("cors_origins", []string{"http://localhost:5173", "http://localhost:3000", "http://localhost:8080"})
	v.SetDefault("api_keys", []string{})
	v.SetDefault("api_key_hashes", []string{})
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "")
	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("trainer.type", "simulated")
	v.SetDefault("trainer.command", "")
	v.SetDefault("trainer.args", []string{})
	v.SetDefault("trainer.epoch_delay", 2*time.Second)
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("tls.self_signed", false)
	v.SetDefault("retention", time.Duration(0))
	v.SetDefault("cleanup_interval", 10*time.Minute)
	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// New returns a viper instance with defaults and YOLO_ environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file into v and decodes validated settings
func Load(v *viper.Viper, file string) (*Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	s.WeightsDir = expandHome(s.WeightsDir)
	s.TrainingDir = expandHome(s.TrainingDir)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate enforces ranges and enumerations, reporting every violation
func (s *Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.APIPort >= 1000 && s.APIPort <= 65535, "api_port must be between 1000 and 65535, got %d", s.APIPort)
	check(s.MetricsPort >= 0 && s.MetricsPort <= 65535, "metrics_port must be between 0 and 65535, got %d", s.MetricsPort)
	check(s.MetricsPort == 0 || s.MetricsPort != s.APIPort, "metrics_port must differ from api_port")
	check(s.TrainingDir != "", "training_dir is required")
	check(s.MaxConcurrentTrainings >= 1 && s.MaxConcurrentTrainings <= 10,
		"max_concurrent_trainings must be between 1 and 10, got %d", s.MaxConcurrentTrainings)
	check(s.MaxUploadSizeMB > 0, "max_upload_size_mb must be positive")
	check(s.MaxArchiveSizeMB > 0, "max_archive_size_mb must be positive")
	check(s.MaxArchiveEntries > 0, "max_archive_entries must be positive")
	check(s.MaxFilenameLength > 0, "max_filename_length must be positive")
	check(s.RelayInterval > 0, "relay_interval must be positive")
	check(oneOf(strings.ToLower(s.LogFormat), "text", "json"), "log_format must be text or json, got %q", s.LogFormat)
	check(oneOf(s.Store.Type, "", "memory", "sqlite", "postgres"), "store.type must be memory, sqlite or postgres, got %q", s.Store.Type)
	check(s.Store.Type != "postgres" || s.Store.DSN != "", "store.dsn is required for postgres")
	check(s.RateLimit.RPS >= 0, "rate_limit.rps must not be negative")
	check(s.RateLimit.RPS == 0 || s.RateLimit.Burst > 0, "rate_limit.burst must be positive")
	check(oneOf(s.Trainer.Type, "simulated", "command"), "trainer.type must be simulated or command, got %q", s.Trainer.Type)
	check(s.Trainer.Type != "command" || s.Trainer.Command != "", "trainer.command is required for the command trainer")
	check((s.TLS.Cert == "") == (s.TLS.Key == ""), "tls.cert and tls.key must be set together")
	check(s.Retention >= 0, "retention must not be negative")
	check(s.Retention == 0 || s.CleanupInterval > 0, "cleanup_interval must be positive when retention is set")
	check(s.ShutdownTimeout > 0, "shutdown_timeout must be positive")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// APIAddr is the listen address of the API server
func (s *Settings) APIAddr() string {
	return fmt.Sprintf("%s:%d", s.APIHost, s.APIPort)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

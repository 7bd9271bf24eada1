// Package config loads engine configuration from a YAML file, a .env file
// and SESSIONFLOW_* environment variables. Priority: flags > env > file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/sessionflow/llmprovider"
	"github.com/petal-labs/sessionflow/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SESSIONFLOW_"

// DefaultFileName is looked up in the working directory.
const DefaultFileName = "sessionflow.yaml"

// File is the sessionflow.yaml structure.
type File struct {
	Server    ServerConfig                          `yaml:"server"`
	Engine    EngineConfig                          `yaml:"engine"`
	Storage   StorageConfig                         `yaml:"storage"`
	Handlers  HandlersConfig                        `yaml:"handlers"`
	Providers map[string]llmprovider.ProviderConfig `yaml:"providers"`
	Telemetry TelemetryConfig                       `yaml:"telemetry"`
	Log       LogConfig                             `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig configures the session manager.
type EngineConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	FailurePolicy  string        `yaml:"failure_policy"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// StorageConfig selects where state lives. An empty SQLitePath keeps the
// catalog, execution records and events in memory; an empty RedisURL keeps
// session data in memory.
type StorageConfig struct {
	SQLitePath string        `yaml:"sqlite_path"`
	RedisURL   string        `yaml:"redis_url"`
	RedisTTL   time.Duration `yaml:"redis_ttl"`
}

// HandlersConfig configures the reference handlers.
type HandlersConfig struct {
	SQLDSN          string `yaml:"sql_dsn"`
	DefaultProvider string `yaml:"default_provider"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *File {
	return &File{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Concurrency:   1,
			FailurePolicy: string(session.FailFast),
		},
		Storage: StorageConfig{
			RedisTTL: 24 * time.Hour,
		},
		Providers: map[string]llmprovider.ProviderConfig{},
		Telemetry: TelemetryConfig{ServiceName: "sessionflow"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Discover returns the config file to load. An explicit path must exist;
// otherwise ./sessionflow.yaml and ~/.sessionflow/config.yaml are tried in
// order. An empty result means no file was found.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	candidates := []string{DefaultFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".sessionflow", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (*File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path) // #nosec G304 -- path from flag or well-known location
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]llmprovider.ProviderConfig{}
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from SESSIONFLOW_* variables. Provider keys use
// SESSIONFLOW_PROVIDER_{NAME}_API_KEY.
func (f *File) ApplyEnv() error {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	setString("ADDR", &f.Server.Addr)
	setString("CORS_ORIGIN", &f.Server.CORSOrigin)
	setString("FAILURE_POLICY", &f.Engine.FailurePolicy)
	setString("SQLITE_PATH", &f.Storage.SQLitePath)
	setString("REDIS_URL", &f.Storage.RedisURL)
	setString("SQL_DSN", &f.Handlers.SQLDSN)
	setString("DEFAULT_PROVIDER", &f.Handlers.DefaultProvider)
	setString("OTLP_ENDPOINT", &f.Telemetry.OTLPEndpoint)
	setString("SERVICE_NAME", &f.Telemetry.ServiceName)
	setString("LOG_LEVEL", &f.Log.Level)
	setString("LOG_FORMAT", &f.Log.Format)

	if v, ok := os.LookupEnv(EnvPrefix + "CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCONCURRENCY: %w", EnvPrefix, err)
		}
		f.Engine.Concurrency = n
	}
	for name, dst := range map[string]*time.Duration{
		"DEFAULT_TIMEOUT":  &f.Engine.DefaultTimeout,
		"REDIS_TTL":        &f.Storage.RedisTTL,
		"SHUTDOWN_TIMEOUT": &f.Server.ShutdownTimeout,
	} {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	for _, env := range os.Environ() {
		key, val, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix+"PROVIDER_") {
			continue
		}
		rest := strings.TrimPrefix(key, EnvPrefix+"PROVIDER_")
		if !strings.HasSuffix(rest, "_API_KEY") {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(rest, "_API_KEY"))
		pc := f.Providers[name]
		pc.APIKey = val
		f.Providers[name] = pc
	}
	return nil
}

// ApplyProviderFlags sets provider API keys from "name=key" flag values.
func (f *File) ApplyProviderFlags(flags []string) error {
	for _, flag := range flags {
		name, key, ok := strings.Cut(flag, "=")
		if !ok || name == "" || key == "" {
			return fmt.Errorf("invalid provider-key format %q: expected name=key", flag)
		}
		name = strings.ToLower(name)
		pc := f.Providers[name]
		pc.APIKey = key
		f.Providers[name] = pc
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (f *File) Validate() error {
	if f.Engine.Concurrency < 0 {
		return fmt.Errorf("engine.concurrency must be >= 0, got %d", f.Engine.Concurrency)
	}
	if _, err := session.ParseFailurePolicy(f.Engine.FailurePolicy); err != nil {
		return fmt.Errorf("engine.failure_policy: %w", err)
	}
	if f.Engine.DefaultTimeout < 0 {
		return fmt.Errorf("engine.default_timeout must not be negative")
	}
	switch strings.ToLower(f.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is invalid", f.Log.Level)
	}
	return nil
}

// Resolve runs the full chain: .env, discovery, file, environment, flags,
// validation.
func Resolve(explicit string, providerFlags []string) (*File, string, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, "", err
	}
	path, err := Discover(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, "", err
	}
	if err := cfg.ApplyProviderFlags(providerFlags); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

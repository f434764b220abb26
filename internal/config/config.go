package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Backend string

const (
	BackendAthena Backend = "athena"
	BackendDuckDB Backend = "duckdb"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Athena        AthenaConfig
	Runner        RunnerConfig
	ObjectStore   ObjectStoreConfig
	Emulator      EmulatorConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// AthenaConfig holds the query service connection and the default query
// parameters every submission starts from.
type AthenaConfig struct {
	Backend         Backend
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Database        string
	Catalog         string
	WorkGroup       string
	OutputBucket    string
	OutputPath      string
}

type RunnerConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
}

type ObjectStoreConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type TableBinding struct {
	Name      string
	ObjectKey string
}

type EmulatorConfig struct {
	Tables []TableBinding
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("ATHENAQ_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid ATHENAQ_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "ATHENAQ_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ATHENAQ_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ATHENAQ_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ATHENAQ_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyBackend(lookup, "ATHENAQ_BACKEND", &cfg.Athena.Backend); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_REGION", &cfg.Athena.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_ENDPOINT", &cfg.Athena.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_ACCESS_KEY", &cfg.Athena.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_SECRET_KEY", &cfg.Athena.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_DATABASE", &cfg.Athena.Database); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_CATALOG", &cfg.Athena.Catalog); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_WORKGROUP", &cfg.Athena.WorkGroup); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OUTPUT_BUCKET", &cfg.Athena.OutputBucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OUTPUT_PATH", &cfg.Athena.OutputPath); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ATHENAQ_RUNNER_MAX_ATTEMPTS", &cfg.Runner.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ATHENAQ_RUNNER_POLL_INTERVAL", &cfg.Runner.PollInterval); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ATHENAQ_OBJECTSTORE_ENABLED", &cfg.ObjectStore.Enabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ATHENAQ_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ATHENAQ_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyTableBindings(lookup, "ATHENAQ_EMULATOR_TABLES", &cfg.Emulator.Tables); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ATHENAQ_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "ATHENAQ_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ATHENAQ_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ATHENAQ_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	// The output bucket doubles as the artifact bucket unless set apart.
	if _, ok := lookup("ATHENAQ_OBJECTSTORE_BUCKET"); !ok {
		cfg.ObjectStore.Bucket = cfg.Athena.OutputBucket
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if c.Athena.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Athena.OutputBucket == "" {
		return fmt.Errorf("output bucket is required")
	}
	if c.Athena.Backend == BackendAthena && c.Athena.Region == "" {
		return fmt.Errorf("region is required for the athena backend")
	}
	if c.Runner.MaxAttempts <= 0 {
		return fmt.Errorf("runner max attempts must be > 0")
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner poll interval must be > 0")
	}
	if len(c.Emulator.Tables) > 0 && !c.ObjectStore.Enabled {
		return fmt.Errorf("emulator tables require the object store")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "athenaq-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Athena: AthenaConfig{
			Backend:      BackendDuckDB,
			Region:       "us-west-2",
			Database:     "default",
			OutputBucket: "athenaq-results",
			OutputPath:   "query-outputs",
		},
		Runner: RunnerConfig{
			MaxAttempts:  120,
			PollInterval: time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-west-2",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Runner.PollInterval = 10 * time.Millisecond
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Athena.Backend = BackendAthena
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBackend(lookup LookupFunc, key string, dst *Backend) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	backend := Backend(strings.ToLower(strings.TrimSpace(raw)))
	switch backend {
	case BackendAthena, BackendDuckDB:
		*dst = backend
		return nil
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
}

// applyTableBindings parses "name=object/key.parquet,name2=other.parquet".
// A name may repeat to bind several files to one table.
func applyTableBindings(lookup LookupFunc, key string, dst *[]TableBinding) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*dst = nil
		return nil
	}
	bindings := make([]TableBinding, 0)
	for _, entry := range strings.Split(raw, ",") {
		name, objectKey, found := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.TrimSpace(name)
		objectKey = strings.TrimSpace(objectKey)
		if !found || name == "" || objectKey == "" {
			return fmt.Errorf("invalid %s entry %q: expected table=object-key", key, entry)
		}
		bindings = append(bindings, TableBinding{Name: name, ObjectKey: objectKey})
	}
	*dst = bindings
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}

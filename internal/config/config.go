package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	StorageBackend string
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	MigrateOnStart bool
	NodeID         int64

	Issuer   string
	Audience string
	ClientID string
	// PublicURL is the externally visible base URL of this service.
	PublicURL        string
	AllowedRedirects []string

	AccessTokenTTL       time.Duration
	PilotAccessTokenTTL  time.Duration
	JobAccessTokenTTL    time.Duration
	RefreshTokenTTL      time.Duration
	PilotRefreshTokenTTL time.Duration
	RefreshTokenBytes    int

	AuthorizationFlowTTL time.Duration
	DeviceFlowTTL        time.Duration
	DevicePollInterval   time.Duration
	IdPTimeout           time.Duration

	StateKey               string
	RegistryFile           string
	LegacyExchangeKeyHash  string
	PilotSecretTTL         time.Duration
	AutoGenerateSigningKey bool
	KeyReloadInterval      time.Duration
	CleanupInterval        time.Duration

	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TraceSampleRatio     float64
	MetricsEnabled       bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// MaxAccessTokenTTL is the longest lifetime of any access token class.
func (c Config) MaxAccessTokenTTL() time.Duration {
	longest := c.AccessTokenTTL
	for _, d := range []time.Duration{c.PilotAccessTokenTTL, c.JobAccessTokenTTL} {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "gridauth"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StoragePostgres)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getInt("REDIS_DB", 0),
		MigrateOnStart: getBool("MIGRATE_ON_START", false),
		NodeID:         int64(getInt("SNOWFLAKE_NODE", 1)),

		Issuer:           strings.TrimRight(os.Getenv("TOKEN_ISSUER"), "/"),
		Audience:         getEnv("TOKEN_AUDIENCE", "gridauth"),
		ClientID:         getEnv("CLIENT_ID", "gridauth-cli"),
		PublicURL:        strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
		AllowedRedirects: getList("ALLOWED_REDIRECTS", nil),

		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", 20*time.Minute),
		PilotAccessTokenTTL:  getDuration("PILOT_ACCESS_TOKEN_TTL", 20*time.Minute),
		JobAccessTokenTTL:    getDuration("JOB_ACCESS_TOKEN_TTL", 10*time.Minute),
		RefreshTokenTTL:      getDuration("REFRESH_TOKEN_TTL", time.Hour),
		PilotRefreshTokenTTL: getDuration("PILOT_REFRESH_TOKEN_TTL", 24*time.Hour),
		RefreshTokenBytes:    getInt("REFRESH_TOKEN_BYTES", 32),

		AuthorizationFlowTTL: getDuration("AUTHORIZATION_FLOW_TTL", 5*time.Minute),
		DeviceFlowTTL:        getDuration("DEVICE_FLOW_TTL", 10*time.Minute),
		DevicePollInterval:   getDuration("DEVICE_POLL_INTERVAL", 5*time.Second),
		IdPTimeout:           getDuration("IDP_TIMEOUT", 10*time.Second),

		StateKey:               os.Getenv("STATE_KEY"),
		RegistryFile:           getEnv("REGISTRY_FILE", "registry.yaml"),
		LegacyExchangeKeyHash:  os.Getenv("LEGACY_EXCHANGE_KEY_HASH"),
		PilotSecretTTL:         getDuration("PILOT_SECRET_TTL", 7*24*time.Hour),
		AutoGenerateSigningKey: getBool("AUTO_GENERATE_SIGNING_KEY", false),
		KeyReloadInterval:      getDuration("KEY_RELOAD_INTERVAL", time.Minute),
		CleanupInterval:        getDuration("CLEANUP_INTERVAL", 10*time.Minute),

		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio:     getFloat("TRACE_SAMPLE_RATIO", 1),
		MetricsEnabled:       getBool("METRICS_ENABLED", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = cfg.Issuer
	}
	if cfg.RefreshTokenBytes < 32 {
		cfg.RefreshTokenBytes = 32
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and cross-field constraints.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q", StoragePostgres, StorageMemory)
	}
	if c.Issuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required")
	}
	if c.StateKey == "" {
		return fmt.Errorf("STATE_KEY is required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	if c.DevicePollInterval <= 0 || c.DevicePollInterval >= c.DeviceFlowTTL {
		return fmt.Errorf("DEVICE_POLL_INTERVAL must be positive and shorter than DEVICE_FLOW_TTL")
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

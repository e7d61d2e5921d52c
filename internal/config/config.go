// Package config provides configuration loading for the app engine service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the app engine service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	MaxBodyBytes  int64

	// Redis configuration, shared by the redis run store and registry
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory", "redis" or "postgres"
	RunStoreTTL  time.Duration
	LockTTL      time.Duration

	// Postgres configuration
	DatabaseURL          string
	DatabasePingTimeout  time.Duration
	DatabaseMaxOpenConns int
	DatabaseMaxIdleConns int

	// Task registry
	RegistryType string // "memory" or "redis"

	// Storage configuration
	StorageType      string // "memory", "s3" or "minio"
	StorageEndpoint  string
	StorageBucket    string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
	StorageUseSSL    bool
	StoragePrefix    string
	DataNamespace    string

	// Scheduler configuration
	SchedulerType string // "log" or "k8s"
	BaseURL       string

	// K8s configuration
	K8sNamespace      string
	K8sInCluster      bool
	K8sKubeconfig     string
	K8sServiceAccount string
	K8sHelperImage    string
	K8sDataClaim      string

	// Ingestion
	MaxArchiveBytes   int64
	MaxExtractedBytes int64
	SpoolDir          string

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "8080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 5*time.Minute), // archives are large
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
		MaxBodyBytes:  getInt64("MAX_BODY_BYTES", 512<<20),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("APPENGINE_RUNSTORE", "memory"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour), // 7 days
		LockTTL:      getDuration("RUNSTORE_LOCK_TTL", 30*time.Second),

		// Postgres
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		DatabasePingTimeout:  getDuration("DATABASE_PING_TIMEOUT", 2*time.Second),
		DatabaseMaxOpenConns: getInt("DATABASE_MAX_OPEN_CONNS", 10),
		DatabaseMaxIdleConns: getInt("DATABASE_MAX_IDLE_CONNS", 5),

		// Registry
		RegistryType: getEnv("APPENGINE_REGISTRY", "memory"),

		// Storage
		StorageType:      getEnv("APPENGINE_STORAGE", "memory"),
		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", ""),
		StorageBucket:    getEnv("STORAGE_BUCKET", "appengine"),
		StorageRegion:    getEnv("STORAGE_REGION", "us-east-1"),
		StorageAccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: getEnv("STORAGE_SECRET_KEY", ""),
		StorageUseSSL:    getBool("STORAGE_USE_SSL", false),
		StoragePrefix:    getEnv("STORAGE_PREFIX", "appengine"),
		DataNamespace:    getEnv("APPENGINE_DATA_NAMESPACE", "appengine-data"),

		// Scheduler
		SchedulerType: getEnv("APPENGINE_SCHEDULER", "log"),
		BaseURL:       getEnv("APPENGINE_URL", "http://localhost:8080"),

		// K8s
		K8sNamespace:      getEnv("K8S_NAMESPACE", "appengine"),
		K8sInCluster:      getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig:     getEnv("KUBECONFIG", ""),
		K8sServiceAccount: getEnv("K8S_SERVICE_ACCOUNT", ""),
		K8sHelperImage:    getEnv("K8S_HELPER_IMAGE", ""),
		K8sDataClaim:      getEnv("K8S_DATA_CLAIM", ""),

		// Ingestion
		MaxArchiveBytes:   getInt64("MAX_ARCHIVE_BYTES", 1<<30),
		MaxExtractedBytes: getInt64("MAX_EXTRACTED_BYTES", 4<<30),
		SpoolDir:          getEnv("SPOOL_DIR", ""),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), val))
	}
	oneOf("APPENGINE_RUNSTORE", c.RunStoreType, "memory", "redis", "postgres")
	oneOf("APPENGINE_REGISTRY", c.RegistryType, "memory", "redis")
	oneOf("APPENGINE_STORAGE", c.StorageType, "memory", "s3", "minio")
	oneOf("APPENGINE_SCHEDULER", c.SchedulerType, "log", "k8s")
	oneOf("LOG_FORMAT", c.LogFormat, "json", "text")

	if c.RunStoreType == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres run store"))
	}
	if c.StorageType == "minio" && c.StorageEndpoint == "" {
		errs = append(errs, errors.New("STORAGE_ENDPOINT is required for minio storage"))
	}
	if c.SchedulerType == "k8s" && c.BaseURL == "" {
		errs = append(errs, errors.New("APPENGINE_URL is required for the k8s scheduler"))
	}
	if c.OIDCEnabled && (c.OIDCIssuer == "" || c.OIDCClientID == "") {
		errs = append(errs, errors.New("OIDC_ISSUER and OIDC_CLIENT_ID are required when OIDC_ENABLED"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATE must be within [0, 1], got %v", c.TracingSampleRate))
	}
	if c.MaxArchiveBytes <= 0 {
		errs = append(errs, errors.New("MAX_ARCHIVE_BYTES must be positive"))
	}
	if c.MaxExtractedBytes <= 0 {
		errs = append(errs, errors.New("MAX_EXTRACTED_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}

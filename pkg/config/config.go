package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/crm"
	"github.com/platinummonkey/tollgate/pkg/governance"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/webhooks"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	CRM           CRMConfig
	Access        AccessConfig
	Governance    GovernanceConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Per-tenant limit on on-demand CRM syncs, counted in redis
	SyncRequestsPerWindow int
	SyncWindow            time.Duration
}

// CRMConfig holds CRM provider credentials. A provider with no credentials
// is not registered.
type CRMConfig struct {
	Salesforce crm.SalesforceConfig
	HubSpot    crm.HubSpotConfig
}

// SalesforceEnabled reports whether Salesforce credentials are present
func (c CRMConfig) SalesforceEnabled() bool {
	return c.Salesforce.InstanceURL != ""
}

// HubSpotEnabled reports whether a HubSpot token is present
func (c CRMConfig) HubSpotEnabled() bool {
	return c.HubSpot.AccessToken != ""
}

// AccessConfig holds permission cache and CRM resync settings
type AccessConfig struct {
	PermissionCacheTTL time.Duration
	// Entries held by the in-process cache used when redis is not configured
	PermissionCacheSize int
	StalenessWindow     time.Duration
	ResyncSchedule      string
	ResyncParallelism   int
	ResyncBatchSize     int
}

// GovernanceConfig holds approval chain settings
type GovernanceConfig struct {
	// Optional YAML file mapping team names to role profile keys
	TeamMappingPath string

	// Receivers of cleared actions keyed by request type. Types without an
	// endpoint are executed by a logging no-op.
	Executors         map[governance.RequestType]webhooks.Endpoint
	ExecutorRateLimit float64
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		CRM:           loadCRMConfig(),
		Access:        loadAccessConfig(),
		Governance:    loadGovernanceConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:                  getEnv("TOLLGATE_HOST", "0.0.0.0"),
		Port:                  getEnv("TOLLGATE_PORT", "8080"),
		ReadTimeout:           getEnvDuration("TOLLGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:          getEnvDuration("TOLLGATE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:           getEnvDuration("TOLLGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:       getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		SyncRequestsPerWindow: getEnvInt("TOLLGATE_SYNC_LIMIT", 30),
		SyncWindow:            getEnvDuration("TOLLGATE_SYNC_WINDOW", time.Minute),
	}
}

func loadGovernanceConfig() GovernanceConfig {
	cfg := GovernanceConfig{
		TeamMappingPath:   getEnv("TOLLGATE_TEAM_MAPPING", ""),
		Executors:         make(map[governance.RequestType]webhooks.Endpoint),
		ExecutorRateLimit: getEnvFloat("TOLLGATE_EXECUTOR_RATE_LIMIT", 10),
	}
	for _, t := range []governance.RequestType{
		governance.RequestArtifactPublish,
		governance.RequestDataDeletion,
		governance.RequestCRMWriteback,
	} {
		prefix := "TOLLGATE_EXECUTOR_" + strings.ToUpper(string(t))
		url := getEnv(prefix+"_URL", "")
		if url == "" {
			continue
		}
		cfg.Executors[t] = webhooks.Endpoint{
			URL:        url,
			Secret:     getEnv(prefix+"_SECRET", ""),
			Revertible: getEnvBool(prefix+"_REVERTIBLE", false),
		}
	}
	return cfg
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.PostgresURL = getEnv("TOLLGATE_POSTGRES_URL", cfg.PostgresURL)
	if maxConns := getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TOLLGATE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	cfg.RedisURL = getEnv("TOLLGATE_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("TOLLGATE_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("TOLLGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt("TOLLGATE_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	return cfg
}

func loadCRMConfig() CRMConfig {
	return CRMConfig{
		Salesforce: crm.SalesforceConfig{
			InstanceURL:       getEnv("TOLLGATE_SALESFORCE_INSTANCE_URL", ""),
			ClientID:          getEnv("TOLLGATE_SALESFORCE_CLIENT_ID", ""),
			ClientSecret:      getEnv("TOLLGATE_SALESFORCE_CLIENT_SECRET", ""),
			APIVersion:        getEnv("TOLLGATE_SALESFORCE_API_VERSION", "v59.0"),
			RequestsPerSecond: getEnvFloat("TOLLGATE_SALESFORCE_RPS", 5),
			Timeout:           getEnvDuration("TOLLGATE_CRM_TIMEOUT", 30*time.Second),
		},
		HubSpot: crm.HubSpotConfig{
			BaseURL:           getEnv("TOLLGATE_HUBSPOT_BASE_URL", "https://api.hubapi.com"),
			AccessToken:       getEnv("TOLLGATE_HUBSPOT_TOKEN", ""),
			PageSize:          getEnvInt("TOLLGATE_HUBSPOT_PAGE_SIZE", 100),
			RequestsPerSecond: getEnvFloat("TOLLGATE_HUBSPOT_RPS", 10),
			Timeout:           getEnvDuration("TOLLGATE_CRM_TIMEOUT", 30*time.Second),
		},
	}
}

func loadAccessConfig() AccessConfig {
	return AccessConfig{
		PermissionCacheTTL:  getEnvDuration("TOLLGATE_PERMISSION_CACHE_TTL", 5*time.Minute),
		PermissionCacheSize: getEnvInt("TOLLGATE_PERMISSION_CACHE_SIZE", 10000),
		StalenessWindow:     getEnvDuration("TOLLGATE_CRM_STALENESS", 24*time.Hour),
		ResyncSchedule:      getEnv("TOLLGATE_RESYNC_SCHEDULE", "@every 1h"),
		ResyncParallelism:   getEnvInt("TOLLGATE_RESYNC_PARALLELISM", 4),
		ResyncBatchSize:     getEnvInt("TOLLGATE_RESYNC_BATCH", 200),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TOLLGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOLLGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOLLGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOLLGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOLLGATE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("TOLLGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOLLGATE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.SyncRequestsPerWindow < 1 || c.Server.SyncWindow <= 0 {
		return fmt.Errorf("sync rate limit must be positive")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.CRM.SalesforceEnabled() && (c.CRM.Salesforce.ClientID == "" || c.CRM.Salesforce.ClientSecret == "") {
		return fmt.Errorf("salesforce client id and secret are required when an instance url is set")
	}

	if c.Access.StalenessWindow <= 0 {
		return fmt.Errorf("CRM staleness window must be positive")
	}
	if c.Access.ResyncParallelism < 1 {
		return fmt.Errorf("resync parallelism must be at least 1")
	}
	if c.Access.ResyncBatchSize < 1 {
		return fmt.Errorf("resync batch size must be at least 1")
	}
	if c.Access.PermissionCacheTTL < 0 {
		return fmt.Errorf("permission cache TTL cannot be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

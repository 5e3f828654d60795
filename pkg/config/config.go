package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Analysis  AnalysisConfig
	OTEL      OTELConfig
	Retry     RetryConfig
	Runs      RunsConfig
	Actions   ActionsConfig
	Pipelines map[string]PipelineSettings
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AnalysisConfig holds the upstream analysis service configuration
type AnalysisConfig struct {
	APIKey             string
	Model              string
	BaseURL            string
	HTTPTimeoutSeconds int
	RateLimitRPM       int
	RateLimitBurst     int
	MaxConcurrent      int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// RetryConfig holds the pipeline backoff schedule
type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// RunsConfig holds run registry settings
type RunsConfig struct {
	Retention time.Duration
}

// ActionsConfig holds action prioritization settings
type ActionsConfig struct {
	GroupThreshold  int
	GroupingEnabled bool
	CacheSize       int
}

// PipelineSettings overrides the registry defaults of one pipeline kind.
// Nil fields keep the registry default.
type PipelineSettings struct {
	Enabled    *bool
	Priority   *int
	MaxRetries *int
	TimeoutMs  *int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	pipelines, err := loadPipelineSettings(os.Environ())
	if err != nil {
		return nil, err
	}

	retryCfg := RetryConfig{
		BaseDelay: getEnvAsDuration("RETRY_BASE_DELAY_MS", time.Second),
		MaxDelay:  getEnvAsDuration("RETRY_MAX_DELAY_MS", 30*time.Second),
	}
	if retryCfg.BaseDelay <= 0 || retryCfg.MaxDelay < retryCfg.BaseDelay {
		return nil, fmt.Errorf("invalid retry delays: base %s, max %s", retryCfg.BaseDelay, retryCfg.MaxDelay)
	}

	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "session_review"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Analysis: AnalysisConfig{
			APIKey:             getEnv("ANALYSIS_API_KEY", ""),
			Model:              getEnv("ANALYSIS_MODEL", "gpt-4o-mini"),
			BaseURL:            getEnv("ANALYSIS_BASE_URL", "https://api.openai.com/v1"),
			HTTPTimeoutSeconds: getEnvAsInt("ANALYSIS_HTTP_TIMEOUT_SECONDS", 60),
			RateLimitRPM:       getEnvAsInt("ANALYSIS_RATE_LIMIT_RPM", 120),
			RateLimitBurst:     getEnvAsInt("ANALYSIS_RATE_LIMIT_BURST", 8),
			MaxConcurrent:      getEnvAsInt("ANALYSIS_MAX_CONCURRENT", 16),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "session-review"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Retry: retryCfg,
		Runs: RunsConfig{
			Retention: getEnvAsDuration("RUN_RETENTION_MS", time.Hour),
		},
		Actions: ActionsConfig{
			GroupThreshold:  getEnvAsInt("ACTIONS_GROUP_THRESHOLD", 2),
			GroupingEnabled: getEnvAsBool("ACTIONS_GROUPING_ENABLED", false),
			CacheSize:       getEnvAsInt("ACTIONS_CACHE_SIZE", 256),
		},
		Pipelines: pipelines,
	}, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadPipelineSettings collects PIPELINE_<KIND>_<FIELD> variables.
// Kind names are lowercased and validated later against the pipeline registry.
func loadPipelineSettings(environ []string) (map[string]PipelineSettings, error) {
	settings := make(map[string]PipelineSettings)

	fields := []string{"_ENABLED", "_PRIORITY", "_MAX_RETRIES", "_TIMEOUT_MS"}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "PIPELINE_") || value == "" {
			continue
		}
		rest := strings.TrimPrefix(key, "PIPELINE_")

		for _, field := range fields {
			if !strings.HasSuffix(rest, field) {
				continue
			}
			kind := strings.ToLower(strings.TrimSuffix(rest, field))
			if kind == "" {
				break
			}
			s := settings[kind]

			switch field {
			case "_ENABLED":
				b, err := strconv.ParseBool(value)
				if err != nil {
					return nil, fmt.Errorf("invalid %s: %w", key, err)
				}
				s.Enabled = &b
			default:
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("invalid %s: %w", key, err)
				}
				switch field {
				case "_PRIORITY":
					s.Priority = &n
				case "_MAX_RETRIES":
					s.MaxRetries = &n
				case "_TIMEOUT_MS":
					s.TimeoutMs = &n
				}
			}
			settings[kind] = s
			break
		}
	}

	return settings, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a millisecond count
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// DefaultAssessmentBaseURL points at the assessment service of a local development stack.
const DefaultAssessmentBaseURL = "http://localhost:8080/api/health-assessment"

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Assessment AssessmentConfig
	Polling    PollingConfig
	Cache      CacheConfig
	Redis      RedisConfig
	Console    ConsoleConfig
	Batch      BatchConfig
	CORS       CORSConfig
	Log        LogConfig
}

// AssessmentConfig describes how to reach the remote assessment service.
type AssessmentConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// PollingConfig tunes the status polling loop.
type PollingConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// CacheConfig toggles the snapshot cache.
type CacheConfig struct {
	Enabled     bool
	TTL         time.Duration
	InFlightTTL time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ConsoleConfig governs console lifetime in the gateway.
type ConsoleConfig struct {
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// BatchConfig sizes the batch submission worker pool.
type BatchConfig struct {
	Workers    int
	BufferSize int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	baseURL := strings.TrimRight(strings.TrimSpace(v.GetString("ASSESSMENT_API_BASE_URL")), "/")
	if baseURL == "" {
		baseURL = DefaultAssessmentBaseURL
	}
	cfg.Assessment = AssessmentConfig{
		BaseURL:           baseURL,
		Timeout:           parseDuration(v.GetString("ASSESSMENT_HTTP_TIMEOUT"), 30*time.Second),
		RequestsPerSecond: v.GetFloat64("ASSESSMENT_REQUESTS_PER_SECOND"),
	}

	cfg.Polling = PollingConfig{
		Interval: parseDuration(v.GetString("POLL_INTERVAL"), 2*time.Second),
		Timeout:  parseDuration(v.GetString("POLL_TIMEOUT"), 120*time.Second),
	}

	cfg.Cache = CacheConfig{
		Enabled:     v.GetBool("ENABLE_SNAPSHOT_CACHE"),
		TTL:         parseDuration(v.GetString("SNAPSHOT_CACHE_TTL"), 10*time.Minute),
		InFlightTTL: parseDuration(v.GetString("SNAPSHOT_CACHE_INFLIGHT_TTL"), 2*time.Second),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Console = ConsoleConfig{
		IdleTTL:         parseDuration(v.GetString("CONSOLE_IDLE_TTL"), 30*time.Minute),
		CleanupInterval: parseDuration(v.GetString("CONSOLE_CLEANUP_INTERVAL"), 5*time.Minute),
	}

	workers := v.GetInt("BATCH_WORKERS")
	if workers <= 0 {
		workers = 2
	}
	cfg.Batch = BatchConfig{
		Workers:    workers,
		BufferSize: v.GetInt("BATCH_BUFFER_SIZE"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8090)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("ASSESSMENT_API_BASE_URL", DefaultAssessmentBaseURL)
	v.SetDefault("ASSESSMENT_HTTP_TIMEOUT", "30s")
	v.SetDefault("ASSESSMENT_REQUESTS_PER_SECOND", 0)

	v.SetDefault("POLL_INTERVAL", "2s")
	v.SetDefault("POLL_TIMEOUT", "120s")

	v.SetDefault("ENABLE_SNAPSHOT_CACHE", false)
	v.SetDefault("SNAPSHOT_CACHE_TTL", "10m")
	v.SetDefault("SNAPSHOT_CACHE_INFLIGHT_TTL", "2s")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("CONSOLE_IDLE_TTL", "30m")
	v.SetDefault("CONSOLE_CLEANUP_INTERVAL", "5m")

	v.SetDefault("BATCH_WORKERS", 2)
	v.SetDefault("BATCH_BUFFER_SIZE", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// SetConfigFile bypasses viper's search path, so a missing .env surfaces as a raw fs error.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

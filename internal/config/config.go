// Package config loads forge settings from .env, the environment and an
// optional YAML file into an immutable Settings snapshot.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings is the full configuration snapshot. It is read once at startup and
// passed by value; nothing mutates it afterwards.
type Settings struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Credits   CreditsConfig
	Pipeline  PipelineConfig
	Sandbox   SandboxConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	AI        AIConfig
}

type ServerConfig struct {
	Port        string
	Environment string
	LogLevel    string // debug, info, warn or error; empty uses the environment default
	JWTSecret   string
	CORSOrigins []string
}

type DatabaseConfig struct {
	Driver string // postgres or sqlite
	DSN    string
}

type RedisConfig struct {
	URL string
}

// CreditsConfig mirrors the credit settings of the billing collaborator.
type CreditsConfig struct {
	Enabled            bool
	PerThousandProject float64
	PerThousandChat    float64
	DefaultTaskTokens  int
	SignupGrant        float64
}

type PipelineConfig struct {
	Timeout              time.Duration
	MaxIterationsCeiling int
	DefaultIterations    int
	MaxErrors            int
	Workers              int
	QueueBackend         string // memory or asynq
}

type SandboxConfig struct {
	Backend        string // process or docker
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	AllowNetwork   bool
	MaxRetries     int
	MemoryLimitMB  int64
	DockerImages   map[string]string
}

type RateLimitConfig struct {
	Requests             int
	Window               time.Duration
	DefaultMaxConcurrent int
	Backend              string // memory or redis
	HTTPPerMinute        int
	HTTPBurst            int
}

type StorageConfig struct {
	FileBackend string // db or s3
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	// static credentials; empty means the default AWS chain
	S3AccessKeyID     string
	S3SecretAccessKey string
	// CacheBackend fronts the file store: none, memory or redis
	CacheBackend string
	CacheTTL     time.Duration
}

type AIConfig struct {
	Provider string // claude or openai
	APIKey   string
	Model    string
	BaseURL  string
}

// Load reads .env (if present), an optional config file and the environment.
// Environment keys are the upper-cased dotted keys with dots replaced by
// underscores, e.g. PIPELINE_TIMEOUT_SECONDS.
func Load(configFile string) (Settings, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	s := fromViper(v)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Default returns the settings produced by defaults alone. Tests use it as a
// base to tweak.
func Default() Settings {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("cors.origins", "http://localhost:3000")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "forge.db")
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("credits.enabled", true)
	v.SetDefault("credits.per_1k_tokens_project", 1.0)
	v.SetDefault("credits.per_1k_tokens_chat", 0.5)
	v.SetDefault("credits.default_task_tokens", 500)
	v.SetDefault("credits.signup_grant", 50.0)

	v.SetDefault("pipeline.timeout_seconds", 300)
	v.SetDefault("pipeline.max_iterations", 10)
	v.SetDefault("pipeline.default_iterations", 3)
	v.SetDefault("pipeline.max_errors", 5)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_backend", "memory")

	v.SetDefault("sandbox.backend", "process")
	v.SetDefault("sandbox.default_timeout_seconds", 30)
	v.SetDefault("sandbox.max_timeout_seconds", 120)
	v.SetDefault("sandbox.allow_network", false)
	v.SetDefault("sandbox.max_retries", 2)
	v.SetDefault("sandbox.memory_limit_mb", 256)
	v.SetDefault("sandbox.docker_images", map[string]string{
		"python":     "python:3.12-alpine",
		"javascript": "node:20-alpine",
		"typescript": "node:20-alpine",
		"go":         "golang:1.22-alpine",
		"ruby":       "ruby:3.3-alpine",
		"shell":      "alpine:3.20",
		"rust":       "rust:1.79-alpine",
		"java":       "eclipse-temurin:21-jdk-alpine",
	})

	v.SetDefault("ratelimit.requests", 30)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.max_concurrent_jobs", 3)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.http_per_minute", 120)
	v.SetDefault("ratelimit.http_burst", 30)

	v.SetDefault("storage.file_backend", "db")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_prefix", "projects")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_access_key_id", "")
	v.SetDefault("storage.s3_secret_access_key", "")
	v.SetDefault("storage.cache_backend", "none")
	v.SetDefault("storage.cache_ttl_seconds", 30)

	v.SetDefault("ai.provider", "claude")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
}

func fromViper(v *viper.Viper) Settings {
	return Settings{
		Server: ServerConfig{
			Port:        v.GetString("port"),
			Environment: v.GetString("environment"),
			LogLevel:    v.GetString("log_level"),
			JWTSecret:   v.GetString("jwt.secret"),
			CORSOrigins: splitList(v.GetString("cors.origins")),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Redis: RedisConfig{URL: v.GetString("redis.url")},
		Credits: CreditsConfig{
			Enabled:            v.GetBool("credits.enabled"),
			PerThousandProject: v.GetFloat64("credits.per_1k_tokens_project"),
			PerThousandChat:    v.GetFloat64("credits.per_1k_tokens_chat"),
			DefaultTaskTokens:  v.GetInt("credits.default_task_tokens"),
			SignupGrant:        v.GetFloat64("credits.signup_grant"),
		},
		Pipeline: PipelineConfig{
			Timeout:              time.Duration(v.GetInt("pipeline.timeout_seconds")) * time.Second,
			MaxIterationsCeiling: v.GetInt("pipeline.max_iterations"),
			DefaultIterations:    v.GetInt("pipeline.default_iterations"),
			MaxErrors:            v.GetInt("pipeline.max_errors"),
			Workers:              v.GetInt("pipeline.workers"),
			QueueBackend:         v.GetString("pipeline.queue_backend"),
		},
		Sandbox: SandboxConfig{
			Backend:        v.GetString("sandbox.backend"),
			DefaultTimeout: time.Duration(v.GetInt("sandbox.default_timeout_seconds")) * time.Second,
			MaxTimeout:     time.Duration(v.GetInt("sandbox.max_timeout_seconds")) * time.Second,
			AllowNetwork:   v.GetBool("sandbox.allow_network"),
			MaxRetries:     v.GetInt("sandbox.max_retries"),
			MemoryLimitMB:  v.GetInt64("sandbox.memory_limit_mb"),
			DockerImages:   v.GetStringMapString("sandbox.docker_images"),
		},
		RateLimit: RateLimitConfig{
			Requests:             v.GetInt("ratelimit.requests"),
			Window:               time.Duration(v.GetInt("ratelimit.window_seconds")) * time.Second,
			DefaultMaxConcurrent: v.GetInt("ratelimit.max_concurrent_jobs"),
			Backend:              v.GetString("ratelimit.backend"),
			HTTPPerMinute:        v.GetInt("ratelimit.http_per_minute"),
			HTTPBurst:            v.GetInt("ratelimit.http_burst"),
		},
		Storage: StorageConfig{
			FileBackend: v.GetString("storage.file_backend"),
			S3Bucket:    v.GetString("storage.s3_bucket"),
			S3Prefix:    v.GetString("storage.s3_prefix"),
			S3Region:    v.GetString("storage.s3_region"),
			S3Endpoint:  v.GetString("storage.s3_endpoint"),

			S3AccessKeyID:     v.GetString("storage.s3_access_key_id"),
			S3SecretAccessKey: v.GetString("storage.s3_secret_access_key"),
			CacheBackend:      v.GetString("storage.cache_backend"),
			CacheTTL:          time.Duration(v.GetInt("storage.cache_ttl_seconds")) * time.Second,
		},
		AI: AIConfig{
			Provider: v.GetString("ai.provider"),
			APIKey:   v.GetString("ai.api_key"),
			Model:    v.GetString("ai.model"),
			BaseURL:  v.GetString("ai.base_url"),
		},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.Database.Driver != "postgres" && s.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", s.Database.Driver))
	}
	if s.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if s.Pipeline.MaxErrors < 0 {
		errs = append(errs, errors.New("pipeline.max_errors must not be negative"))
	}
	if s.Sandbox.MaxTimeout <= 0 {
		errs = append(errs, errors.New("sandbox.max_timeout_seconds must be positive"))
	}
	switch s.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", s.Server.LogLevel))
	}
	switch s.Storage.CacheBackend {
	case "", "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.cache_backend must be none, memory or redis, got %q", s.Storage.CacheBackend))
	}
	if s.Storage.FileBackend == "s3" && s.Storage.S3Bucket == "" {
		errs = append(errs, errors.New("storage.s3_bucket is required for the s3 file backend"))
	}
	if s.Server.Environment == "production" && s.Server.JWTSecret == "" {
		errs = append(errs, errors.New("jwt.secret is required in production"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production mode.
func (s Settings) IsProduction() bool {
	return s.Server.Environment == "production"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Storage and rate limiter backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Config holds all configuration for the collaboration server
type Config struct {
	// Server configuration
	HTTPPort int    `env:"COLLAB_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"COLLAB_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// StorageBackend selects the workflow document store
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"redis"`

	Redis RedisConfig
	Mongo MongoConfig
	Auth  AuthConfig

	RateLimit     RateLimitConfig
	Collaboration CollaborationConfig
	Monitoring    MonitoringConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// DocumentTTL expires stored workflow documents; 0 keeps them forever
	DocumentTTL time.Duration `env:"REDIS_DOCUMENT_TTL" envDefault:"0s"`
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI            string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	Database       string        `env:"MONGO_DATABASE" envDefault:"flowbuilder"`
	Collection     string        `env:"MONGO_COLLECTION" envDefault:"workflows"`
	ConnectTimeout time.Duration `env:"MONGO_CONNECT_TIMEOUT" envDefault:"10s"`
}

// AuthConfig holds access token settings
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET"`
	JWTIssuer string `env:"AUTH_JWT_ISSUER"`
}

// RateLimitConfig holds inbound message limits
type RateLimitConfig struct {
	Backend  string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	Messages int           `env:"RATE_LIMIT_MESSAGES" envDefault:"100"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`
	MaxAge   time.Duration `env:"RATE_LIMIT_MAX_AGE" envDefault:"5m"`
}

// CollaborationConfig holds realtime session settings
type CollaborationConfig struct {
	LockTTL              time.Duration `env:"LOCK_TTL" envDefault:"300s"`
	WriteTimeout         time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	MaxMessageSize       int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	HousekeepingInterval time.Duration `env:"HOUSEKEEPING_INTERVAL" envDefault:"60s"`
	ChangeEventsEnabled  bool          `env:"CHANGE_EVENTS_ENABLED" envDefault:"true"`
}

// MonitoringConfig holds warning thresholds
type MonitoringConfig struct {
	MaxConnections int           `env:"MAX_CONNECTIONS_THRESHOLD" envDefault:"1000"`
	MaxLatency     time.Duration `env:"MAX_LATENCY_THRESHOLD" envDefault:"100ms"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from an optional .env file and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return Parse()
}

// Parse reads configuration from environment variables
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo URI is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory, redis, or mongo)", c.StorageBackend)
	}

	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("unsupported rate limit backend: %s (must be memory or redis)", c.RateLimit.Backend)
	}
	if c.RateLimit.Messages < 1 {
		return fmt.Errorf("rate limit must allow at least 1 message")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	if c.Collaboration.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	if c.Collaboration.MaxMessageSize < 1 {
		return fmt.Errorf("max message size must be positive")
	}
	if c.Collaboration.HousekeepingInterval <= 0 {
		return fmt.Errorf("housekeeping interval must be positive")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis client
func (c *Config) UsesRedis() bool {
	return c.StorageBackend == BackendRedis || c.RateLimit.Backend == BackendRedis
}

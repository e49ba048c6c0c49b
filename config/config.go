package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env    string
	Server ServerConfig
	Redis  RedisConfig
	Weblab WeblabConfig
	JWT    JWTConfig
	Log    LogConfig
	Kafka  KafkaConfig
}

type ServerConfig struct {
	HTTPPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// WeblabConfig drives the session lifecycle and the scheduler-facing API.
type WeblabConfig struct {
	// Username and Password authenticate the WebLab-Deusto scheduler on
	// the /weblab/sessions endpoints.
	Username string
	Password string

	// KeyPrefix namespaces every Redis key so several labs can share a
	// server.
	KeyPrefix string

	// CallbackURL is the public path users are redirected through when
	// the scheduler sends them to the lab.
	CallbackURL string

	// UnauthorizedLink is where browsers with an invalid callback
	// session are redirected. Empty means a plain 403.
	UnauthorizedLink string

	// Timeout is how long a session may go unpolled before it expires.
	// Zero or negative disables the check.
	Timeout time.Duration

	// PollInterval is the polling period advised to the scheduler.
	PollInterval time.Duration

	// AutoPoll refreshes the session on every authenticated request.
	AutoPoll bool

	// ExpiredUsersTimeout is how long expired session data stays
	// readable after disposal.
	ExpiredUsersTimeout time.Duration

	// TaskExpiry bounds how long finished task results stay readable.
	TaskExpiry time.Duration

	// CleanerInterval is the period of the expired-session sweeper.
	CleanerInterval time.Duration

	// TaskWorkers is the number of task-running goroutines; zero
	// disables the runner in this process.
	TaskWorkers int

	// AutoClean enables the expired-session sweeper in this process.
	AutoClean bool
}

type KafkaConfig struct {
	Brokers              []string
	ProducerRetryMax     int
	ProducerRequiredAcks int
	Enabled              bool
}

// JWTConfig signs the session cookie handed to browsers.
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

type LogConfig struct {
	Level    string
	Mode     string
	Encoding string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			HTTPPort:     getEnvAsInt("SERVER_HTTP_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			MaxRetries:   getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		},
		Weblab: WeblabConfig{
			Username:            getEnv("WEBLAB_USERNAME", ""),
			Password:            getEnv("WEBLAB_PASSWORD", ""),
			KeyPrefix:           getEnv("WEBLAB_KEY_PREFIX", "lab"),
			CallbackURL:         getEnv("WEBLAB_CALLBACK_URL", "/callback"),
			UnauthorizedLink:    getEnv("WEBLAB_UNAUTHORIZED_LINK", ""),
			Timeout:             getEnvAsDuration("WEBLAB_TIMEOUT", 15*time.Second),
			PollInterval:        getEnvAsDuration("WEBLAB_POLL_INTERVAL", 5*time.Second),
			AutoPoll:            getEnvAsBool("WEBLAB_AUTOPOLL", true),
			ExpiredUsersTimeout: getEnvAsDuration("WEBLAB_EXPIRED_USERS_TIMEOUT", time.Hour),
			TaskExpiry:          getEnvAsDuration("WEBLAB_TASK_EXPIRES", time.Hour),
			CleanerInterval:     getEnvAsDuration("WEBLAB_CLEANER_INTERVAL", 5*time.Second),
			TaskWorkers:         getEnvAsInt("WEBLAB_TASK_WORKERS", 3),
			AutoClean:           getEnvAsBool("WEBLAB_AUTOCLEAN", true),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "jwt-secret"),
			Expiry: getEnvAsDuration("JWT_EXPIRY", 2*time.Hour),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Mode:     getEnv("LOG_MODE", "development"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
		Kafka: KafkaConfig{
			Brokers:              getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ProducerRetryMax:     getEnvAsInt("KAFKA_PRODUCER_RETRY_MAX", 3),
			ProducerRequiredAcks: getEnvAsInt("KAFKA_PRODUCER_REQUIRED_ACKS", 1),
			Enabled:              getEnvAsBool("KAFKA_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.HTTPPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Weblab.Username == "" || c.Weblab.Password == "" {
		return fmt.Errorf("WEBLAB_USERNAME and WEBLAB_PASSWORD are required")
	}

	if c.JWT.Secret == "" || c.JWT.Secret == "jwt-secret" {
		if c.Env == "production" {
			return fmt.Errorf("JWT secret must be set in production")
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	// Split by comma
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

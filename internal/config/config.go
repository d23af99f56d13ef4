package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "NOTIFIER"

	defaultHTTPAddress       = "0.0.0.0:8090"
	defaultWebSocketPort     = 8080
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultCleanupInterval   = time.Hour
	defaultPollBatchSize     = 100
	defaultSendBuffer        = 32
	defaultTokenTTL          = time.Hour
	defaultSessionIssuer     = "suitecrm"
	defaultSessionCookie     = "crm_session"
	defaultDatabaseDriver    = "mysql"
	defaultDatabaseHost      = "localhost"
	defaultDatabasePort      = 3306
	defaultDatabaseUser      = "root"
	defaultDatabaseName      = "suitecrm"
	defaultDatabasePath      = "notifier.db"
	defaultDatabaseSSLMode   = "disable"
	defaultPoolSize          = 5
	defaultConnectAttempts   = 30
	defaultConnectInterval   = 2 * time.Second
	defaultRateLimitBackend  = "database"
	defaultRateLimitMax      = 100
	defaultRateLimitWindow   = 60 * time.Second
	defaultRedisAddress      = "localhost:6379"
	defaultAMQPQueue         = "crm_notifications"
	defaultRetentionDays     = 7
	defaultLogLevel          = "info"
)

// DatabaseConfig describes how to reach the relational store.
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	Path            string
	SSLMode         string
	PoolSize        int
	ConnectAttempts int
	ConnectInterval time.Duration
}

// WebSocketConfig tunes the delivery server loops.
type WebSocketConfig struct {
	Port              int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	PollBatchSize     int
	SendBuffer        int
}

// ListenAddress returns the address the delivery server binds to.
func (c WebSocketConfig) ListenAddress() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// RateLimitConfig selects the webhook rate limiter backend.
type RateLimitConfig struct {
	Backend string
	Max     int
	Window  time.Duration
}

// RedisConfig is used when the rate limiter backend is redis.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// AMQPConfig enables the optional RabbitMQ ingest consumer.
type AMQPConfig struct {
	URL   string
	Queue string
}

// SessionConfig describes the CRM session cookie accepted by the token endpoint.
type SessionConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// AppConfig captures runtime configuration shared by the API and delivery servers.
type AppConfig struct {
	HTTPAddress   string
	JWTSecret     string
	HMACSecret    string
	TokenTTL      time.Duration
	Session       SessionConfig
	Database      DatabaseConfig
	WebSocket     WebSocketConfig
	RateLimit     RateLimitConfig
	Redis         RedisConfig
	AMQP          AMQPConfig
	RetentionDays int
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("ws.port", defaultWebSocketPort)
	configViper.SetDefault("ws.poll_interval", defaultPollInterval)
	configViper.SetDefault("ws.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("ws.cleanup_interval", defaultCleanupInterval)
	configViper.SetDefault("ws.poll_batch_size", defaultPollBatchSize)
	configViper.SetDefault("ws.send_buffer", defaultSendBuffer)
	configViper.SetDefault("auth.jwt_secret", "")
	configViper.SetDefault("auth.hmac_secret", "")
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultSessionCookie)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.host", defaultDatabaseHost)
	configViper.SetDefault("database.port", defaultDatabasePort)
	configViper.SetDefault("database.user", defaultDatabaseUser)
	configViper.SetDefault("database.password", "")
	configViper.SetDefault("database.name", defaultDatabaseName)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.sslmode", defaultDatabaseSSLMode)
	configViper.SetDefault("database.pool_size", defaultPoolSize)
	configViper.SetDefault("database.connect_attempts", defaultConnectAttempts)
	configViper.SetDefault("database.connect_interval", defaultConnectInterval)
	configViper.SetDefault("ratelimit.backend", defaultRateLimitBackend)
	configViper.SetDefault("ratelimit.max", defaultRateLimitMax)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("notifications.retention_days", defaultRetentionDays)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		JWTSecret:   configViper.GetString("auth.jwt_secret"),
		HMACSecret:  configViper.GetString("auth.hmac_secret"),
		TokenTTL:    configViper.GetDuration("auth.token_ttl"),
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			Issuer:        configViper.GetString("session.issuer"),
			CookieName:    configViper.GetString("session.cookie_name"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Host:            configViper.GetString("database.host"),
			Port:            configViper.GetInt("database.port"),
			User:            configViper.GetString("database.user"),
			Password:        configViper.GetString("database.password"),
			Name:            configViper.GetString("database.name"),
			Path:            configViper.GetString("database.path"),
			SSLMode:         configViper.GetString("database.sslmode"),
			PoolSize:        configViper.GetInt("database.pool_size"),
			ConnectAttempts: configViper.GetInt("database.connect_attempts"),
			ConnectInterval: configViper.GetDuration("database.connect_interval"),
		},
		WebSocket: WebSocketConfig{
			Port:              configViper.GetInt("ws.port"),
			PollInterval:      configViper.GetDuration("ws.poll_interval"),
			HeartbeatInterval: configViper.GetDuration("ws.heartbeat_interval"),
			CleanupInterval:   configViper.GetDuration("ws.cleanup_interval"),
			PollBatchSize:     configViper.GetInt("ws.poll_batch_size"),
			SendBuffer:        configViper.GetInt("ws.send_buffer"),
		},
		RateLimit: RateLimitConfig{
			Backend: strings.ToLower(strings.TrimSpace(configViper.GetString("ratelimit.backend"))),
			Max:     configViper.GetInt("ratelimit.max"),
			Window:  configViper.GetDuration("ratelimit.window"),
		},
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		AMQP: AMQPConfig{
			URL:   strings.TrimSpace(configViper.GetString("amqp.url")),
			Queue: configViper.GetString("amqp.queue"),
		},
		RetentionDays: configViper.GetInt("notifications.retention_days"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
		if strings.TrimSpace(c.Database.Host) == "" || strings.TrimSpace(c.Database.Name) == "" {
			return fmt.Errorf("database.host and database.name are required for %s", c.Database.Driver)
		}
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive")
	}
	if c.WebSocket.Port <= 0 || c.WebSocket.Port > 65535 {
		return fmt.Errorf("ws.port %d is out of range", c.WebSocket.Port)
	}
	if c.WebSocket.PollInterval <= 0 || c.WebSocket.HeartbeatInterval <= 0 || c.WebSocket.CleanupInterval <= 0 {
		return fmt.Errorf("ws intervals must be positive")
	}
	switch c.RateLimit.Backend {
	case "database", "redis":
	default:
		return fmt.Errorf("ratelimit.backend %q is not supported", c.RateLimit.Backend)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.max and ratelimit.window must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("notifications.retention_days must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Registry  RegistryConfig
	ICE       ICEConfig
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	SendBuffer      int
	AllowedOrigins  []string
}

// DatabaseConfig selects the store. Driver is "memory" or "postgres"; a
// DSN wins over the discrete fields.
type DatabaseConfig struct {
	Driver   string
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	TimeZone string
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type RegistryConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

type ICEConfig struct {
	STUNServers []string
}

// Load reads an optional .env file and then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Addr:            getEnv("ORCHESTRA_ADDR", ":8080"),
			ReadTimeout:     getDuration("ORCHESTRA_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDuration("ORCHESTRA_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getDuration("ORCHESTRA_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDuration("ORCHESTRA_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getInt("ORCHESTRA_WS_READ_BUFFER", 4096),
			WriteBufferSize: getInt("ORCHESTRA_WS_WRITE_BUFFER", 4096),
			WriteTimeout:    getDuration("ORCHESTRA_WS_WRITE_TIMEOUT", 5*time.Second),
			SendBuffer:      getInt("ORCHESTRA_WS_SEND_BUFFER", 64),
			AllowedOrigins:  getList("ORCHESTRA_WS_ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("ORCHESTRA_DB_DRIVER", "memory"),
			DSN:      getEnv("ORCHESTRA_DB_DSN", ""),
			Host:     getEnv("ORCHESTRA_DB_HOST", "localhost"),
			Port:     getEnv("ORCHESTRA_DB_PORT", "5432"),
			User:     getEnv("ORCHESTRA_DB_USER", "postgres"),
			Password: getEnv("ORCHESTRA_DB_PASSWORD", ""),
			Name:     getEnv("ORCHESTRA_DB_NAME", "orchestra"),
			SSLMode:  getEnv("ORCHESTRA_DB_SSLMODE", "disable"),
			TimeZone: getEnv("ORCHESTRA_DB_TIMEZONE", "UTC"),
		},
		Redis: RedisConfig{
			Enabled:     getBool("ORCHESTRA_REDIS_ENABLED", false),
			Addr:        getEnv("ORCHESTRA_REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("ORCHESTRA_REDIS_PASSWORD", ""),
			DB:          getInt("ORCHESTRA_REDIS_DB", 0),
			PresenceTTL: getDuration("ORCHESTRA_REDIS_PRESENCE_TTL", 2*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("ORCHESTRA_LOG_LEVEL", "info"),
			Format: getEnv("ORCHESTRA_LOG_FORMAT", "console"),
		},
		Registry: RegistryConfig{
			IdleTimeout:   getDuration("ORCHESTRA_ENGINE_IDLE_TIMEOUT", 2*time.Hour),
			SweepInterval: getDuration("ORCHESTRA_ENGINE_SWEEP_INTERVAL", 5*time.Minute),
		},
		ICE: ICEConfig{
			STUNServers: getList("ORCHESTRA_STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		},
	}
}

// PostgresDSN returns the configured DSN or builds one from the discrete
// fields.
func (c DatabaseConfig) PostgresDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode, c.TimeZone,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring non-integer setting")
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration accepts Go durations; a bare number is seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring malformed duration")
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

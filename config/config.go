package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/logger"
)

// Retention bounds one chat scope: at most Cap messages, none older than TTL.
type Retention struct {
	Cap int
	TTL time.Duration
}

// Config holds everything the server reads from the environment.
type Config struct {
	Port string

	DBDriver string
	DBHost   string
	DBUser   string
	DBPass   string
	DBName   string
	DBPort   string
	DBPath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	JWTSecret string

	RateLimit  int
	RateWindow time.Duration

	GlobalRetention   Retention
	DocumentRetention Retention
	PrivateRetention  Retention
	RetentionCron     string

	LogLevel  string
	LogFormat string
}

// Load reads a .env file when present and then the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logger.Log.Info("no .env file found, using system environment variables")
	}

	return Config{
		Port: getString("PORT", "8080"),

		DBDriver: getString("DB_DRIVER", "postgres"),
		DBHost:   getString("DB_HOST", "localhost"),
		DBUser:   getString("DB_USER", "postgres"),
		DBPass:   getString("DB_PASS", "postgres"),
		DBName:   getString("DB_NAME", "collab"),
		DBPort:   getString("DB_PORT", "5432"),
		DBPath:   getString("DB_PATH", "collab.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),
		CacheTTL:      getDuration("CACHE_TTL", 30*time.Second),

		JWTSecret: getString("JWT_SECRET", "your-secret-key"),

		RateLimit:  getInt("RATE_LIMIT", 20),
		RateWindow: getDuration("RATE_WINDOW", 10*time.Second),

		GlobalRetention: Retention{
			Cap: getInt("GLOBAL_CHAT_CAP", 500),
			TTL: getDuration("GLOBAL_CHAT_TTL", 7*24*time.Hour),
		},
		DocumentRetention: Retention{
			Cap: getInt("DOCUMENT_CHAT_CAP", 1000),
			TTL: getDuration("DOCUMENT_CHAT_TTL", 30*24*time.Hour),
		},
		PrivateRetention: Retention{
			Cap: getInt("PRIVATE_CHAT_CAP", 1000),
			TTL: getDuration("PRIVATE_CHAT_TTL", 30*24*time.Hour),
		},
		RetentionCron: getString("RETENTION_CRON", "*/5 * * * *"),

		LogLevel:  getString("LOG_LEVEL", "info"),
		LogFormat: getString("LOG_FORMAT", "json"),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getInt only accepts positive values, except for REDIS_DB where zero is valid.
func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || (n == 0 && key != "REDIS_DB") {
		logger.Log.Warn("invalid_config_value", zap.String("key", key), zap.String("value", v), zap.Int("default", def))
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.Log.Warn("invalid_config_value", zap.String("key", key), zap.String("value", v), zap.Duration("default", def))
		return def
	}
	return d
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Upload   UploadConfig
	Provider ProviderConfig
	Sweeper  SweeperConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/media?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the media bucket name.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	MediaBucket          string
	PresignExpireMinutes int
}

// UploadConfig bounds chunked upload sessions.
type UploadConfig struct {
	MinPartSize       int64 // object-store floor for every part except the last
	MaxParts          int   // object-store ceiling on part count
	MaxTotalSize      int64 // reject uploads above this
	SessionTTLMinutes int   // abandoned sessions expire after this
}

// ProviderConfig holds the external video processing provider settings.
type ProviderConfig struct {
	BaseURL        string
	APIKey         string
	WebhookSecret  string
	TimeoutSeconds int
}

// SweeperConfig controls the reconciliation sweeper.
type SweeperConfig struct {
	IntervalSeconds      int
	StalledAfterMinutes  int // pending with no external id for this long → resubmit
	CallbackAfterMinutes int // processing with no callback for this long → poll provider
	BatchSize            int
	MaxSubmitRetries     int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/media?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "media"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			MediaBucket:          getEnv("AWS_S3_MEDIA_BUCKET", "academy-media-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Upload: UploadConfig{
			MinPartSize:       getEnvInt64("UPLOAD_MIN_PART_SIZE", 5*1024*1024),
			MaxParts:          getEnvInt("UPLOAD_MAX_PARTS", 10000),
			MaxTotalSize:      getEnvInt64("UPLOAD_MAX_TOTAL_SIZE", 20*1024*1024*1024),
			SessionTTLMinutes: getEnvInt("UPLOAD_SESSION_TTL_MINUTES", 24*60),
		},
		Provider: ProviderConfig{
			BaseURL:        getEnv("PROVIDER_BASE_URL", "https://api.video-processing.example.com/v1"),
			APIKey:         getEnv("PROVIDER_API_KEY", ""),
			WebhookSecret:  getEnv("PROVIDER_WEBHOOK_SECRET", ""),
			TimeoutSeconds: getEnvInt("PROVIDER_TIMEOUT_SEC", 10),
		},
		Sweeper: SweeperConfig{
			IntervalSeconds:      getEnvInt("SWEEPER_INTERVAL_SEC", 300),
			StalledAfterMinutes:  getEnvInt("SWEEPER_STALLED_AFTER_MINUTES", 15),
			CallbackAfterMinutes: getEnvInt("SWEEPER_CALLBACK_AFTER_MINUTES", 60),
			BatchSize:            getEnvInt("SWEEPER_BATCH_SIZE", 100),
			MaxSubmitRetries:     getEnvInt("SWEEPER_MAX_SUBMIT_RETRIES", 5),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

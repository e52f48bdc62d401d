// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Auth
	JWTSecret        string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	DefaultAdminUser string
	DefaultAdminPass string

	// Storage backend ("s3" or "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Browsing
	ListMaxKeys int

	// Writes
	SharedWritePrefix string
	MaxUploadSize     int64
	AllowedFileTypes  []string

	// Named path prefixes offered in the admin panel, merged with
	// prefixes discovered from storage.
	NamedPathPrefixes []string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),

		JWTSecret:        envOr("JWT_SECRET", ""),
		AccessTokenTTL:   envDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL:  envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		DefaultAdminUser: envOr("DEFAULT_ADMIN_EMAIL", "admin@localhost"),
		DefaultAdminPass: envOr("DEFAULT_ADMIN_PASSWORD", ""),

		StorageBackend:   envOr("STORAGE_BACKEND", "s3"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),

		S3Endpoint:  envOr("S3_ENDPOINT", ""),
		S3Bucket:    envOr("S3_BUCKET", ""),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),

		ListMaxKeys: envInt("LIST_MAX_KEYS", 10000),

		SharedWritePrefix: envOr("SHARED_WRITE_PREFIX", "uploads"),
		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 1<<30), // 1GB
		AllowedFileTypes:  envList("ALLOWED_FILE_TYPES", defaultAllowedTypes),
		NamedPathPrefixes: envList("NAMED_PATH_PREFIXES", nil),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required for the s3 backend")
	}

	return cfg, nil
}

var defaultAllowedTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"application/pdf",
	"video/mp4", "video/quicktime",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-excel",
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

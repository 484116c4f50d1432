package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envFileKey = "HAMKAR_ENV_FILE"

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	MaxAttachments  int
	PageSize        int
	TypingTimeout   time.Duration
	FileStoragePath string
	SendRateLimit   int64
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// Load reads configuration from the environment. When HAMKAR_ENV_FILE points
// at a file its values are loaded first; variables already set in the
// environment are never overridden by the file.
func Load() *Config {
	if path, ok := os.LookupEnv(envFileKey); ok && path != "" {
		// A missing env file is not fatal, defaults still apply.
		_ = godotenv.Load(path)
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/hamkar.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760"), 10485760), // 10MiB per file
		MaxAttachments:  int(parseInt64(getEnv("MAX_ATTACHMENTS", "5"), 5)),
		PageSize:        int(parseInt64(getEnv("PAGE_SIZE", "50"), 50)),
		TypingTimeout:   parseDuration(getEnv("TYPING_TIMEOUT", "2s"), 2*time.Second),
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		SendRateLimit:   parseInt64(getEnv("SEND_RATE_LIMIT", "60"), 60),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(s)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

// AllowedOrigins splits CORSOrigins on commas.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	TokenSecret    string
	CORSOrigin     string
	PingInterval   time.Duration
	SessionTimeout time.Duration
	SendBuffer     int
	MeiliURL       string
	MeiliMasterKey string
	// Redis holds the live session directory; empty disables it.
	RedisURL   string
	ArchiveDir string
	LogDev     bool
}

// Load reads the environment, after applying any .env file in the working
// directory. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() Config {
	return Config{
		Addr:           getenv("API_ADDR", ":8787"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		TokenSecret:    getenv("TREESYNC_TOKEN_SECRET", "treesync-dev-secret"),
		CORSOrigin:     getenv("TREESYNC_CORS_ORIGIN", "*"),
		PingInterval:   getenvSeconds("TREESYNC_PING_INTERVAL_SECONDS", 20),
		SessionTimeout: getenvSeconds("TREESYNC_SESSION_TIMEOUT_SECONDS", 60),
		SendBuffer:     getenvInt("TREESYNC_SEND_BUFFER", 256),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		RedisURL:       getenv("REDIS_URL", ""),
		ArchiveDir:     getenv("TREESYNC_ARCHIVE_DIR", ""),
		LogDev:         getenvBool("TREESYNC_LOG_DEV", false),
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getenvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getenvInt(key, fallback)) * time.Second
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

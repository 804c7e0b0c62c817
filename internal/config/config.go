package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Telegram
	BotToken string

	// Backend
	APIBaseURL    string
	APITimeout    time.Duration
	PaymentMethod string

	// Realtime
	PusherAppKey  string
	PusherCluster string
	PusherHost    string
	ChannelPrefix string
	TopupEvent    string

	// Status server
	StatusPort int

	// Database
	DBPath string

	// Payments
	ReferenceMaxAge time.Duration

	// Catalog
	CatalogCacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		// Telegram
		BotToken: getEnv("BOT_TOKEN", ""),

		// Backend
		APIBaseURL:    strings.TrimSuffix(getEnv("API_BASE_URL", "https://api.bidwin.app/api"), "/"),
		APITimeout:    getEnvDuration("API_TIMEOUT", 30*time.Second),
		PaymentMethod: getEnv("PAYMENT_METHOD", "usdt_bsc"),

		// Realtime
		PusherAppKey:  getEnv("PUSHER_APP_KEY", ""),
		PusherCluster: getEnv("PUSHER_CLUSTER", "ap1"),
		PusherHost:    getEnv("PUSHER_HOST", ""),
		ChannelPrefix: getEnv("CHANNEL_PREFIX", "staging"),
		TopupEvent:    getEnv("TOPUP_EVENT", "topup.status.update"),

		// Status server
		StatusPort: getEnvInt("STATUS_PORT", 8080),

		// Database
		DBPath: getEnv("DB_PATH", "./bidwin.db"),

		// Payments
		ReferenceMaxAge: getEnvDuration("REFERENCE_MAX_AGE", 2*time.Hour),

		// Catalog
		CatalogCacheTTL: getEnvDuration("CATALOG_CACHE_TTL", 5*time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

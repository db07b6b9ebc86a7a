package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource      string
	Port          string
	Env           string
	StoreDriver   string // "postgres" or "memory"
	AuthSecret    string
	InternalToken string
	RegenInterval time.Duration
	SessionTTL    time.Duration
	SweepInterval time.Duration
	LogLevel      string
	LogDev        bool
}

func Load() (*Config, error) {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	driver := getenv("STORE_DRIVER", "postgres")

	dbSource := os.Getenv("DB_SOURCE")
	if driver == "postgres" && dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	authSecret := os.Getenv("AUTH_SECRET")
	if authSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET environment variable is required")
	}

	internalToken := os.Getenv("INTERNAL_TOKEN")
	if internalToken == "" {
		return nil, fmt.Errorf("INTERNAL_TOKEN environment variable is required")
	}

	regenMinutes, err := getint("REGEN_INTERVAL_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	ttlHours, err := getint("SESSION_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	sweepMinutes, err := getint("SWEEP_INTERVAL_MINUTES", 60)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:      dbSource,
		Port:          getenv("SERVER_PORT", "8080"),
		Env:           getenv("ENVIRONMENT", "development"),
		StoreDriver:   driver,
		AuthSecret:    authSecret,
		InternalToken: internalToken,
		RegenInterval: time.Duration(regenMinutes) * time.Minute,
		SessionTTL:    time.Duration(ttlHours) * time.Hour,
		SweepInterval: time.Duration(sweepMinutes) * time.Minute,
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogDev:        os.Getenv("LOG_DEV") == "1",
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"livemd/pkg/logger"
)

// defaultCookieSecret is the insecure fallback used when COOKIE_SECRET is
// unset. Sessions signed with it are forgeable; the server still starts.
const defaultCookieSecret = "DEFAULT COOKIE SECRET xsalkjxn12oin"

type Config struct {
	DataDir      string
	Port         string
	CookieSecret string

	// InsecureSecret is true when the fallback secret is in use.
	InsecureSecret bool

	// StoreDriver is "sqlite3" (default) or "postgres".
	StoreDriver string
	// DatabaseURL is the postgres DSN; ignored for sqlite3.
	DatabaseURL string

	GracePeriod  time.Duration
	SaveInterval time.Duration
}

// Load reads configuration from the environment. Missing values fall back to
// defaults; a missing cookie secret is a warning, never fatal.
func Load() Config {
	cfg := Config{
		DataDir:      envOr("SERVER_DATA_DIR", "./data"),
		Port:         envOr("PORT", "3000"),
		CookieSecret: strings.TrimSpace(os.Getenv("COOKIE_SECRET")),
		StoreDriver:  envOr("STORE_DRIVER", "sqlite3"),
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		GracePeriod:  durationOr("ROOM_GRACE_PERIOD", 30*time.Second),
		SaveInterval: durationOr("SAVE_INTERVAL", 10*time.Second),
	}

	if cfg.CookieSecret == "" {
		logger.Sugar.Warn("Environment variable COOKIE_SECRET not specified. Using default secret (insecure).")
		cfg.CookieSecret = defaultCookieSecret
		cfg.InsecureSecret = true
	}
	return cfg
}

// DSN returns the database connection string for the configured driver.
func (c Config) DSN() string {
	if c.StoreDriver == "postgres" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDir, "data.sqlite3")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Sugar.Warnf("Invalid duration in %s (%q), using default %s", key, v, fallback)
		return fallback
	}
	return d
}

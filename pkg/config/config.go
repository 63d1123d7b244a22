package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven process settings. Trading parameters live
// in the YAML file named by TradingConfigPath.
type Config struct {
	Port     string
	GRPCPort string

	// Database
	DBDriver    string // "sqlite" (default) or "postgres"
	DBPath      string
	DatabaseURL string

	TradingConfigPath string

	// Auth
	DashPassword string
	JWTSecret    string

	// Paper venue
	PaperMode       bool
	PaperStartPrice float64
	PaperLatencyMax time.Duration

	MetricsInterval   time.Duration
	ReconcileInterval time.Duration

	// Overrides of the file values when set.
	DeltaThreshold float64
	Symbols        []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCPort:          getEnv("GRPC_PORT", "9090"),
		DBDriver:          strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:            getEnv("DB_PATH", "./data/futures.db"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TradingConfigPath: getEnv("TRADING_CONFIG", "./config/trading.yaml"),
		DashPassword:      os.Getenv("DASH_PASSWORD"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		PaperMode:         getEnv("PAPER_MODE", "true") == "true",
		PaperStartPrice:   getEnvFloat("PAPER_SYMBOL_START_PRICE", 15000),
		PaperLatencyMax:   getEnvDuration("PAPER_LATENCY_MAX", 0),
		MetricsInterval:   getEnvDuration("METRICS_INTERVAL", time.Minute),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		DeltaThreshold:    getEnvFloat("DELTA_CONFIDENCE_THRESHOLD", 0),
		Symbols:           splitAndTrim(os.Getenv("SYMBOLS")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Storage
	DBPath       string
	RestoreState bool

	// Ledger vs. store drift check; 0 disables it
	ReconcileSecs int

	// Logging / localization
	LogLevel string
	LogFile  string
	Language string // "en" or "de"

	// Settings overlay (risk, auto-execute, monitor)
	SettingsFile string

	// Auth
	JWTSecret     string
	AdminKey      string
	WebhookSecret string // HMAC key for X-Signature; empty disables the check

	// HTTP
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	// Ledger
	InitialBalance float64
	MaxSlippage    float64 // fraction of entry
	FeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)

	// Paper executor
	PaperSlippageBps  float64
	PaperLatencyMinMs int
	PaperLatencyMaxMs int
	PaperFailureRate  float64

	// Price feed
	FeedMode         string // "mock", "binance" or "none"
	Symbols          []string
	MockIntervalMs   int
	BinanceStreamURL string

	// Quality / notifications
	TrustedChannels  []string
	NotifyWebhookURL string
	AutoExecute      bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/trading.db"),
		RestoreState:      getEnvBool("RESTORE_STATE", true),
		ReconcileSecs:     getEnvInt("RECONCILE_INTERVAL_SEC", 60),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", "./logs/trading-ai.log"),
		Language:          getEnv("LANGUAGE", "en"),
		SettingsFile:      getEnv("SETTINGS_FILE", "./config/settings.yaml"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		AdminKey:          os.Getenv("ADMIN_KEY"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		CORSOrigins:       splitAndTrim(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		RateLimitRPS:      getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 20),
		InitialBalance:    getEnvFloat("INITIAL_BALANCE", 10000),
		MaxSlippage:       getEnvFloat("MAX_SLIPPAGE", 0.001),
		FeeRate:           getEnvFloat("FEE_RATE", 0),
		PaperSlippageBps:  getEnvFloat("PAPER_SLIPPAGE_BPS", 5),
		PaperLatencyMinMs: getEnvInt("PAPER_LATENCY_MIN_MS", 0),
		PaperLatencyMaxMs: getEnvInt("PAPER_LATENCY_MAX_MS", 0),
		PaperFailureRate:  getEnvFloat("PAPER_FAILURE_RATE", 0),
		FeedMode:          strings.ToLower(getEnv("FEED_MODE", "mock")),
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "BTC/USDT,ETH/USDT")),
		MockIntervalMs:    getEnvInt("MOCK_FEED_INTERVAL_MS", 1000),
		BinanceStreamURL:  getEnv("BINANCE_STREAM_URL", "wss://stream.binance.com:9443/stream"),
		TrustedChannels:   splitAndTrim(os.Getenv("TRUSTED_CHANNELS")),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		AutoExecute:       getEnvBool("AUTO_EXECUTE", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: PORT is empty", ErrInvalidConfig)
	case c.DBPath == "":
		return fmt.Errorf("%w: DB_PATH is empty", ErrInvalidConfig)
	case c.InitialBalance <= 0:
		return fmt.Errorf("%w: INITIAL_BALANCE must be positive", ErrInvalidConfig)
	case c.FeeRate < 0 || c.FeeRate >= 1:
		return fmt.Errorf("%w: FEE_RATE must be in [0,1)", ErrInvalidConfig)
	case c.PaperFailureRate < 0 || c.PaperFailureRate > 1:
		return fmt.Errorf("%w: PAPER_FAILURE_RATE must be in [0,1]", ErrInvalidConfig)
	case c.RateLimitRPS <= 0 || c.RateLimitBurst < 1:
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidConfig)
	}
	switch c.FeedMode {
	case "mock", "binance", "none":
	default:
		return fmt.Errorf("%w: FEED_MODE %q (want mock, binance or none)", ErrInvalidConfig, c.FeedMode)
	}
	return nil
}

// Overlay decodes the YAML file at path onto target, which should already
// hold defaults; keys missing from the file keep their value. A missing
// file is not an error.
func Overlay(path string, target any) (bool, error) {
	if path == "" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return true, nil
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

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

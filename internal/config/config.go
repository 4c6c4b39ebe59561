package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	BaseURL     string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Magic-link login tokens.
	LoginTokenTTL   time.Duration
	LoginTokenBytes int

	// Sessions. Front-end and admin-area lifetimes are independent.
	SessionLifetime      time.Duration
	AdminSessionLifetime time.Duration
	SessionRegenInterval time.Duration

	// Persistent "remember me" logins.
	RememberMeTTL         time.Duration
	RememberMeExtendedTTL time.Duration

	// Per-identity login lockout.
	RateLimitWindow      time.Duration
	RateLimitMaxAttempts int

	// Transport-level throttle, requests per minute per client IP.
	ThrottleRPM int

	// Domains allowed to self-register, seeded at startup.
	AllowedDomains []string

	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	CookieSecure   bool
	CookiePath     string
	SessionCookie  string
	RememberCookie string

	SuperAdminEmail string

	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		BaseURL:     strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		ServiceName: getEnv("SERVICE_NAME", "stimma-auth"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		LoginTokenTTL:   time.Duration(getInt("AUTH_TOKEN_EXPIRY_MINUTES", 15)) * time.Minute,
		LoginTokenBytes: getInt("AUTH_TOKEN_BYTES", 32),

		SessionLifetime:      time.Duration(getInt("SESSION_LIFETIME_HOURS", 4)) * time.Hour,
		AdminSessionLifetime: time.Duration(getInt("ADMIN_SESSION_LIFETIME_HOURS", 4)) * time.Hour,
		SessionRegenInterval: time.Duration(getInt("SESSION_REGENERATE_MINUTES", 30)) * time.Minute,

		RememberMeTTL:         time.Duration(getInt("REMEMBER_ME_DAYS", 7)) * 24 * time.Hour,
		RememberMeExtendedTTL: time.Duration(getInt("REMEMBER_ME_EXTENDED_DAYS", 30)) * 24 * time.Hour,

		RateLimitWindow:      time.Duration(getInt("LOGIN_RATE_LIMIT_MINUTES", 15)) * time.Minute,
		RateLimitMaxAttempts: getInt("LOGIN_RATE_LIMIT_ATTEMPTS", 5),

		ThrottleRPM: getInt("THROTTLE_RPM", 600),

		AllowedDomains: getList("ALLOWED_DOMAINS", nil),

		SMTPAddr:     getEnv("SMTP_ADDR", "127.0.0.1:25"),
		SMTPFrom:     getEnv("SMTP_FROM", "no-reply@localhost"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),

		CookieSecure:   getBool("COOKIE_SECURE", true),
		CookiePath:     getEnv("COOKIE_PATH", "/"),
		SessionCookie:  getEnv("SESSION_COOKIE_NAME", "stimma_session"),
		RememberCookie: getEnv("REMEMBER_COOKIE_NAME", "stimma_remember"),

		SuperAdminEmail: strings.ToLower(strings.TrimSpace(os.Getenv("SUPER_ADMIN_EMAIL"))),

		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TelemetrySampleRatio: getFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Content-Type", "X-CSRF-Token"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.LoginTokenBytes < 32 {
		cfg.LoginTokenBytes = 32
	}
	if cfg.RateLimitMaxAttempts < 1 {
		cfg.RateLimitMaxAttempts = 5
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

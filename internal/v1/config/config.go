// Package config validates the environment-backed server configuration.
// Every recognized option is enumerated here; main loads .env via godotenv
// before calling ValidateEnv.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for optional options.
const (
	DefaultPort           = "12346"
	DefaultWebPort        = "8080"
	DefaultRoomSize       = 8
	DefaultTokenLength    = 20
	DefaultHealthInterval = 60 * time.Second
	DefaultSyncInterval   = 30 * time.Second
	DefaultLoginBlacklist = 30 * time.Minute
	DefaultDataDir        = "./data"
)

// Config holds the validated environment configuration.
type Config struct {
	// TCP plane
	Host           string
	Port           string
	TCPEnabled     bool
	TrustProxyHops int
	TokenLength    int

	// Identity / chart service
	PhiraAPIURL   string
	DefaultAvatar string

	// Server identity
	ServerName string
	RoomSize   int

	// Web plane
	WebPort         string
	EnableWebServer bool
	AllowedOrigins  []string
	SessionSecret   string
	EnablePubWeb    bool
	PubPrefix       string
	EnablePriWeb    bool
	PriPrefix       string

	// Admin
	AdminName     string
	AdminPassword string
	AdminSecret   string

	// Captcha (external collaborator; keys are passed through)
	CaptchaProvider string
	GeetestID       string
	GeetestKey      string

	// Login lockout
	LoginBlacklistDuration time.Duration

	// Federation
	FederationEnabled        bool
	FederationSeedNodes      []string
	FederationSecret         string
	FederationNodeURL        string
	FederationNodeID         string
	FederationHealthInterval time.Duration
	FederationSyncInterval   time.Duration

	// Ambient
	LogLevel        string
	DevelopmentMode bool
	DataDir         string

	// Optional redis bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitAPI   string
	RateLimitLogin string

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
}

// ValidateEnv validates all recognized environment variables and returns a
// Config. All validation errors are collected and reported together.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")
	cfg.Port = getEnvOrDefault("PORT", DefaultPort)
	if !isValidPort(cfg.Port) {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number (got %q)", cfg.Port))
	}
	cfg.TCPEnabled = getEnvBool("TCP_ENABLED", true)

	cfg.TrustProxyHops = getEnvInt("TRUST_PROXY_HOPS", 0, &errs)
	if cfg.TrustProxyHops < 0 {
		errs = append(errs, "TRUST_PROXY_HOPS must not be negative")
	}

	cfg.TokenLength = getEnvInt("TOKEN_LENGTH", DefaultTokenLength, &errs)
	if cfg.TokenLength <= 0 {
		errs = append(errs, "TOKEN_LENGTH must be positive")
	}

	cfg.PhiraAPIURL = getEnvOrDefault("PHIRA_API_URL", "https://phira.5wyxi.com")
	if !strings.HasPrefix(cfg.PhiraAPIURL, "http://") && !strings.HasPrefix(cfg.PhiraAPIURL, "https://") {
		errs = append(errs, fmt.Sprintf("PHIRA_API_URL must be an http(s) URL (got %q)", cfg.PhiraAPIURL))
	}
	cfg.DefaultAvatar = os.Getenv("DEFAULT_AVATAR")

	cfg.ServerName = getEnvOrDefault("SERVER_NAME", "linkplay")
	cfg.RoomSize = getEnvInt("ROOM_SIZE", DefaultRoomSize, &errs)
	if cfg.RoomSize < 1 {
		errs = append(errs, "ROOM_SIZE must be at least 1")
	}

	cfg.WebPort = getEnvOrDefault("WEB_PORT", DefaultWebPort)
	if !isValidPort(cfg.WebPort) {
		errs = append(errs, fmt.Sprintf("WEB_PORT must be a valid port number (got %q)", cfg.WebPort))
	}
	cfg.EnableWebServer = getEnvBool("ENABLE_WEB_SERVER", true)
	cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.EnableWebServer && len(cfg.SessionSecret) < 32 {
		errs = append(errs, fmt.Sprintf("SESSION_SECRET must be at least 32 characters when the web server is enabled (got %d)", len(cfg.SessionSecret)))
	}

	cfg.EnablePubWeb = getEnvBool("ENABLE_PUB_WEB", true)
	cfg.PubPrefix = os.Getenv("PUB_PREFIX")
	cfg.EnablePriWeb = getEnvBool("ENABLE_PRI_WEB", false)
	cfg.PriPrefix = getEnvOrDefault("PRI_PREFIX", "pri-")

	cfg.AdminName = os.Getenv("ADMIN_NAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")
	if cfg.EnableWebServer && cfg.AdminSecret != "" && len(cfg.AdminSecret) < 16 {
		errs = append(errs, "ADMIN_SECRET must be at least 16 characters when set")
	}

	cfg.CaptchaProvider = os.Getenv("CAPTCHA_PROVIDER")
	cfg.GeetestID = os.Getenv("GEETEST_ID")
	cfg.GeetestKey = os.Getenv("GEETEST_KEY")
	if cfg.CaptchaProvider == "geetest" && (cfg.GeetestID == "" || cfg.GeetestKey == "") {
		errs = append(errs, "GEETEST_ID and GEETEST_KEY are required when CAPTCHA_PROVIDER=geetest")
	}

	cfg.LoginBlacklistDuration = getEnvDuration("LOGIN_BLACKLIST_DURATION", DefaultLoginBlacklist, &errs)

	cfg.FederationEnabled = getEnvBool("FEDERATION_ENABLED", false)
	cfg.FederationSeedNodes = splitList(os.Getenv("FEDERATION_SEED_NODES"))
	cfg.FederationSecret = os.Getenv("FEDERATION_SECRET")
	cfg.FederationNodeURL = os.Getenv("FEDERATION_NODE_URL")
	cfg.FederationNodeID = os.Getenv("FEDERATION_NODE_ID")
	cfg.FederationHealthInterval = getEnvDuration("FEDERATION_HEALTH_INTERVAL", DefaultHealthInterval, &errs)
	cfg.FederationSyncInterval = getEnvDuration("FEDERATION_SYNC_INTERVAL", DefaultSyncInterval, &errs)
	if cfg.FederationEnabled {
		if cfg.FederationSecret == "" {
			errs = append(errs, "FEDERATION_SECRET is required when FEDERATION_ENABLED=true")
		}
		if cfg.FederationNodeURL == "" {
			errs = append(errs, "FEDERATION_NODE_URL is required when FEDERATION_ENABLED=true")
		}
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = getEnvBool("DEVELOPMENT_MODE", false)
	cfg.DataDir = getEnvOrDefault("DATA_DIR", DefaultDataDir)

	cfg.RedisEnabled = getEnvBool("REDIS_ENABLED", false)
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "300-M")
	cfg.RateLimitLogin = getEnvOrDefault("RATE_LIMIT_LOGIN", "10-M")

	cfg.TracingEnabled = getEnvBool("TRACING_ENABLED", false)
	cfg.OTLPEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n >= 1 && n <= 65535
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	return isValidPort(parts[1])
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return defaultValue
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got %q)", key, v))
		return defaultValue
	}
	return n
}

// getEnvDuration accepts either a Go duration string ("90s", "5m") or a
// plain number of seconds.
func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			*errs = append(*errs, fmt.Sprintf("%s must be positive (got %q)", key, v))
			return defaultValue
		}
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration or seconds (got %q)", key, v))
		return defaultValue
	}
	return d
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"server_name", cfg.ServerName,
		"host", cfg.Host,
		"port", cfg.Port,
		"tcp_enabled", cfg.TCPEnabled,
		"web_port", cfg.WebPort,
		"web_enabled", cfg.EnableWebServer,
		"room_size", cfg.RoomSize,
		"token_length", cfg.TokenLength,
		"phira_api_url", cfg.PhiraAPIURL,
		"session_secret", redactSecret(cfg.SessionSecret),
		"admin_secret", redactSecret(cfg.AdminSecret),
		"federation_enabled", cfg.FederationEnabled,
		"federation_node_url", cfg.FederationNodeURL,
		"federation_secret", redactSecret(cfg.FederationSecret),
		"redis_enabled", cfg.RedisEnabled,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}

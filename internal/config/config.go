package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimit is a counter budget for one scope.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Config contains runtime configuration values.
type Config struct {
	Environment     string
	HTTPPort        string
	ServiceName     string
	DatabaseURL     string
	MigrateOnStart  bool
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	StoreTimeout    time.Duration
	JWTSecret       []byte
	JWTIssuer       string
	TokenHashSecret []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	MaxSessions     int

	LoginIPLimit            RateLimit
	LoginEmailLimit         RateLimit
	ResendVerificationLimit RateLimit
	PasswordResetLimit      RateLimit
	RateLimitRPM            int

	RefreshRetention time.Duration
	CleanupSchedule  string

	AdminEmail    string
	AdminPassword string

	AuditKafkaBrokers []string
	AuditKafkaTopic   string

	TrustedProxies []string

	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

const minSecretBytes = 32

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:     getEnv("APP_ENV", "development"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ServiceName:     getEnv("SERVICE_NAME", "valora-session"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		MigrateOnStart:  getBool("MIGRATE_ON_START", true),
		RedisAddr:       getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getInt("REDIS_DB", 0),
		StoreTimeout:    getDuration("STORE_TIMEOUT", 2*time.Second),
		JWTSecret:       []byte(os.Getenv("JWT_SECRET")),
		JWTIssuer:       getEnv("JWT_ISSUER", "valora-session"),
		TokenHashSecret: []byte(os.Getenv("TOKEN_HASH_SECRET")),
		AccessTokenTTL:  getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		MaxSessions:     getInt("MAX_ACTIVE_SESSIONS", 5),

		LoginIPLimit:            getRateLimit("RATE_LIMIT_LOGIN_IP", 10, 15*time.Minute),
		LoginEmailLimit:         getRateLimit("RATE_LIMIT_LOGIN_EMAIL", 5, 15*time.Minute),
		ResendVerificationLimit: getRateLimit("RATE_LIMIT_RESEND_VERIFICATION", 3, time.Hour),
		PasswordResetLimit:      getRateLimit("RATE_LIMIT_PASSWORD_RESET", 3, time.Hour),
		RateLimitRPM:            getInt("RATE_LIMIT_RPM", 600),

		RefreshRetention: getDuration("REFRESH_RETENTION", 30*24*time.Hour),
		CleanupSchedule:  getEnv("CLEANUP_SCHEDULE", "@every 1h"),

		AdminEmail:    strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))),
		AdminPassword: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),

		AuditKafkaBrokers: getList("AUDIT_KAFKA_BROKERS", nil),
		AuditKafkaTopic:   getEnv("AUDIT_KAFKA_TOPIC", "auth-audit"),

		TrustedProxies: getList("TRUSTED_PROXIES", nil),

		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing or unsafe settings.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < minSecretBytes {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretBytes)
	}
	if len(c.TokenHashSecret) == 0 {
		return fmt.Errorf("TOKEN_HASH_SECRET is required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("MAX_ACTIVE_SESSIONS must be at least 1")
	}
	for _, proxy := range c.TrustedProxies {
		if !validProxy(proxy) {
			return fmt.Errorf("TRUSTED_PROXIES: %q is not an IP or CIDR", proxy)
		}
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}
	return nil
}

func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// getDuration accepts Go duration syntax or a bare number of seconds.
func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		v = strings.TrimSpace(v)
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(secs) * time.Second
		}
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

func getRateLimit(prefix string, limit int, window time.Duration) RateLimit {
	return RateLimit{
		Limit:  getInt(prefix, limit),
		Window: getDuration(prefix+"_WINDOW", window),
	}
}

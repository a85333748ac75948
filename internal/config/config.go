// Package config loads the API settings from environment variables, applies
// defaults and normalization, and validates the result as a whole.
package config

import (
	"errors"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the database driver and its connection target.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	URL    string // Postgres DSN
}

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	Mode        string   // jwt|header
	JWTSecret   string   // HMAC key for bearer tokens
	JWTIssuer   string   // optional expected "iss"
	AdminEmails []string // identities that always resolve to admin
}

// PaymentConfig configures the external checkout collaborator.
type PaymentConfig struct {
	GatewayURL    string        // empty selects the sandbox gateway
	APIKey        string        // sent as a bearer token to the gateway
	RedirectBase  string        // base URL for sandbox redirects
	WebhookSecret string        // HMAC key for gateway callbacks
	Currency      string        // ISO 4217 code
	Attempts      uint          // gateway call attempts
	RetryDelay    time.Duration // initial backoff between attempts
	Timeout       time.Duration // per-request HTTP timeout
}

// Config is the full set of settings.
type Config struct {
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	DB       DBConfig
	Auth     AuthConfig
	Payments PaymentConfig

	// An empty RedisAddr selects the in-process guard.
	RedisAddr   string
	InflightTTL time.Duration

	// No brokers means lifecycle events are only logged.
	KafkaBrokers []string
	KafkaTopic   string

	RateRPS       float64
	RateBurst     int
	RateWriteCost int // tokens charged to POST, PUT, PATCH and DELETE

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration

	OTEL OTELConfig
}

// MustLoad is Load for process start-up; it panics on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the process environment.
func Load() (Config, error) { return LoadFrom(defaultLookup()) }

// LoadFrom reads settings through lookup. Every malformed or invalid value is
// reported in the returned error, not just the first.
func LoadFrom(lookup Lookup) (Config, error) {
	e := &env{lookup: lookup}
	cfg := Config{
		Port:              strings.TrimSpace(e.str("PORT", "8080")),
		ReadTimeout:       e.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: e.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      e.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       e.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    e.integer("MAX_HEADER_BYTES", 1<<20),
		GinMode:           e.lower("GIN_MODE", "release"),

		LogLevel:       e.lower("LOG_LEVEL", "info"),
		LogPretty:      e.flag("LOG_PRETTY", false),
		SwaggerEnabled: e.flag("SWAGGER_ENABLED", false),
		APIBasePath:    basePath(e.str("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: e.lower("DB_DRIVER", "sqlite"),
			Path:   strings.TrimSpace(e.str("DB_PATH", "tuition.db")),
			URL:    e.str("DATABASE_URL", ""),
		},
		Auth: AuthConfig{
			Mode:      e.lower("AUTH_MODE", "header"),
			JWTSecret: e.str("JWT_SECRET", ""),
			JWTIssuer: e.str("JWT_ISSUER", ""),
		},
		Payments: PaymentConfig{
			GatewayURL:    e.str("PAYMENT_GATEWAY_URL", ""),
			APIKey:        e.str("PAYMENT_GATEWAY_API_KEY", ""),
			RedirectBase:  strings.TrimRight(e.str("PAYMENT_REDIRECT_BASE", "http://localhost:8080/sandbox"), "/"),
			WebhookSecret: e.str("PAYMENT_WEBHOOK_SECRET", ""),
			Currency:      strings.ToUpper(strings.TrimSpace(e.str("PAYMENT_CURRENCY", "BDT"))),
			RetryDelay:    e.dur("PAYMENT_RETRY_DELAY", 200*time.Millisecond),
			Timeout:       e.dur("PAYMENT_TIMEOUT", 10*time.Second),
		},

		RedisAddr:   e.str("REDIS_ADDR", ""),
		InflightTTL: e.dur("INFLIGHT_TTL", 30*time.Second),

		KafkaBrokers: e.list("KAFKA_BROKERS"),
		KafkaTopic:   strings.TrimSpace(e.str("KAFKA_TOPIC", "tuition.lifecycle")),

		RateRPS:       e.float("RATE_RPS", 5.0),
		RateBurst:     e.integer("RATE_BURST", 10),
		RateWriteCost: e.integer("RATE_WRITE_COST", 1),

		CORS: CORSConfig{AllowedOrigins: e.list("CORS_ALLOWED_ORIGINS")},
		Security: SecurityConfig{
			EnableHSTS: e.flag("ENABLE_HSTS", false),
			HSTSMaxAge: e.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: e.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     e.flag("OTEL_ENABLED", false),
			Endpoint:    e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    e.flag("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: e.str("OTEL_SERVICE_NAME", "tuition-api"),
			SampleRatio: e.float("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}
	for _, a := range e.list("ADMIN_EMAILS") {
		cfg.Auth.AdminEmails = append(cfg.Auth.AdminEmails, strings.ToLower(a))
	}
	if n := e.integer("PAYMENT_RETRY_ATTEMPTS", 3); n > 0 {
		cfg.Payments.Attempts = uint(n)
	}

	cfg.normalize()
	return cfg, errors.Join(append(e.errs, cfg.validate()...)...)
}

func (c *Config) normalize() {
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		c.GinMode = "release"
	}
	switch c.DB.Driver {
	case "postgresql", "pg":
		c.DB.Driver = "postgres"
	}
}

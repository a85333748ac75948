package config

import (
	"errors"
	"strings"
)

// validate returns one error per violated rule, in declaration order.
func (c Config) validate() []error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"))
	}
	check(c.Port != "", "PORT must not be empty")
	check(c.ReadTimeout > 0 && c.ReadHeaderTimeout > 0 && c.WriteTimeout > 0 && c.IdleTimeout > 0,
		"timeouts must be positive durations")
	check(c.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")

	switch c.DB.Driver {
	case "sqlite":
		check(c.DB.Path != "", "DB_PATH must not be empty")
	case "postgres":
		check(strings.TrimSpace(c.DB.URL) != "", "DATABASE_URL is required when DB_DRIVER=postgres")
	default:
		errs = append(errs, errors.New("DB_DRIVER must be one of: sqlite, postgres"))
	}

	switch c.Auth.Mode {
	case "header":
	case "jwt":
		check(strings.TrimSpace(c.Auth.JWTSecret) != "", "JWT_SECRET is required when AUTH_MODE=jwt")
	default:
		errs = append(errs, errors.New("AUTH_MODE must be one of: jwt, header"))
	}

	check(len(c.Payments.Currency) == 3, "PAYMENT_CURRENCY must be a 3-letter code")
	check(c.Payments.Attempts >= 1, "PAYMENT_RETRY_ATTEMPTS must be >= 1")
	check(c.Payments.RetryDelay >= 0, "PAYMENT_RETRY_DELAY must be >= 0")
	check(c.Payments.Timeout > 0, "PAYMENT_TIMEOUT must be > 0")

	check(c.InflightTTL > 0, "INFLIGHT_TTL must be > 0")
	check(len(c.KafkaBrokers) == 0 || c.KafkaTopic != "", "KAFKA_TOPIC must not be empty when KAFKA_BROKERS is set")

	check(c.RateRPS >= 0, "RATE_RPS must be >= 0")
	check(c.RateBurst >= 1, "RATE_BURST must be >= 1")
	check(c.RateWriteCost >= 1 && c.RateWriteCost <= c.RateBurst, "RATE_WRITE_COST must be between 1 and RATE_BURST")

	check(c.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be > 0")
	check(c.OTEL.SampleRatio >= 0 && c.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	return errs
}

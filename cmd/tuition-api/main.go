// Command tuition-api serves the tuition marketplace HTTP API.
//
// @title                      Tuition Marketplace API
// @version                    1.0
// @description                Students post tuition requests, tutors apply, students review and pay.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-tuition-backend/docs"
	"github.com/tbourn/go-tuition-backend/internal/auth"
	"github.com/tbourn/go-tuition-backend/internal/config"
	"github.com/tbourn/go-tuition-backend/internal/events"
	httpapi "github.com/tbourn/go-tuition-backend/internal/http"
	"github.com/tbourn/go-tuition-backend/internal/inflight"
	"github.com/tbourn/go-tuition-backend/internal/observability"
	"github.com/tbourn/go-tuition-backend/internal/payment"
	"github.com/tbourn/go-tuition-backend/internal/repo"
	"github.com/tbourn/go-tuition-backend/internal/sysutil"
	"github.com/tbourn/go-tuition-backend/internal/utils"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const purgeInterval = 10 * time.Minute

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	service := sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, observability.DefaultServiceName)
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, service, ver)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("database open failed")
	}
	if sysutil.IsTruthy(os.Getenv("SKIP_MIGRATIONS")) {
		log.Warn().Msg("schema migrations skipped")
	} else if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	deps := httpapi.Deps{
		DB:            db,
		Authenticator: authenticator(cfg.Auth),
		Gateway:       gateway(cfg.Payments),
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		deps.Guard = inflight.NewRedisGuard(rdb, cfg.InflightTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("in-flight guard: redis")
	} else {
		deps.Guard = inflight.NewMemoryGuard()
		log.Info().Msg("in-flight guard: in-process")
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.KafkaBrokers).Msg("kafka producer failed")
		}
		deps.Events = kp
		log.Info().Str("topic", cfg.KafkaTopic).Msg("events: kafka")
	} else {
		deps.Events = events.NewLogPublisher()
	}

	deps.IDs, err = snowflake.NewNode(int64(utils.AtoiDefault(os.Getenv("NODE_ID"), 1)))
	if err != nil {
		log.Fatal().Err(err).Msg("snowflake node")
	}

	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = ver

	r := gin.New()
	if err := httpapi.RegisterRoutes(r, deps, cfg); err != nil {
		log.Fatal().Err(err).Msg("route setup failed")
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go purgeIdempotency(ctx, deps)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := deps.Events.Close(); err != nil {
		log.Error().Err(err).Msg("event publisher close")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("stopped")
}

func authenticator(cfg config.AuthConfig) auth.Authenticator {
	if cfg.Mode == "jwt" {
		return auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	}
	log.Warn().Msg("AUTH_MODE=header trusts X-User-Email; use only behind a trusted gateway")
	return auth.HeaderAuthenticator{}
}

func gateway(cfg config.PaymentConfig) payment.Gateway {
	if cfg.GatewayURL == "" {
		log.Warn().Str("redirect_base", cfg.RedirectBase).Msg("payments: sandbox gateway")
		return payment.NewSandboxGateway(cfg.RedirectBase)
	}
	log.Info().Str("url", cfg.GatewayURL).Msg("payments: http gateway")
	return payment.NewHTTPGateway(cfg.GatewayURL, cfg.APIKey, cfg.Timeout, cfg.Attempts, cfg.RetryDelay)
}

// purgeIdempotency drops expired Idempotency-Key records until ctx ends.
func purgeIdempotency(ctx context.Context, deps httpapi.Deps) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, deps.DB, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired idempotency keys removed")
			}
		}
	}
}

// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, caller
// identification, metrics, CORS, security headers, idempotency, and rate
// limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Callers are identified before anything keyed by user runs
//   - All collaborators injected through Deps
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/auth"
	"github.com/tbourn/go-tuition-backend/internal/config"
	"github.com/tbourn/go-tuition-backend/internal/events"
	"github.com/tbourn/go-tuition-backend/internal/http/handlers"
	"github.com/tbourn/go-tuition-backend/internal/http/middleware"
	"github.com/tbourn/go-tuition-backend/internal/inflight"
	"github.com/tbourn/go-tuition-backend/internal/payment"
	"github.com/tbourn/go-tuition-backend/internal/repo"
	"github.com/tbourn/go-tuition-backend/internal/services"
)

// Deps are the collaborators the routes need. Nil Guard, Events and IDs
// fall back to in-process defaults; DB, Authenticator and Gateway are
// required.
type Deps struct {
	DB            *gorm.DB
	Authenticator auth.Authenticator
	Gateway       payment.Gateway
	Guard         inflight.Guard
	Events        events.Publisher
	IDs           *snowflake.Node
}

var (
	corsAllowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		"X-User-Email", "X-User-Name",
		middleware.HeaderIdempotencyKey, payment.SignatureHeader,
	}
	corsExposeHeaders = []string{
		"X-Request-ID", "Content-Length", "ETag", "X-Record-Count",
		middleware.HeaderIdempotencyReplayed,
	}
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Identify: resolve the caller's Actor (anonymous when no credentials)
//  7. ScopedLogger + gzip
//  8. Metrics (labelled by caller role)
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per user/IP, bypass on replay)
//  11. CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) error {
	r.HandleMethodNotAllowed = true
	db := deps.DB

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key", payment.SignatureHeader},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Caller identity
	r.Use(middleware.Identify(deps.Authenticator, auth.NewDirectoryResolver(db, cfg.Auth.AdminEmails)))

	// 7) Request-scoped logger and response compression
	r.Use(middleware.ScopedLogger())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics", "/swagger"})))

	// 8) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 9) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, userID, key string, now time.Time) (bool, error) {
			rec, err := repo.FindIdempotency(ctx, db, repo.IdemKey{UserID: userID, Scope: services.IdempotencyScope, Key: key}, now)
			return rec != nil, err
		},
	))

	// 10) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	rl.WriteCost = cfg.RateWriteCost
	r.Use(rl.Handler())

	// 11) CORS posture (allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h, err := newHandlers(deps, cfg)
	if err != nil {
		return err
	}

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/users", h.Register)
		api.GET("/users/me", h.Me)

		api.POST("/posts", h.CreatePost)
		api.GET("/posts", h.BrowsePosts)
		api.GET("/posts/mine", h.MyPosts)
		api.GET("/posts/queue", h.ModerationQueue)
		api.GET("/posts/:id", h.GetPost)
		api.PUT("/posts/:id", h.UpdatePost)
		api.DELETE("/posts/:id", h.DeletePost)
		api.PATCH("/posts/:id/moderation", h.ModeratePost)
		api.GET("/posts/:id/applications", h.PostApplications)
		api.POST("/posts/:id/applications", h.Apply)

		api.GET("/applications/mine", h.MyApplications)
		api.GET("/applications/received", h.ReceivedApplications)
		api.POST("/applications/bulk-delete", h.BulkDeleteApplications)
		api.GET("/applications/:id", h.GetApplication)
		api.PUT("/applications/:id", h.UpdateApplication)
		api.DELETE("/applications/:id", h.DeleteApplication)
		api.PATCH("/applications/:id/review", h.ReviewApplication)
		api.POST("/applications/:id/payments", middleware.NoStore(), h.InitiatePayment)
		api.GET("/applications/:id/payments", middleware.NoStore(), h.ApplicationPayments)

		pay := api.Group("/payments", middleware.NoStore())
		pay.GET("/sessions/:id", h.GetSession)
		pay.POST("/sessions/:id/complete", h.CompletePayment)
		pay.POST("/sessions/:id/cancel", h.CancelPayment)
		pay.POST("/webhook", h.PaymentWebhook)
		pay.GET("/history", h.PaymentHistory)
		pay.GET("/history/export", h.ExportPaymentHistory)
	}
	return nil
}

// newHandlers builds the services over deps and binds them to handlers.
func newHandlers(deps Deps, cfg config.Config) (*handlers.Handlers, error) {
	pub := publisherOf(deps)
	pay, err := services.NewPaymentService(deps.DB, deps.Gateway, deps.Guard, pub, deps.IDs, cfg.Payments.Currency)
	if err != nil {
		return nil, err
	}
	pay.WebhookSecret = []byte(cfg.Payments.WebhookSecret)
	if cfg.IdempotencyTTL > 0 {
		pay.IdempotencyTTL = cfg.IdempotencyTTL
	}
	return handlers.New(
		&services.UserService{DB: deps.DB},
		services.NewPostService(deps.DB, pub),
		services.NewApplicationService(deps.DB, pub),
		pay,
	), nil
}

// publisherOf falls back to logging events when no publisher was wired.
func publisherOf(deps Deps) events.Publisher {
	if deps.Events != nil {
		return deps.Events
	}
	return events.NewLogPublisher()
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// Package middleware holds the Gin middleware shared by every route.
//
// Expected order: RequestID, RedactingLogger, Recovery, Identify,
// ScopedLogger. Access logs are written by RedactingLogger; the helpers here
// carry the correlation ID and a request-scoped zerolog logger.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey       = "requestID"
	requestIDHeader    = "X-Request-ID"
	loggerKey          = "logger"
	maxRequestIDLength = 128
)

// acceptableRequestID reports whether a client-supplied ID can be echoed
// back and logged as is: 1..128 bytes of printable ASCII without spaces.
func acceptableRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}

// RequestID reuses an acceptable X-Request-ID from the client or mints a
// UUID, then stores it in the context and on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !acceptableRequestID(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation ID of the request, falling back to
// the response header for chains that set it some other way.
func RequestIDFrom(c *gin.Context) string {
	if rid := ctxString(c, requestIDKey); rid != "" {
		return rid
	}
	return c.Writer.Header().Get(requestIDHeader)
}

func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// ScopedLogger derives a logger tagged with the request ID, method, route
// and caller role, and makes it available to handlers (LoggerFrom) and to
// services (zerolog.Ctx). Emails never go into it.
func ScopedLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		l := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Str("actor_role", roleLabel(c)).
			Logger()

		c.Set(loggerKey, &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when
// ScopedLogger did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if lg, ok := c.Value(loggerKey).(*zerolog.Logger); ok {
		return lg
	}
	return &log.Logger
}

// Recovery turns a panic into a logged stack trace and, if nothing was
// written yet, a 500 with code "internal_error".
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Str("route", routeOf(c)).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			abort(c, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		c.Next()
	}
}

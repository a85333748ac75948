package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxQueryLogLength = 2048

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex segments of ids never match.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// alwaysMasked headers carry credentials and are never logged.
var alwaysMasked = []string{"Authorization", "Cookie", "Set-Cookie", "X-Signature"}

// RedactOptions lists extra headers to mask, matched case-insensitively.
type RedactOptions struct {
	MaskHeaders []string
}

// redact replaces ids, then emails, then phone numbers. The phone pattern is
// the loosest, so it must run after UUIDs are gone.
func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

type headerScrubber map[string]struct{}

func newHeaderScrubber(extra []string) headerScrubber {
	s := headerScrubber{}
	for _, h := range append(alwaysMasked, extra...) {
		if h = strings.TrimSpace(h); h != "" {
			s[http.CanonicalHeaderKey(h)] = struct{}{}
		}
	}
	return s
}

// dict renders h for the log with credentials masked and PII redacted.
func (s headerScrubber) dict(h http.Header) *zerolog.Event {
	d := zerolog.Dict()
	for k, vv := range h {
		if _, masked := s[http.CanonicalHeaderKey(k)]; masked {
			d.Str(k, "[REDACTED]")
			continue
		}
		d.Str(k, redact(strings.Join(vv, ", ")))
	}
	return d
}

func accessLevel(status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// RedactingLogger writes one access log line per request. Bodies are never
// logged; the query and header values are scrubbed of emails, phone numbers
// and UUIDs, and credential headers are masked. 4xx lines are warnings and
// 5xx lines errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	scrub := newHeaderScrubber(opts.MaskHeaders)

	return func(c *gin.Context) {
		start := time.Now()
		query := redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))
		headers := scrub.dict(c.Request.Header)

		c.Next()

		rid := RequestIDFrom(c)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}
		status := c.Writer.Status()
		ev := log.WithLevel(accessLevel(status))
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", redact(c.Errors.String()))
		}
		ev.Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", routeOf(c)).
			Str("query", query).
			Str("actor_role", string(ActorFrom(c).Role)).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Dict("headers", headers).
			Msg("http_request")
	}
}

// truncate caps s at limit bytes plus an ellipsis; limit <= 0 disables it.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// Idempotency headers. A response replayed from an earlier result carries
// Idempotency-Replayed: true.
const (
	HeaderIdempotencyKey      = "Idempotency-Key"
	HeaderIdempotencyReplayed = "Idempotency-Replayed"
)

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"

	defaultIdemKeyMaxLen = 200
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key IdempotencyValidator accepted.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	k := ctxString(c, ctxKeyIdemKey)
	return k, k != ""
}

// IsReplay reports whether the caller already used this key.
func IsReplay(c *gin.Context) bool { return ctxBool(c, ctxKeyIdemReplay) }

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	MaxLen  int            // <= 0 means 200
	Pattern *regexp.Regexp // nil means ^[A-Za-z0-9._~\-:]+$
}

// IdempotencyLookup reports whether userID holds an unexpired record for key.
type IdempotencyLookup func(ctx context.Context, userID, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator checks the Idempotency-Key header when one is sent
// and rejects malformed keys with 400 "bad_idempotency_key". For a POST by
// an identified caller it asks lookup whether the key was already used; a
// hit marks the request as a replay, which also exempts it from rate
// limiting. Lookup errors count as a miss. What a replay returns is up to
// the handler.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultIdemKeyMaxLen
	}
	if opts.Pattern == nil {
		opts.Pattern = defaultKeyPattern
	}
	valid := func(k string) bool { return len(k) <= opts.MaxLen && opts.Pattern.MatchString(k) }

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if !valid(key) {
			abort(c, http.StatusBadRequest, "bad_idempotency_key", "invalid Idempotency-Key")
			return
		}
		c.Set(ctxKeyIdemKey, key)

		uid := userIDFromCtx(c)
		if lookup == nil || uid == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		exists, err := lookup(c.Request.Context(), uid, key, time.Now().UTC())
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
		}
		if exists && err == nil {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}
}

package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/auth"
)

const (
	ctxKeyActor  = "actor"
	ctxKeyUserID = "userID"
)

// Identify resolves the caller into an auth.Actor. Requests without
// credentials continue anonymously and the services decide whether that is
// enough; credentials that are present but invalid get 401.
//
// The actor's email is also stored under "userID", which keys the rate
// limiter and the idempotency lookup.
func Identify(authn auth.Authenticator, roles auth.RoleResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := authn.Authenticate(c.Request)
		switch {
		case errors.Is(err, auth.ErrNoCredentials):
			c.Next()
			return
		case err != nil:
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}

		actor, err := roles.Resolve(c.Request.Context(), id)
		if err != nil {
			LoggerFrom(c).Error().Err(err).Msg("role resolution failed")
			abort(c, http.StatusInternalServerError, "internal_error", "could not resolve caller role")
			return
		}
		c.Set(ctxKeyActor, actor)
		c.Set(ctxKeyUserID, actor.Email)
		c.Next()
	}
}

// ActorFrom returns the caller stored by Identify; anonymous requests get
// the zero Actor.
func ActorFrom(c *gin.Context) auth.Actor {
	a, _ := c.Value(ctxKeyActor).(auth.Actor)
	return a
}

func userIDFromCtx(c *gin.Context) string { return ctxString(c, ctxKeyUserID) }

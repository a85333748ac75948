package inflight

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the key only if it still carries our token, so an
// expired lease never removes a newer holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a Guard shared by every replica pointing at the same Redis.
// Leases expire after TTL in case the holder dies without releasing.
type RedisGuard struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisGuard wraps client. Keys are namespaced under "inflight:".
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl, prefix: "inflight:"}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()
	k := g.prefix + key
	ok, err := g.client.SetNX(ctx, k, token, g.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		// Release must work even if the request context was cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, g.client, []string{k}, token).Err(); err != nil && err != redis.Nil {
			log.Warn().Err(err).Str("key", k).Msg("inflight release failed")
		}
	}, nil
}

package onboarding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Guard keeps a second submission for the same user from starting while one
// is in flight. Acquire returns ErrInFlight when the key is held.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// GuardKey normalises an email into a guard key.
func GuardKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LocalGuard is an in-process Guard.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[key]; ok {
		return nil, ErrInFlight
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently acquired.
func (g *LocalGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisGuard shares the in-flight flag between console-server replicas. The
// TTL bounds how long a crashed replica can keep a key locked.
type RedisGuard struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisGuard returns a guard over rdb. A failed release is logged to
// logger; the key then stays locked until its TTL runs out.
func NewRedisGuard(rdb redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisGuard{rdb: rdb, prefix: "console:onboarding:inflight:", ttl: ttl, logger: logger}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := g.prefix + key
	token := uuid.NewString()

	ok, err := g.rdb.SetNX(ctx, redisKey, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire in-flight flag: %w", err)
	}
	if !ok {
		return nil, ErrInFlight
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, g.rdb, []string{redisKey}, token).Err(); err != nil {
				g.logger.Warn().Err(err).Str("key", redisKey).Dur("ttl", g.ttl).Msg("release in-flight flag failed")
			}
		})
	}, nil
}

package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRunInFlight is returned when a tool already has an execution running.
var ErrRunInFlight = errors.New("a run is already in progress for this tool")

// DefaultTTL bounds how long a crashed process can keep a tool locked.
const DefaultTTL = 5 * time.Minute

// Locker serializes sandbox executions per tool.
type Locker interface {
	// Acquire takes the tool's run slot. The returned release func must be
	// called when the run finishes.
	Acquire(ctx context.Context, toolID string) (release func(), err error)
}

type RedisLocker struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLocker{redis: client, ttl: DefaultTTL}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, toolID string) (func(), error) {
	key := fmt.Sprintf("runlock:%s", toolID)
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInFlight
	}

	release := func() {
		// Only delete the key if it still holds our token, so an expired
		// lock taken over by another run is left alone.
		script := redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`)
		_ = script.Run(context.Background(), l.redis, []string{key}, token).Err()
	}
	return release, nil
}

func (l *RedisLocker) Close() error {
	return l.redis.Close()
}

// MemLocker is the in-process equivalent used by tests and single-node
// deployments without redis.
type MemLocker struct {
	mu     sync.Mutex
	locked map[string]bool
}

func NewMemLocker() *MemLocker {
	return &MemLocker{locked: make(map[string]bool)}
}

func (l *MemLocker) Acquire(_ context.Context, toolID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked[toolID] {
		return nil, ErrRunInFlight
	}
	l.locked[toolID] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locked, toolID)
			l.mu.Unlock()
		})
	}
	return release, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*MemLocker)(nil)
)

package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// RedisLockService implements scheduling.LockService on a shared Redis so
// the clinician mutex holds across processes. One SetNX key per clinician;
// the token makes release idempotent and safe against expiry races.
type RedisLockService struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLockService creates a lock service whose keys expire after ttl,
// bounding how long a crashed holder can block a clinician.
func NewRedisLockService(client *redis.Client, ttl time.Duration) *RedisLockService {
	return &RedisLockService{client: client, ttl: ttl}
}

func (l *RedisLockService) Acquire(ctx context.Context, key string, timeout time.Duration) (*scheduling.LockHandle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock: %v", scheduling.ErrTransientRemote, err)
		}
		if ok {
			return &scheduling.LockHandle{Key: key, Token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, scheduling.ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, scheduling.ErrLockTimeout
		case <-time.After(25 * time.Millisecond):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Release deletes the key only if this handle still owns it. Releasing an
// expired or already-released handle is a no-op.
func (l *RedisLockService) Release(ctx context.Context, h *scheduling.LockHandle) error {
	if h == nil {
		return nil
	}
	_, err := unlockScript.Run(ctx, l.client, []string{h.Key}, h.Token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

package cleanup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"switchboard/pkg/utils"
)

const DefaultLeaseTTL = 15 * time.Second

// RedisLease elects one sweeper across API instances sharing a redis
// store. The holder id is random per process; renewal happens on every
// TryAcquire, so the lease survives as long as the holder keeps
// sweeping and expires shortly after it stops.
type RedisLease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = "switchboard:cleanup:lease"
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLease{
		client: client,
		key:    key,
		holder: uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	return utils.AcquireLease(ctx, l.client, l.key, l.holder, l.ttl)
}

func (l *RedisLease) Release(ctx context.Context) error {
	return utils.ReleaseLease(ctx, l.client, l.key, l.holder)
}

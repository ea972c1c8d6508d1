package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix  = "idem:"
	leaseKeyPrefix        = "lease:"
	defaultIdempotencyTTL = 24 * time.Hour
)

// acquireLeaseScript takes the lease when it is free and extends it when
// the caller already owns it.
var acquireLeaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current == owner then
	redis.call('PEXPIRE', key, ttl)
	return 1
end
if not current then
	redis.call('SET', key, owner, 'PX', ttl)
	return 1
end

return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisIdempotencyGuard rejects a repeated booking key before any
// inventory is touched. The ledger still enforces uniqueness on its own.
type RedisIdempotencyGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyGuard(client *redis.Client, ttl time.Duration) *RedisIdempotencyGuard {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyGuard{client: client, ttl: ttl}
}

func (r *RedisIdempotencyGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisIdempotencyGuard) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// RedisLeaseLocker hands a named lease to one process at a time.
type RedisLeaseLocker struct {
	client *redis.Client
	owner  string
}

func NewRedisLeaseLocker(client *redis.Client) *RedisLeaseLocker {
	return &RedisLeaseLocker{client: client, owner: uuid.NewString()}
}

func (r *RedisLeaseLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	result, err := acquireLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, r.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisLeaseLocker) Release(ctx context.Context, name string) error {
	return releaseLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, r.owner).Err()
}

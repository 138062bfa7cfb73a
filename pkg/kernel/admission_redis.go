package kernel

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// admissionAcquireScript takes one in-flight slot atomically.
// KEYS[1] = slot counter key
// ARGV[1] = slot limit
// ARGV[2] = key TTL in seconds
// The TTL self-cleans counters left behind by a crashed replica; any plan
// still running after the TTL re-arms it on release.
var admissionAcquireScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call("DECR", KEYS[1])
    return 0
end
return 1
`)

// admissionReleaseScript returns one slot, flooring the counter at zero.
var admissionReleaseScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
    redis.call("DEL", KEYS[1])
end
return n
`)

// redisAdmissionTTLSeconds bounds how long an orphaned counter survives.
const redisAdmissionTTLSeconds = 300

// RedisAdmission is an AdmissionStore shared by every replica of a solver
// pool, backed by one Redis counter per tenant.
type RedisAdmission struct {
	client *redis.Client
}

// NewRedisAdmission creates a store talking to the given Redis instance.
func NewRedisAdmission(addr, password string, db int) *RedisAdmission {
	return &RedisAdmission{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func admissionKey(tenantID string) string {
	return "keel:admission:" + tenantID
}

// Acquire implements AdmissionStore.
func (r *RedisAdmission) Acquire(ctx context.Context, tenantID string, limit int) (bool, error) {
	res, err := admissionAcquireScript.Run(ctx, r.client,
		[]string{admissionKey(tenantID)}, limit, redisAdmissionTTLSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("kernel: redis admission: %w", err)
	}
	return res == 1, nil
}

// Release implements AdmissionStore.
func (r *RedisAdmission) Release(ctx context.Context, tenantID string) error {
	if err := admissionReleaseScript.Run(ctx, r.client,
		[]string{admissionKey(tenantID)}).Err(); err != nil {
		return fmt.Errorf("kernel: redis admission release: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisAdmission) Close() error {
	return r.client.Close()
}

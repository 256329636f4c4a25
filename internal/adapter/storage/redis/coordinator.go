package redis

import (
	"context"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease key only when the stored token is
// ours, so a slow holder can never free a lease a newer instance owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// renewScript extends the TTL only for the current token holder.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

type leaseCoordinator struct {
	client redis.UniversalClient
	token  string
	log    *zap.Logger
}

// NewLeaseCoordinator creates a Redis-backed lease with a process-unique
// owner token.
func NewLeaseCoordinator(client redis.UniversalClient, log *zap.Logger) port.LeaseCoordinator {
	return &leaseCoordinator{
		client: client,
		token:  uuid.NewString(),
		log:    log,
	}
}

// TryAcquire claims key for ttl. SET NX means the claim succeeds only
// when no live holder exists. Re-acquiring a lease we already hold
// counts as success.
func (c *leaseCoordinator) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, c.token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		c.log.Debug("Lease acquired", zap.String("key", key), zap.Duration("ttl", ttl))
		return true, nil
	}
	// The key exists; it may still be ours from a previous cycle.
	return c.Renew(ctx, key, ttl)
}

func (c *leaseCoordinator) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, c.client, []string{key}, c.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (c *leaseCoordinator) Release(ctx context.Context, key string) error {
	res, err := releaseScript.Run(ctx, c.client, []string{key}, c.token).Int64()
	if err != nil {
		return err
	}
	if res == 1 {
		c.log.Debug("Lease released", zap.String("key", key))
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// RedisLockKeyPrefix prefixes every sync lease key.
const RedisLockKeyPrefix = "vapi_sync_lock_"

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const leaseExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker implements Locker with SET NX PX keys.
type RedisLocker struct {
	client  redis.UniversalClient
	release *redis.Script
	extend  *redis.Script
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisClient connects to the configured redis server.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisLocker creates a lease locker on client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client:  client,
		release: redis.NewScript(leaseReleaseScript),
		extend:  redis.NewScript(leaseExtendScript),
	}
}

func leaseKey(organizationID uint) string {
	return RedisLockKeyPrefix + strconv.FormatUint(uint64(organizationID), 10)
}

// TryAcquire takes the organization's lease unless a live one exists.
func (l *RedisLocker) TryAcquire(ctx context.Context, organizationID uint, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey(organizationID), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if !ok {
		observer.IncLeaseContention(orgLabel(organizationID))
		return nil, false, nil
	}
	return &Lease{OrganizationID: organizationID, Token: token, ExpiresAt: utils.Now().Add(ttl)}, true, nil
}

// Extend pushes the lease expiry forward while the token still owns it.
func (l *RedisLocker) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	n, err := l.extend.Run(ctx, l.client, []string{leaseKey(lease.OrganizationID)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend sync lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = utils.Now().Add(ttl)
	return nil
}

// Release drops the lease if the token still owns it.
func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.Token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{leaseKey(lease.OrganizationID)}, lease.Token).Err()
}

// IsHeld reports whether a live lease exists for the organization.
func (l *RedisLocker) IsHeld(ctx context.Context, organizationID uint) (bool, error) {
	n, err := l.client.Exists(ctx, leaseKey(organizationID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForceRelease drops the organization's lease whoever holds it.
func (l *RedisLocker) ForceRelease(ctx context.Context, organizationID uint) error {
	return l.client.Del(ctx, leaseKey(organizationID)).Err()
}

// ReleaseAll drops every sync lease key.
func (l *RedisLocker) ReleaseAll(ctx context.Context) error {
	iter := l.client.Scan(ctx, 0, RedisLockKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return l.client.Del(ctx, keys...).Err()
}

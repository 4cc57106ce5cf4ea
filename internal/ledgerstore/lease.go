package ledgerstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease scripts compare the stored token before touching the key so that a
// node never extends or releases a lease it has already lost.
var (
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
)

// AcquireLease claims the per-user session lease for token (nodeID:leaseID).
// Returns ErrLeaseHeld when another node currently owns it.
func (s *Store) AcquireLease(ctx context.Context, userID, token string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, s.keyLease(userID), token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		// Re-acquiring our own lease (e.g. after a restart race) is fine.
		cur, err := s.rdb.Get(ctx, s.keyLease(userID)).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur == token {
			return s.extend(ctx, userID, token, ttl)
		}
		return ErrLeaseHeld
	}
	return nil
}

// ExtendLease refreshes the TTL of a held lease. Returns ErrLeaseHeld when
// the token no longer matches, i.e. the lease timed out and moved on.
func (s *Store) ExtendLease(ctx context.Context, userID, token string, ttl time.Duration) error {
	return s.extend(ctx, userID, token, ttl)
}

func (s *Store) extend(ctx context.Context, userID, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.rdb, []string{s.keyLease(userID)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if token still owns it. Releasing a lost or
// missing lease is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, userID, token string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.keyLease(userID)}, token).Err()
}

// LeaseHolder returns the current token holding the user's lease, or "" when
// the lease is free.
func (s *Store) LeaseHolder(ctx context.Context, userID string) (string, error) {
	cur, err := s.rdb.Get(ctx, s.keyLease(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cur, nil
}

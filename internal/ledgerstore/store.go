package ledgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/park285/coin-bridge/internal/wallet"
)

// Store reads and conditionally writes wallet profiles against Redis.
// Profiles live at wallet:{userId} as JSON; a monotone counter at
// wallet:{userId}:ver is the version token for optimistic concurrency.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyProfile(userID string) string { return "wallet:" + strings.TrimSpace(userID) }
func (s *Store) keyVersion(userID string) string { return s.keyProfile(userID) + ":ver" }
func (s *Store) keyLease(userID string) string   { return s.keyProfile(userID) + ":lease" }

var (
	ErrVersionConflict = errf("profile version conflict")
	ErrLeaseHeld       = errf("lease held by another node")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// ReadProfile returns the profile and its version token. A missing entry
// yields a nil profile and a nil error, never redis.Nil; the version is 0
// unless a version counter exists without its profile.
func (s *Store) ReadProfile(ctx context.Context, userID string) (*wallet.Profile, int64, error) {
	res, err := s.rdb.MGet(ctx, s.keyProfile(userID), s.keyVersion(userID)).Result()
	if err != nil {
		return nil, 0, err
	}
	var version int64
	if len(res) > 1 {
		if v, ok := res[1].(string); ok {
			_ = json.Unmarshal([]byte(v), &version)
		}
	}
	raw, ok := res[0].(string)
	if !ok || raw == "" {
		return nil, version, nil
	}
	var p wallet.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, 0, err
	}
	return &p, version, nil
}

// ConditionalWrite persists profile if the stored version still equals
// matchVersion, returning the new version. A mismatch, including one raced in
// between the read and the EXEC, fails with ErrVersionConflict.
func (s *Store) ConditionalWrite(ctx context.Context, userID string, profile *wallet.Profile, matchVersion int64) (int64, error) {
	raw, err := json.Marshal(profile)
	if err != nil {
		return 0, err
	}
	verKey := s.keyVersion(userID)
	var newVersion int64
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != matchVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.keyProfile(userID), raw, 0)
			pipe.Incr(ctx, verKey)
			return nil
		})
		if err == nil {
			newVersion = cur + 1
		}
		return err
	}, verKey)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// IsVersionConflict reports whether err is the locally retryable conflict.
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }

// IsTransient reports whether err looks like a store hiccup worth a backoff
// retry: timeouts, dropped connections, a closed client mid-shutdown.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLedgerPrefix = "promptvault:refresh:"

// A token key is a hash with the owner (user), a revoked flag and, once
// rotated, replaced_by and rotated_at (unix ms). Its TTL is the token's
// remaining lifetime, so expired ids disappear on their own. A per-user set
// lists the ids issued to that user for RevokeUser.
var (
	// KEYS: token, successor, user set. ARGV: prefix, successor id, user id,
	// successor ttl ms, now ms, grace ms.
	rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {0, 0} end
local f = redis.call('HMGET', KEYS[1], 'revoked', 'replaced_by', 'rotated_at')
local retry = 0
if f[1] == '1' then
  local grace = tonumber(ARGV[6])
  if grace <= 0 or not f[2] or f[2] == '' then return {2, 0} end
  if tonumber(ARGV[5]) - tonumber(f[3] or '0') > grace then return {2, 0} end
  local prev = ARGV[1] .. f[2]
  if redis.call('HGET', prev, 'revoked') ~= '0' then return {2, 0} end
  redis.call('HSET', prev, 'revoked', '1')
  retry = 1
else
  redis.call('HSET', KEYS[1], 'revoked', '1', 'rotated_at', ARGV[5])
end
redis.call('HSET', KEYS[1], 'replaced_by', ARGV[2])
redis.call('HSET', KEYS[2], 'user', ARGV[3], 'revoked', '0')
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return {1, retry}
`)

	revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 1
`)

	revokeUserScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  local k = ARGV[1] .. id
  if redis.call('EXISTS', k) == 1 then
    redis.call('HSET', k, 'revoked', '1')
  end
end
return #ids
`)
)

type redisLedger struct {
	rdb   *redis.Client
	grace time.Duration
	now   func() time.Time
}

func newRedisLedger(rdb *redis.Client, grace time.Duration) *redisLedger {
	return &redisLedger{rdb: rdb, grace: grace, now: time.Now}
}

func (l *redisLedger) tokenKey(id string) string { return redisLedgerPrefix + id }

func (l *redisLedger) userKey(userID int64) string {
	return redisLedgerPrefix + "user:" + strconv.FormatInt(userID, 10)
}

func (l *redisLedger) ttl(id string, expiresAt time.Time) (time.Duration, error) {
	ttl := expiresAt.Sub(l.now())
	if ttl <= 0 {
		return 0, fmt.Errorf("refresh token %s already expired", id)
	}
	return ttl, nil
}

func (l *redisLedger) Record(ctx context.Context, id string, userID int64, expiresAt time.Time) error {
	ttl, err := l.ttl(id, expiresAt)
	if err != nil {
		return err
	}
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.tokenKey(id), "user", strconv.FormatInt(userID, 10), "revoked", "0")
		pipe.Expire(ctx, l.tokenKey(id), ttl)
		pipe.SAdd(ctx, l.userKey(userID), id)
		pipe.Expire(ctx, l.userKey(userID), ttl)
		return nil
	})
	return err
}

func (l *redisLedger) Rotate(ctx context.Context, id, successor string, userID int64, expiresAt time.Time) (bool, error) {
	ttl, err := l.ttl(successor, expiresAt)
	if err != nil {
		return false, err
	}
	keys := []string{l.tokenKey(id), l.tokenKey(successor), l.userKey(userID)}
	res, err := rotateScript.Run(ctx, l.rdb, keys,
		redisLedgerPrefix, successor, userID, ttl.Milliseconds(), l.now().UnixMilli(), l.grace.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, err
	}
	if len(res) != 2 {
		return false, fmt.Errorf("unexpected ledger reply %v", res)
	}
	switch res[0] {
	case 1:
		return res[1] == 1, nil
	case 2:
		return false, ErrRefreshReused
	default:
		return false, ErrRefreshUnknown
	}
}

func (l *redisLedger) Revoke(ctx context.Context, id string) error {
	n, err := revokeScript.Run(ctx, l.rdb, []string{l.tokenKey(id)}).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRefreshUnknown
	}
	return nil
}

func (l *redisLedger) RevokeUser(ctx context.Context, userID int64) error {
	return revokeUserScript.Run(ctx, l.rdb, []string{l.userKey(userID)}, redisLedgerPrefix).Err()
}

func (l *redisLedger) ping() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.rdb.Ping(ctx).Err() == nil
}

func (l *redisLedger) close() error { return l.rdb.Close() }

package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/hitoshi/authfacade/internal/model"
)

// キー接頭辞
const (
	revokedTokenKeyPrefix = "authfacade:revoked:token:"
	revokedUserKeyPrefix  = "authfacade:revoked:user:"
)

// RedisPool はredigoのコネクションプール。*redis.Poolが満たす。
type RedisPool interface {
	Get() redis.Conn
}

// RedisRevocationStore はRedisを使用した失効リスト。
// 各キーには失効対象トークンの残り有効期間をEXで設定するため、期限切れ記録はRedis側で消える。
type RedisRevocationStore struct {
	pool RedisPool
	now  func() time.Time
}

// NewRedisRevocationStore はRedisRevocationStoreを生成する。
func NewRedisRevocationStore(pool RedisPool) *RedisRevocationStore {
	return &RedisRevocationStore{pool: pool, now: time.Now}
}

// Revoke はSET NX EXで失効記録を挿入する。既に存在する場合はfalseを返す。
func (s *RedisRevocationStore) Revoke(ctx context.Context, entry model.RevocationEntry) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	reply, err := redis.String(conn.Do("SET", revokedTokenKeyPrefix+entry.TokenID, entry.UserID,
		"NX", "EX", ttlSeconds(entry.ExpiresAt, s.now())))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return reply == "OK", nil
}

// revokeAllScript はユーザー単位の失効時刻とTTLをそれぞれ大きい方に保つ。
// KEYS[1]: ユーザーキー, ARGV[1]: 失効時刻（Unixマイクロ秒）, ARGV[2]: TTL秒
// 時刻を更新した場合は1、既存の方が新しい場合は0を返す。
var revokeAllScript = redis.NewScript(1, `
local cur = tonumber(redis.call('GET', KEYS[1]))
local at = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local remaining = redis.call('TTL', KEYS[1])
if remaining > ttl then
  ttl = remaining
end
if cur and cur >= at then
  redis.call('EXPIRE', KEYS[1], ttl)
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
return 1
`)

// RevokeAllForUser はユーザー単位の失効時刻（Unixマイクロ秒）を保存する。
// 既存の記録より古い時刻では上書きしない。
func (s *RedisRevocationStore) RevokeAllForUser(ctx context.Context, entry model.RevocationEntry) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = revokeAllScript.Do(conn, revokedUserKeyPrefix+entry.UserID,
		entry.RevokedAt.UnixMicro(), ttlSeconds(entry.ExpiresAt, s.now()))
	if err != nil {
		return fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return nil
}

// IsRevoked はトークン単位とユーザー単位の失効記録を1往復で確認する。
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, userID string, issuedAt time.Time, tokenIDs ...string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	keys := make([]interface{}, 0, len(tokenIDs)+1)
	for _, id := range tokenIDs {
		if id != "" {
			keys = append(keys, revokedTokenKeyPrefix+id)
		}
	}
	keys = append(keys, revokedUserKeyPrefix+userID)

	values, err := redis.Values(conn.Do("MGET", keys...))
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	if len(values) != len(keys) {
		return false, fmt.Errorf("unexpected MGET reply length: %d", len(values))
	}
	last := len(values) - 1
	for _, v := range values[:last] {
		if v != nil {
			return true, nil
		}
	}
	if values[last] == nil {
		return false, nil
	}
	revokedAt, err := redis.Int64(values[last], nil)
	if err != nil {
		return false, fmt.Errorf("failed to parse user revocation: %w", err)
	}
	return revokedAt >= issuedAt.UnixMicro(), nil
}

// DeleteExpired はRedisのキー有効期限に任せるため何もしない。
func (s *RedisRevocationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisRevocationStore) conn(ctx context.Context) (redis.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := s.pool.Get()
	if err := conn.Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	return conn, nil
}

// ttlSeconds はexpiresAtまでの残り秒数を切り上げで返す。最小1秒。
func ttlSeconds(expiresAt, now time.Time) int64 {
	secs := int64(math.Ceil(expiresAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// compile-time interface check
var _ RevocationStore = (*RedisRevocationStore)(nil)

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter はgatewayの全インスタンスで共有されるアトミックなカウンターストア。
type Counter interface {
	// IncrementAndGet はkeyのカウンターを1増やし、増加後の値を返す。
	// keyが新規に作成された場合はttl経過後に自動的に削除されるよう設定する。
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

var _ Counter = (*RedisCounter)(nil)

// incrementWithExpiryScript はカウンターの増加と有効期限の設定をアトミックに行うLuaスクリプト。
// KEYS[1] = key
// ARGV[1] = 有効期限（ミリ秒）
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCounter はRedisを用いたCounterの実装。
type RedisCounter struct {
	// client はRedisクライアント。
	client redis.UniversalClient
}

// NewRedisCounter は既存のRedisクライアントからRedisCounterを生成する。
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// NewRedisCounterFromURL は "redis://host:port/db" 形式のURLからRedisCounterを生成する。
func NewRedisCounterFromURL(rawURL string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("RedisのURLが不正です: %w", err)
	}
	return NewRedisCounter(redis.NewClient(opts)), nil
}

// IncrementAndGet はLuaスクリプトでカウンターを増加させる。
func (r *RedisCounter) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, errors.New("ttl must be positive")
	}
	count, err := incrementWithExpiryScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("カウンターの増加に失敗: key=%s: %w", key, err)
	}
	return count, nil
}

// Ping はRedisへの疎通を確認する。
func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close はRedisクライアントを閉じる。
func (r *RedisCounter) Close() error {
	return r.client.Close()
}

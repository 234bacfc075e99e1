package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript は上限未満の場合だけカウンタを加算する。拒否時は何も加算しない。
// 期限のないカウンタが残っていた場合はウィンドウ長の期限を付け直す。
// KEYS[1]: カウンタ, ARGV[1]: 上限回数, ARGV[2]: ウィンドウ長（ミリ秒）
var allowScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count >= tonumber(ARGV[1]) then
	if redis.call("PTTL", KEYS[1]) == -1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
end
count = redis.call("INCR", KEYS[1])
if count == 1 or redis.call("PTTL", KEYS[1]) == -1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// RedisLimiter はRedisのカウンタによる固定ウィンドウ制限。
// 複数インスタンスで共有されるが、Redisのデータが失われると制限もリセットされる。
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	config Config
}

// NewRedisLimiter はRedisLimiterを生成する。prefixはキーの名前空間で、末尾の":"は不要。
func NewRedisLimiter(client redis.Cmdable, prefix string, config Config) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &RedisLimiter{client: client, prefix: strings.TrimSuffix(prefix, ":"), config: config}, nil
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + ":" + key
}

// Allow は上限未満であれば1回分の利用を記録して許可する。
// 判定と加算はスクリプト内で一括して行うため、並行する呼び出しでも上限を超えて許可しない。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, err := allowScript.Run(ctx, l.client,
		[]string{l.key(key)},
		l.config.Limit, l.config.Window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update counter: %w", err)
	}
	return allowed == 1, nil
}

// RetryAfter は次に許可されるまでの待ち時間を返す。
func (l *RedisLimiter) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	k := l.key(key)
	count, err := l.client.Get(ctx, k).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	if count < int64(l.config.Limit) {
		return 0, nil
	}

	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read counter expiry: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

var _ Limiter = (*RedisLimiter)(nil)

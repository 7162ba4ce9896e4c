package xredis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有者才能续期/释放
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLockMaster 单主选举：同一时刻只有一个实例持有 key
type RedisLockMaster struct {
	rdb redis.Cmdable
	key string
	id  string // 节点唯一ID，hostname + uuid
}

func NewRedisLockMaster(rdb redis.Cmdable, key string) *RedisLockMaster {
	host, _ := os.Hostname()
	return &RedisLockMaster{
		rdb: rdb,
		key: key,
		id:  fmt.Sprintf("%s-%s", host, uuid.NewString()),
	}
}

func (r *RedisLockMaster) ID() string { return r.id }

// TryAcquireMaster 抢锁；已经是自己的锁则续期
func (r *RedisLockMaster) TryAcquireMaster(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key, r.id, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return r.Renew(ctx, ttl)
}

func (r *RedisLockMaster) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.rdb, []string{r.key}, r.id, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisLockMaster) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, r.rdb, []string{r.key}, r.id).Result()
	return err
}

// WaitMaster 阻塞直到抢到锁或 ctx 结束
func (r *RedisLockMaster) WaitMaster(ctx context.Context, ttl, retry time.Duration) error {
	t := time.NewTicker(retry)
	defer t.Stop()
	for {
		ok, err := r.TryAcquireMaster(ctx, ttl)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// KeepMaster 按 ttl/3 续期，续期失败或锁被抢走时调用 onLost 并返回
func (r *RedisLockMaster) KeepMaster(ctx context.Context, ttl time.Duration, onLost func(error)) {
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := r.Renew(ctx, ttl)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil || !ok {
			if err == nil {
				err = errors.New("master lock lost")
			}
			onLost(err)
			return
		}
	}
}

// ClaimOnce 幂等键：第一次返回 true，ttl 内重复返回 false
func ClaimOnce(ctx context.Context, rdb redis.Cmdable, key string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
}

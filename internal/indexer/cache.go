package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"tokenex.com/pkg/metrics"
)

type Cache interface {
	GetTrades(ctx context.Context, key string) ([]TradeRow, bool, error)
	SetTrades(ctx context.Context, key string, rows []TradeRow, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type redisCache struct {
	client redis.Cmdable
}

func NewRedisCache(c redis.Cmdable) Cache {
	return &redisCache{client: c}
}

func (r *redisCache) GetTrades(ctx context.Context, key string) ([]TradeRow, bool, error) {
	start := time.Now()
	b, err := r.client.Get(ctx, key).Bytes()
	observeRedis("get", start, err)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rows []TradeRow
	if err := json.Unmarshal(b, &rows); err != nil {
		// 缓存脏了就删掉，避免持续命中错误
		_ = r.client.Del(ctx, key).Err()
		return nil, false, err
	}
	return rows, true, nil
}

func (r *redisCache) SetTrades(ctx context.Context, key string, rows []TradeRow, ttl time.Duration) error {
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	start := time.Now()
	// 加随机时间，避免同一时刻集中过期
	err = r.client.Set(ctx, key, b, withJitter(ttl, ttl/10)).Err()
	observeRedis("set", start, err)
	return err
}

func (r *redisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := r.client.Del(ctx, keys...).Err()
	observeRedis("del", start, err)
	return err
}

func observeRedis(cmd string, start time.Time, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}
	metrics.RedisCmdDuration.WithLabelValues(cmd, status).Observe(time.Since(start).Seconds())
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	// [0, jitter)
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}

// pairKey 交易对无方向，地址小的在前
func pairKey(a, b common.Address) string {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return fmt.Sprintf("tokenex:trades:%s:%s", a.Hex(), b.Hex())
}

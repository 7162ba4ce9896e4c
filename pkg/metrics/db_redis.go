package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_pool_open",
		Help:      "Current open DB connections",
	})
	DbPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
	DbPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
	DbPoolWaitCount    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "db_pool_wait_seconds"})

	RedisPoolTotal    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_total"})
	RedisPoolIdle     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_idle"})
	RedisPoolStale    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_stale"})
	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "redis_pool_timeouts_total"})

	DbQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_seconds",
		Help:      "DB query latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	}, []string{"query", "status"})

	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "redis_cmd_duration_seconds",
		Help:      "Redis command latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"cmd", "status"})
)

// ObserveDB 周期采集连接池指标，ctx 结束退出
func ObserveDB(ctx context.Context, db *sql.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	var lastWaitCount int64
	var lastWaitDuration time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := db.Stats()
		DbPoolOpen.Set(float64(st.OpenConnections))
		DbPoolIdle.Set(float64(st.Idle))
		DbPoolInuse.Set(float64(st.InUse))
		if d := st.WaitCount - lastWaitCount; d > 0 {
			DbPoolWaitCount.Add(float64(d))
			lastWaitCount = st.WaitCount
		}
		if d := st.WaitDuration - lastWaitDuration; d > 0 {
			DbPoolWaitDuration.Add(d.Seconds())
			lastWaitDuration = st.WaitDuration
		}
	}
}

func ObserveRedis(ctx context.Context, rdb *redis.Client, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	var lastTimeouts uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := rdb.PoolStats()
		RedisPoolTotal.Set(float64(st.TotalConns))
		RedisPoolIdle.Set(float64(st.IdleConns))
		RedisPoolStale.Set(float64(st.StaleConns))
		if st.Timeouts > lastTimeouts {
			RedisPoolTimeouts.Add(float64(st.Timeouts - lastTimeouts))
			lastTimeouts = st.Timeouts
		}
	}
}

// Since 记一次耗时
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

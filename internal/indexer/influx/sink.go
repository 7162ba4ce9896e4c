package influx

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"tokenex.com/internal/engine"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/safe"
)

type Config struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	UseGzip       bool          `mapstructure:"use_gzip"`
	BarInterval   time.Duration `mapstructure:"bar_interval"`
}

func (c Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		c.URL, c.Org, c.Bucket, c.BatchSize, c.FlushInterval, c.UseGzip)
}

// pointWriter api.WriteAPI 里用到的部分
type pointWriter interface {
	WritePoint(p *write.Point)
}

// Sink 每笔成交写一个 trade 点，按周期聚合的 kline 关闭时写一个 kline 点
type Sink struct {
	client influxdb2.Client
	w      pointWriter
	metas  MetaFunc

	mu  sync.Mutex
	agg *Agg
}

func New(cfg Config, metas MetaFunc) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	// 异步写的错误必须消费掉
	safe.Go(func() {
		for err := range w.Errors() {
			metrics.SinkErrors.WithLabelValues("influx").Inc()
			logger.Warn(context.Background(), "influx write error", zap.Error(err))
		}
	})
	logger.Info(context.Background(), "influx sink ready", zap.String("cfg", cfg.String()))

	s := newSink(w, metas, cfg.BarInterval)
	s.client = c
	return s
}

func newSink(w pointWriter, metas MetaFunc, barInterval time.Duration) *Sink {
	s := &Sink{w: w, metas: metas}
	s.agg = NewAgg(barInterval, s.writeBar)
	return s
}

func (s *Sink) Name() string { return "influx" }

func (s *Sink) Consume(_ context.Context, env engine.Envelope) error {
	t, ok := TradeOf(env.Seq, env.Event, s.metas)
	if !ok {
		return nil
	}
	s.w.WritePoint(tradePoint(t))

	s.mu.Lock()
	s.agg.Offer(t)
	s.mu.Unlock()
	return nil
}

// Close 先把没关闭的 bar 写出去，client.Close 会 flush buffer
func (s *Sink) Close() {
	s.mu.Lock()
	s.agg.Flush()
	s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Sink) writeBar(b Bar) {
	s.w.WritePoint(barPoint(b))
}

func tradePoint(t Trade) *write.Point {
	return write.NewPoint("trade",
		map[string]string{"pair": t.Pair},
		map[string]interface{}{
			"amountBase":  t.Base.InexactFloat64(),
			"amountQuote": t.Quote.InexactFloat64(),
			"price":       t.Price.InexactFloat64(),
			"seq":         int64(t.Seq),
		},
		time.Unix(t.Ts, 0),
	)
}

func barPoint(b Bar) *write.Point {
	return write.NewPoint("kline",
		map[string]string{"pair": b.Pair, "interval": b.Interval.String()},
		map[string]interface{}{
			"o": b.Open.InexactFloat64(),
			"h": b.High.InexactFloat64(),
			"l": b.Low.InexactFloat64(),
			"c": b.Close.InexactFloat64(),
			"v": b.Volume.InexactFloat64(),
			"n": b.Count,
		},
		time.Unix(b.Start, 0),
	)
}

var _ engine.Sink = (*Sink)(nil)

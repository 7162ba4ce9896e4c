package engine

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/safe"
)

// ChanBus 进程内事件总线，publisher 写，Dispatcher 读
type ChanBus struct {
	ch      chan Envelope
	dropped atomic.Uint64
}

func NewChanBus(size int) *ChanBus {
	if size <= 0 {
		size = 1 << 16
	}
	return &ChanBus{ch: make(chan Envelope, size)}
}

func (b *ChanBus) TryPublish(env Envelope) bool {
	select {
	case b.ch <- env:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *ChanBus) C() <-chan Envelope { return b.ch }
func (b *ChanBus) Dropped() uint64    { return b.dropped.Load() }

// Publish 阻塞发布，publisher 不在 actor 线程里，允许等
func (b *ChanBus) Publish(ctx context.Context, env Envelope) error {
	select {
	case b.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sink 事件下游：broker、ws、SQL 投影、时序库
type Sink interface {
	Name() string
	Consume(ctx context.Context, env Envelope) error
}

// SinkFunc 方便测试和简单下游
type SinkFunc struct {
	N  string
	Fn func(ctx context.Context, env Envelope) error
}

func (s SinkFunc) Name() string                                    { return s.N }
func (s SinkFunc) Consume(ctx context.Context, env Envelope) error { return s.Fn(ctx, env) }

// Dispatcher 把总线上的每条事件依次交给所有 sink；sink 出错只记日志
type Dispatcher struct {
	src   <-chan Envelope
	sinks []Sink
}

func NewDispatcher(src <-chan Envelope, sinks ...Sink) *Dispatcher {
	return &Dispatcher{src: src, sinks: sinks}
}

func (d *Dispatcher) Add(s Sink) { d.sinks = append(d.sinks, s) }

func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.src:
			d.dispatch(ctx, env)
		}
	}
}

// Drain 把总线里已有的事件投递完就返回，Run 退出之后调用
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case env := <-d.src:
			d.dispatch(ctx, env)
			n++
		default:
			return n
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) {
	for _, s := range d.sinks {
		d.deliver(ctx, s, env)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, env Envelope) {
	defer safe.Recover(ctx, "sink:"+s.Name())
	if err := s.Consume(ctx, env); err != nil {
		metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
		logger.Warn(ctx, "sink consume failed",
			zap.String("sink", s.Name()),
			zap.Uint64("seq", env.Seq),
			zap.String("event", env.Event.Type.String()),
			zap.Error(err),
		)
	}
}

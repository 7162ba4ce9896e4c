package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/wal"
)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
}

// Publisher tail journal，按命令边界发布已提交事件并推进 cursor。
// 至少一次：重启或发布失败会从命令起点重发。
type Publisher struct {
	bus        Bus
	path       string
	cursorPath string
	notify     <-chan struct{}
	poll       time.Duration
	codec      RecordCodec
}

func NewPublisher(bus Bus, path, cursorPath string, notify <-chan struct{}, poll time.Duration, codec RecordCodec) *Publisher {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Publisher{
		bus:        bus,
		path:       path,
		cursorPath: cursorPath,
		notify:     notify,
		poll:       poll,
		codec:      codec,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	start := loadCursor(p.cursorPath)
	// 恢复时 journal 可能被截短
	if st, err := os.Stat(p.path); err == nil && start > st.Size() {
		logger.Warn(ctx, "publisher cursor beyond journal, rewinding",
			zap.Int64("cursor", start), zap.Int64("size", st.Size()))
		start = st.Size()
		if err := storeCursor(p.cursorPath, start); err != nil {
			logger.Error(ctx, "publisher store cursor failed", zap.Error(err))
			return
		}
	}

	var (
		r       *wal.Reader
		pending []Envelope
		err     error
	)
	defer func() {
		if r != nil {
			_ = r.Close()
		}
	}()
	reopen := func() {
		if r != nil {
			_ = r.Close()
			r = nil
		}
		p.wait(ctx)
	}

	for ctx.Err() == nil {
		if r == nil {
			r, err = wal.OpenReader(p.path, start, wal.ReaderOptions{AllowTruncatedTail: true})
			if err != nil {
				r = nil
				if !os.IsNotExist(err) {
					logger.Warn(ctx, "publisher open journal failed", zap.Error(err))
				}
				p.wait(ctx)
				continue
			}
			pending = pending[:0]
		}

		payload, next, err := r.Next()
		if err != nil {
			// 读到尾巴（包括写了一半的记录）就从命令起点重新打开
			if !errors.Is(err, io.EOF) {
				logger.Warn(ctx, "publisher read journal failed", zap.Error(err), zap.Int64("offset", start))
			}
			reopen()
			continue
		}
		rec, err := p.codec.Decode(payload)
		if err != nil {
			logger.Error(ctx, "publisher decode record failed", zap.Error(err), zap.Int64("offset", start))
			reopen()
			continue
		}

		switch rec.Kind {
		case RecEvent:
			if rec.Event != nil {
				pending = append(pending, Envelope{Seq: rec.Seq, ReqID: rec.ReqID, Event: *rec.Event})
			}
		case RecWithdrawIntent:
			// 意图不对外
		case RecCmdEnd:
			if err := p.publish(ctx, pending); err != nil {
				if ctx.Err() == nil {
					logger.Warn(ctx, "publish failed, retry from command start", zap.Error(err), zap.Uint64("seq", rec.Seq))
				}
				reopen()
				continue
			}
			metrics.PublisherSeq.Set(float64(rec.Seq))
			pending = pending[:0]
			start = next
			if err := storeCursor(p.cursorPath, start); err != nil {
				logger.Warn(ctx, "publisher store cursor failed", zap.Error(err))
			}
		case RecCmdAbort:
			pending = pending[:0]
			start = next
			if err := storeCursor(p.cursorPath, start); err != nil {
				logger.Warn(ctx, "publisher store cursor failed", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, envs []Envelope) error {
	for _, env := range envs {
		if err := p.bus.Publish(ctx, env); err != nil {
			return err
		}
		metrics.PublishedEvents.WithLabelValues(env.Event.Type.String()).Inc()
	}
	return nil
}

func (p *Publisher) wait(ctx context.Context) {
	t := time.NewTimer(p.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.notify:
	case <-t.C:
	}
}

package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/safe"
)

type Config struct {
	Dir           string        // journal 和 cursor 所在目录
	BufSize       int           // journal 写缓冲
	Actor         ActorConfig   // actor 配置
	BusSize       int           // 进程内事件总线长度
	PublisherPoll time.Duration // publisher 轮询间隔
	Publish       bool          // 是否启动 publisher
	Codec         RecordCodec
}

// Engine 单 actor 串行执行所有变更，查询直接读 core
type Engine struct {
	cfg   Config
	core  *exchange.Exchange
	actor *actor
	bus   *ChanBus
	pub   *Publisher
	stats RecoverStats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// Open 恢复状态并打开 journal，Start 之前不接受命令
func Open(cfg Config, core *exchange.Exchange, snaps SnapshotStore) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("engine: journal dir is empty")
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	path := journalPath(cfg.Dir)

	stats, err := recoverCore(path, cfg.Codec, core, snaps)
	if err != nil {
		return nil, fmt.Errorf("engine: recover: %w", err)
	}
	j, err := OpenJournal(path, cfg.BufSize, cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger.Info(context.Background(), "engine recovered",
		zap.Uint64("snapshot_seq", stats.SnapshotSeq),
		zap.Uint64("last_seq", stats.LastSeq),
		zap.Int("groups", stats.Groups),
		zap.Int("aborted", stats.Aborted),
		zap.Int("discarded", stats.Discarded),
		zap.Bool("resolved_intent", stats.ResolvedIntent),
		zap.Bool("truncated_tail", stats.TruncatedTail),
	)

	ctx, cancel := context.WithCancel(context.Background())
	pubNotify := make(chan struct{}, 1)
	e := &Engine{
		cfg:    cfg,
		core:   core,
		actor:  newActor(core, cfg.Actor, j, snaps, pubNotify, stats.LastSeq),
		bus:    NewChanBus(cfg.BusSize),
		stats:  stats,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Publish {
		e.pub = NewPublisher(e.bus, path, cursorPath(cfg.Dir), pubNotify, cfg.PublisherPoll, cfg.Codec)
	}
	return e, nil
}

func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	safe.Go(func() {
		defer e.wg.Done()
		e.actor.run(e.ctx)
	})
	if e.pub != nil {
		e.wg.Add(1)
		safe.Go(func() {
			defer e.wg.Done()
			e.pub.Run(e.ctx)
		})
	}
}

// Submit 入队不阻塞，mailbox 满了返回 ErrEngineBusy；之后等命令落盘再返回。
// ctx 在命令开始执行后取消不会撤销命令。
func (e *Engine) Submit(ctx context.Context, cmd Command) (Result, error) {
	req := request{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}
	if err := e.actor.tryEnqueue(req); err != nil {
		return Result{}, err
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-e.actor.done:
		select {
		case r := <-req.reply:
			return r.res, r.err
		default:
			return Result{}, ErrStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) Core() *exchange.Exchange { return e.core }
func (e *Engine) Events() <-chan Envelope  { return e.bus.C() }
func (e *Engine) Recovered() RecoverStats  { return e.stats }
func (e *Engine) LastSeq() uint64          { return e.actor.lastSeq.Load() }
func (e *Engine) MailboxFull() uint64      { return e.actor.mailboxFull.Load() }
func (e *Engine) Done() <-chan struct{}    { return e.actor.done }
func (e *Engine) JournalPath() string      { return journalPath(e.cfg.Dir) }

// Stop 停 actor 和 publisher，等它们退出。没 Start 过的直接关 journal。
func (e *Engine) Stop() {
	e.cancel()
	if e.started.CompareAndSwap(false, true) {
		if err := e.actor.journal.Close(); err != nil {
			logger.Error(context.Background(), "journal close failed", zap.Error(err))
		}
		close(e.actor.done)
		return
	}
	e.wg.Wait()
}

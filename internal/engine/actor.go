package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
)

type ActorConfig struct {
	MailboxSize   int    // mailbox 长度，满了直接 EngineBusy
	BatchMax      int    // 一次最多处理多少条
	SnapshotEvery uint64 // 每提交多少条命令写一次快照，0 不写
}

type request struct {
	ctx   context.Context
	cmd   Command
	reply chan reply
}

type reply struct {
	res Result
	err error
}

type actor struct {
	core      *exchange.Exchange
	in        chan request
	cfg       ActorConfig
	journal   *Journal
	snaps     SnapshotStore
	pubNotify chan struct{} // buffered=1，flush 之后踢一下 publisher
	done      chan struct{}

	seq       uint64 // 只在 actor 协程里写
	lastSeq   atomic.Uint64
	sinceSnap uint64
	failed    error

	mailboxFull atomic.Uint64
}

func newActor(core *exchange.Exchange, cfg ActorConfig, j *Journal, snaps SnapshotStore, pubNotify chan struct{}, seq uint64) *actor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 4096
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 256
	}
	if pubNotify == nil {
		pubNotify = make(chan struct{}, 1)
	}
	a := &actor{
		core:      core,
		in:        make(chan request, cfg.MailboxSize),
		cfg:       cfg,
		journal:   j,
		snaps:     snaps,
		pubNotify: pubNotify,
		done:      make(chan struct{}),
		seq:       seq,
	}
	a.lastSeq.Store(seq)
	return a
}

func (a *actor) tryEnqueue(req request) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case a.in <- req:
		metrics.EngineMailboxDepth.Set(float64(len(a.in)))
		return nil
	default:
		a.mailboxFull.Add(1)
		return ErrEngineBusy
	}
}

func (a *actor) run(ctx context.Context) {
	defer close(a.done)
	defer func() {
		if err := a.journal.Close(); err != nil {
			logger.Error(ctx, "journal close failed", zap.Error(err))
		}
	}()

	batch := make([]request, 0, a.cfg.BatchMax)
	replies := make([]reply, 0, a.cfg.BatchMax)
	for {
		var first request
		// 先阻塞拿 1 条，再尽量多拿几条
		select {
		case <-ctx.Done():
			a.drain(ErrStopped)
			return
		case first = <-a.in:
		}
		batch = batch[:0]
		batch = append(batch, first)
	fill:
		for len(batch) < a.cfg.BatchMax {
			select {
			case req := <-a.in:
				batch = append(batch, req)
			default:
				break fill
			}
		}
		metrics.EngineMailboxDepth.Set(float64(len(a.in)))
		metrics.EngineBatchSize.Observe(float64(len(batch)))

		replies = replies[:0]
		committed := uint64(0)
		for i := range batch {
			if a.failed != nil {
				replies = append(replies, reply{err: a.failed})
				continue
			}
			r := a.execute(batch[i])
			if r.res.Seq != 0 {
				committed++
			}
			replies = append(replies, r)
		}

		// 组提交：一个 batch 只 fsync 一次
		if a.failed == nil {
			start := time.Now()
			if err := a.journal.Flush(); err != nil {
				a.fail(ctx, fmt.Errorf("flush: %w", err))
			}
			metrics.JournalFlushDuration.Observe(time.Since(start).Seconds())
		}
		if a.failed != nil {
			// 这一批没落盘，全部按失败回
			for i := range replies {
				replies[i] = reply{err: a.failed}
			}
		} else {
			a.lastSeq.Store(a.seq)
			metrics.JournalSeq.Set(float64(a.seq))
			select {
			case a.pubNotify <- struct{}{}:
			default:
			}
		}
		for i := range batch {
			batch[i].reply <- replies[i]
		}

		if a.failed != nil {
			a.drain(a.failed)
			return
		}
		a.sinceSnap += committed
		a.maybeSnapshot(ctx)
	}
}

// execute 只有写了记录的命令才占用 seq
func (a *actor) execute(req request) reply {
	cmd := req.cmd
	if err := req.ctx.Err(); err != nil {
		metrics.EngineCommands.WithLabelValues(cmd.Type.String(), "cancelled").Inc()
		return reply{err: err}
	}
	start := time.Now()
	seq := a.seq + 1
	em := &journalEmitter{j: a.journal, seq: seq, reqID: cmd.ReqID}
	// 外部转账不跟随调用方取消，避免上链结果和账本不一致
	ctx := context.WithoutCancel(req.ctx)

	res, err := apply(ctx, a.core, cmd, em)
	// 推币结果未知的提现 core 已经扣过账，和成功一样提交
	pending := err != nil && em.intent && errors.Is(err, exchange.ErrTransferPending)
	switch {
	case em.err != nil:
		a.fail(ctx, em.err)
		err = a.failed
	case err == nil || pending:
		if e := a.journal.AppendEnd(seq); e != nil {
			a.fail(ctx, e)
			err = a.failed
		} else if cmd.Type == CmdDeposit {
			// 钱已经拉进托管，不等组提交
			if e := a.journal.Flush(); e != nil {
				a.fail(ctx, fmt.Errorf("flush: %w", e))
				err = a.failed
			}
		}
	case em.intent:
		if e := a.journal.AppendAbort(seq); e != nil {
			a.fail(ctx, e)
			err = a.failed
		}
	}
	if em.wrote {
		a.seq = seq
	}
	if a.failed != nil && cmd.Type == CmdDeposit && em.last.Type == exchange.EvDeposit {
		logger.Error(ctx, "deposit pulled but not journaled, reconcile manually",
			zap.String("token", em.last.Token.Hex()),
			zap.String("user", em.last.User.Hex()),
			zap.String("amount", em.last.Amount.String()),
			zap.String("req_id", cmd.ReqID),
		)
		metrics.UnrecordedDeposits.Inc()
	}

	metrics.EngineCommandDuration.WithLabelValues(cmd.Type.String()).Observe(time.Since(start).Seconds())
	switch {
	case pending && a.failed == nil:
		metrics.EngineCommands.WithLabelValues(cmd.Type.String(), "pending").Inc()
		res.Seq = seq
		return reply{res: res, err: err}
	case err != nil:
		metrics.EngineCommands.WithLabelValues(cmd.Type.String(), "rejected").Inc()
		return reply{err: err}
	}
	metrics.EngineCommands.WithLabelValues(cmd.Type.String(), "ok").Inc()
	res.Seq = seq
	return reply{res: res}
}

// apply 把命令分发给 core
func apply(ctx context.Context, core *exchange.Exchange, cmd Command, em *journalEmitter) (Result, error) {
	switch cmd.Type {
	case CmdDeposit:
		ev, err := core.DepositToken(ctx, cmd.Caller, cmd.Token, cmd.Amount, em)
		return Result{Event: ev}, err
	case CmdWithdraw:
		ev, err := core.WithdrawToken(ctx, cmd.Caller, cmd.Token, cmd.Amount, em)
		return Result{Event: ev}, err
	case CmdMakeOrder:
		o, err := core.MakeOrder(cmd.Caller, cmd.TokenGet, cmd.AmountGet, cmd.TokenGive, cmd.AmountGive, em)
		if err != nil {
			return Result{}, err
		}
		return Result{OrderID: o.ID, Event: em.last}, nil
	case CmdCancelOrder:
		o, err := core.CancelOrder(cmd.Caller, cmd.OrderID, em)
		if err != nil {
			return Result{}, err
		}
		return Result{OrderID: o.ID, Event: em.last}, nil
	case CmdFillOrder:
		ev, err := core.FillOrder(cmd.Caller, cmd.OrderID, em)
		return Result{OrderID: cmd.OrderID, Event: ev}, err
	default:
		return Result{}, fmt.Errorf("%w: type %d", ErrBadCommand, cmd.Type)
	}
}

func (a *actor) fail(ctx context.Context, err error) {
	if a.failed != nil {
		return
	}
	a.failed = fmt.Errorf("%w: %w", ErrJournalFailure, err)
	logger.Error(ctx, "journal write failed, engine stopping", zap.Error(err), zap.Uint64("seq", a.seq))
}

// drain 退出前把 mailbox 里剩下的请求都回掉
func (a *actor) drain(err error) {
	for {
		select {
		case req := <-a.in:
			req.reply <- reply{err: err}
		default:
			return
		}
	}
}

func (a *actor) maybeSnapshot(ctx context.Context) {
	if a.snaps == nil || a.cfg.SnapshotEvery == 0 || a.sinceSnap < a.cfg.SnapshotEvery {
		return
	}
	a.sinceSnap = 0
	if err := a.snaps.Save(a.core.Snapshot(), a.seq); err != nil {
		metrics.SnapshotTotal.WithLabelValues("error").Inc()
		logger.Warn(ctx, "snapshot failed", zap.Error(err), zap.Uint64("seq", a.seq))
		return
	}
	metrics.SnapshotTotal.WithLabelValues("ok").Inc()
	logger.Debug(ctx, "snapshot written", zap.Uint64("seq", a.seq))
}

// journalEmitter 把 core 的事件写进 journal；实现 Preparer，提现推币前先写意图并 fsync
type journalEmitter struct {
	j      *Journal
	seq    uint64
	reqID  string
	last   exchange.Event
	wrote  bool
	intent bool
	err    error
}

func (e *journalEmitter) setErr(err error) {
	if e.err == nil && err != nil {
		e.err = err
	}
}

func (e *journalEmitter) Emit(ev exchange.Event) {
	e.last = ev
	if e.err != nil {
		return
	}
	e.wrote = true
	e.setErr(e.j.AppendEvent(e.seq, e.reqID, ev))
}

func (e *journalEmitter) Prepare(ev exchange.Event) error {
	e.wrote = true
	if err := e.j.AppendIntent(e.seq, e.reqID, ev); err != nil {
		e.setErr(err)
		return err
	}
	if err := e.j.Flush(); err != nil {
		e.setErr(err)
		return err
	}
	e.intent = true
	return nil
}

var _ exchange.Preparer = (*journalEmitter)(nil)

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/xerr"
)

func TestSubmit_SeqAndResults(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)

	r1 := submit(t, eng, deposit(tokenA, alice, 1000))
	r2 := submit(t, eng, deposit(tokenB, bob, 1000))
	r3 := submit(t, eng, Command{Type: CmdMakeOrder, Caller: alice,
		TokenGet: tokenB, AmountGet: amt(100), TokenGive: tokenA, AmountGive: amt(50)})
	r4 := submit(t, eng, Command{Type: CmdFillOrder, Caller: bob, OrderID: 1})

	assert.Equal(t, []uint64{1, 2, 3, 4}, []uint64{r1.Seq, r2.Seq, r3.Seq, r4.Seq})
	assert.Equal(t, exchange.EvDeposit, r1.Event.Type)
	assert.Equal(t, uint64(1), r3.OrderID)
	assert.Equal(t, exchange.EvOrder, r3.Event.Type)
	assert.Equal(t, exchange.EvTrade, r4.Event.Type)
	requireAmount(t, 1, r4.Event.Fee)

	core := eng.Core()
	requireAmount(t, 950, core.BalanceOf(tokenA, alice))
	requireAmount(t, 100, core.BalanceOf(tokenB, alice))
	requireAmount(t, 50, core.BalanceOf(tokenA, bob))
	requireAmount(t, 899, core.BalanceOf(tokenB, bob))
	requireAmount(t, 1, core.BalanceOf(tokenB, feeAcct))
	assert.True(t, core.OrderFilled(1))
	assert.Equal(t, uint64(4), eng.LastSeq())
}

func TestSubmit_RejectedCommandKeepsSeq(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)

	submit(t, eng, deposit(tokenA, alice, 10))
	_, err := eng.Submit(context.Background(), Command{Type: CmdMakeOrder, Caller: bob,
		TokenGet: tokenA, AmountGet: amt(1), TokenGive: tokenB, AmountGive: amt(1)})
	require.ErrorIs(t, err, exchange.ErrInsufficientBalance)
	assert.Equal(t, xerr.InsufficientBalance, xerr.CodeOf(err))

	_, err = eng.Submit(context.Background(), Command{Type: CmdCancelOrder, Caller: alice, OrderID: 9})
	require.ErrorIs(t, err, exchange.ErrNotFound)

	_, err = eng.Submit(context.Background(), Command{Type: 99})
	require.ErrorIs(t, err, ErrBadCommand)

	// 失败的命令不写 journal，也不占 seq
	r := submit(t, eng, deposit(tokenA, alice, 10))
	assert.Equal(t, uint64(2), r.Seq)
}

func TestSubmit_EngineBusy(t *testing.T) {
	h := newHarness(t)
	h.actor = ActorConfig{MailboxSize: 1}
	eng := h.open(t)
	t.Cleanup(func() { _ = eng.actor.journal.Close() })

	// actor 没启动，塞满 mailbox
	require.NoError(t, eng.actor.tryEnqueue(request{ctx: context.Background(), reply: make(chan reply, 1)}))

	_, err := eng.Submit(context.Background(), deposit(tokenA, alice, 1))
	require.ErrorIs(t, err, ErrEngineBusy)
	assert.Equal(t, xerr.EngineBusy, xerr.CodeOf(err))
	assert.Equal(t, uint64(1), eng.MailboxFull())
}

func TestSubmit_CancelledBeforeExecution(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Submit(ctx, deposit(tokenA, alice, 5))
	require.ErrorIs(t, err, context.Canceled)

	r := submit(t, eng, deposit(tokenA, alice, 5))
	assert.Equal(t, uint64(1), r.Seq)
	requireAmount(t, 5, eng.Core().BalanceOf(tokenA, alice))
}

func TestSubmit_AfterStop(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)
	eng.Stop()

	_, err := eng.Submit(context.Background(), deposit(tokenA, alice, 1))
	require.ErrorIs(t, err, ErrStopped)
}

func TestWithdraw_PushFailureWritesAbort(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)

	submit(t, eng, deposit(tokenA, alice, 100))
	h.tokens[tokenA].setFailPush(true)
	_, err := eng.Submit(context.Background(), withdraw(tokenA, alice, 40))
	require.ErrorIs(t, err, exchange.ErrTransferFailed)
	requireAmount(t, 100, eng.Core().BalanceOf(tokenA, alice))

	h.tokens[tokenA].setFailPush(false)
	r := submit(t, eng, withdraw(tokenA, alice, 40))
	assert.Equal(t, uint64(3), r.Seq)
	requireAmount(t, 60, eng.Core().BalanceOf(tokenA, alice))
	requireAmount(t, 940, h.tokens[tokenA].balance(alice))

	kinds := make([]RecordKind, 0)
	for _, rec := range readJournal(t, eng.JournalPath()) {
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []RecordKind{
		RecEvent, RecCmdEnd, // seq 1 deposit
		RecWithdrawIntent, RecCmdAbort, // seq 2 推币失败
		RecWithdrawIntent, RecEvent, RecCmdEnd, // seq 3
	}, kinds)

	// 只有已提交的事件会发布
	envs := collect(t, eng.Events(), 2, 2*time.Second)
	assert.Equal(t, uint64(1), envs[0].Seq)
	assert.Equal(t, exchange.EvDeposit, envs[0].Event.Type)
	assert.Equal(t, uint64(3), envs[1].Seq)
	assert.Equal(t, exchange.EvWithdraw, envs[1].Event.Type)
	assertNoEnvelope(t, eng.Events(), 50*time.Millisecond)
}

func TestWithdraw_PendingPushCommits(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)

	submit(t, eng, deposit(tokenA, alice, 100))
	h.tokens[tokenA].setPendingPush(true)
	res, err := eng.Submit(context.Background(), withdraw(tokenA, alice, 100))
	require.ErrorIs(t, err, exchange.ErrTransferPending)
	assert.Equal(t, uint64(2), res.Seq)
	assert.Equal(t, exchange.EvWithdraw, res.Event.Type)
	requireAmount(t, 0, eng.Core().BalanceOf(tokenA, alice))

	// 余额已经扣了，不能再提一次
	h.tokens[tokenA].setPendingPush(false)
	_, err = eng.Submit(context.Background(), withdraw(tokenA, alice, 100))
	require.ErrorIs(t, err, exchange.ErrInsufficientBalance)
	requireAmount(t, 1000, h.tokens[tokenA].balance(alice))

	kinds := make([]RecordKind, 0)
	for _, rec := range readJournal(t, eng.JournalPath()) {
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []RecordKind{
		RecEvent, RecCmdEnd,
		RecWithdrawIntent, RecEvent, RecCmdEnd,
	}, kinds)

	envs := collect(t, eng.Events(), 2, 2*time.Second)
	assert.Equal(t, exchange.EvWithdraw, envs[1].Event.Type)

	eng.Stop()
	eng2 := h.start(t)
	requireAmount(t, 0, eng2.Core().BalanceOf(tokenA, alice))
	assert.Equal(t, uint64(2), eng2.LastSeq())
}

func TestDeposit_FlushedBeforeGroupCommit(t *testing.T) {
	h := newHarness(t)
	eng := h.open(t)
	t.Cleanup(eng.Stop)

	r := eng.actor.execute(request{ctx: context.Background(), cmd: deposit(tokenA, alice, 10)})
	require.NoError(t, r.err)
	r = eng.actor.execute(request{ctx: context.Background(), cmd: Command{Type: CmdMakeOrder, Caller: alice,
		TokenGet: tokenB, AmountGet: amt(1), TokenGive: tokenA, AmountGive: amt(1)}})
	require.NoError(t, r.err)

	// 充值已经落盘，挂单还在缓冲里等组提交
	recs := readJournal(t, eng.JournalPath())
	require.Len(t, recs, 2)
	assert.Equal(t, exchange.EvDeposit, recs[0].Event.Type)
	assert.Equal(t, RecCmdEnd, recs[1].Kind)
}

func TestDeposit_JournalFailureAfterPull(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)
	submit(t, eng, deposit(tokenA, alice, 1))

	h.tokens[tokenA].afterPull = func() { _ = eng.actor.journal.Close() }
	_, err := eng.Submit(context.Background(), deposit(tokenA, alice, 100))
	require.ErrorIs(t, err, ErrJournalFailure)
	// 链上已经转了
	requireAmount(t, 101, h.tokens[tokenA].balance(custody))

	select {
	case <-eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine still running after journal failure")
	}
	_, err = eng.Submit(context.Background(), deposit(tokenA, alice, 1))
	assert.Error(t, err)
}

func TestStopWithoutStartClosesJournal(t *testing.T) {
	h := newHarness(t)
	eng := h.open(t)
	eng.Stop()
	require.ErrorIs(t, eng.actor.journal.AppendEnd(1), wal.ErrClosed)

	_, err := eng.Submit(context.Background(), deposit(tokenA, alice, 1))
	require.ErrorIs(t, err, ErrStopped)
	eng.Start()
	eng.Stop()
}

func TestJournalFailureStopsEngine(t *testing.T) {
	h := newHarness(t)
	eng := h.open(t)
	require.NoError(t, eng.actor.journal.Close())
	eng.Start()
	t.Cleanup(eng.Stop)

	_, err := eng.Submit(context.Background(), deposit(tokenA, alice, 1))
	require.ErrorIs(t, err, ErrJournalFailure)
	assert.Equal(t, xerr.ServiceUnavailable, xerr.CodeOf(err))

	select {
	case <-eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine still running after journal failure")
	}
	_, err = eng.Submit(context.Background(), deposit(tokenA, alice, 1))
	assert.True(t, errors.Is(err, ErrStopped) || errors.Is(err, ErrJournalFailure), "got %v", err)
}

func TestConcurrentSubmitsAreSerialized(t *testing.T) {
	h := newHarness(t)
	h.tokens[tokenA].fund(alice, 10000)
	eng := h.start(t)

	const n = 50
	errs := make(chan error, n)
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		go func() {
			r, err := eng.Submit(context.Background(), deposit(tokenA, alice, 3))
			errs <- err
			seqs <- r.Seq
		}()
	}
	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		seen[<-seqs] = true
	}
	assert.Len(t, seen, n)
	for s := uint64(1); s <= n; s++ {
		assert.True(t, seen[s], "missing seq %d", s)
	}
	requireAmount(t, 3*n, eng.Core().BalanceOf(tokenA, alice))
}

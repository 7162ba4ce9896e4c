package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/wal"
)

var (
	tokenA    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	custody   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	feeAcct   = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	errWallet = errors.New("wallet refused")
)

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// walletToken 模拟链上钱包，跨引擎重启共享
type walletToken struct {
	mu       sync.Mutex
	wallets  map[common.Address]decimal.Decimal
	failPush bool
	// 币已经转出但回执没等到
	pendingPush bool
	afterPull   func()
}

func newWalletToken() *walletToken {
	return &walletToken{wallets: map[common.Address]decimal.Decimal{}}
}

func (t *walletToken) fund(who common.Address, v int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wallets[who] = t.wallets[who].Add(amt(v))
}

func (t *walletToken) balance(who common.Address) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wallets[who]
}

func (t *walletToken) setFailPush(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failPush = v
}

func (t *walletToken) setPendingPush(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingPush = v
}

func (t *walletToken) PullFrom(_ context.Context, owner, to common.Address, amount decimal.Decimal) error {
	t.mu.Lock()
	if t.wallets[owner].LessThan(amount) {
		t.mu.Unlock()
		return errWallet
	}
	t.wallets[owner] = t.wallets[owner].Sub(amount)
	t.wallets[to] = t.wallets[to].Add(amount)
	hook := t.afterPull
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (t *walletToken) PushTo(_ context.Context, recipient common.Address, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failPush || t.wallets[custody].LessThan(amount) {
		return errWallet
	}
	t.wallets[custody] = t.wallets[custody].Sub(amount)
	t.wallets[recipient] = t.wallets[recipient].Add(amount)
	if t.pendingPush {
		return fmt.Errorf("receipt timeout: %w", exchange.ErrTransferPending)
	}
	return nil
}

type resolver map[common.Address]*walletToken

func (r resolver) Lookup(addr common.Address) (exchange.Token, bool) {
	t, ok := r[addr]
	return t, ok
}

// memSnapshots 内存快照，记录每次保存的 seq
type memSnapshots struct {
	mu    sync.Mutex
	st    exchange.State
	seq   uint64
	ok    bool
	saves []uint64
}

func (m *memSnapshots) Load() (exchange.State, uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, m.seq, m.ok, nil
}

func (m *memSnapshots) Save(st exchange.State, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st, m.seq, m.ok = st, seq, true
	m.saves = append(m.saves, seq)
	return nil
}

func (m *memSnapshots) savedSeqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.saves...)
}

type harness struct {
	dir    string
	tokens resolver
	snaps  SnapshotStore
	actor  ActorConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, b := newWalletToken(), newWalletToken()
	a.fund(alice, 1000)
	b.fund(bob, 1000)
	return &harness{dir: t.TempDir(), tokens: resolver{tokenA: a, tokenB: b}}
}

func (h *harness) newCore(t *testing.T) *exchange.Exchange {
	t.Helper()
	fee, err := exchange.NewFeePolicy(feeAcct, 1)
	require.NoError(t, err)
	ts := int64(1700000000)
	return exchange.New(fee, custody, h.tokens, exchange.WithClock(func() int64 {
		ts++
		return ts
	}))
}

// open 只打开不启动
func (h *harness) open(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(Config{
		Dir:           h.dir,
		BufSize:       1 << 12,
		Actor:         h.actor,
		Publish:       true,
		PublisherPoll: 5 * time.Millisecond,
	}, h.newCore(t), h.snaps)
	require.NoError(t, err)
	return eng
}

func (h *harness) start(t *testing.T) *Engine {
	t.Helper()
	eng := h.open(t)
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng
}

func submit(t *testing.T, eng *Engine, cmd Command) Result {
	t.Helper()
	res, err := eng.Submit(context.Background(), cmd)
	require.NoError(t, err)
	return res
}

func deposit(token, who common.Address, v int64) Command {
	return Command{Type: CmdDeposit, Caller: who, Token: token, Amount: amt(v)}
}

func withdraw(token, who common.Address, v int64) Command {
	return Command{Type: CmdWithdraw, Caller: who, Token: token, Amount: amt(v)}
}

// seedTrade 两笔充值 + 挂单 + 吃单，seq 1..4
func seedTrade(t *testing.T, eng *Engine) {
	t.Helper()
	submit(t, eng, deposit(tokenA, alice, 1000))
	submit(t, eng, deposit(tokenB, bob, 1000))
	submit(t, eng, Command{Type: CmdMakeOrder, Caller: alice,
		TokenGet: tokenB, AmountGet: amt(100), TokenGive: tokenA, AmountGive: amt(50)})
	submit(t, eng, Command{Type: CmdFillOrder, Caller: bob, OrderID: 1})
}

func collect(t *testing.T, ch <-chan Envelope, n int, timeout time.Duration) []Envelope {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	out := make([]Envelope, 0, n)
	for len(out) < n {
		select {
		case env := <-ch:
			out = append(out, env)
		case <-deadline.C:
			t.Fatalf("timeout waiting events, got %d want %d", len(out), n)
		}
	}
	return out
}

func assertNoEnvelope(t *testing.T, ch <-chan Envelope, d time.Duration) {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case env := <-ch:
		t.Fatalf("expected no event, got %s seq=%d", env.Event.Type, env.Seq)
	case <-timer.C:
	}
}

func requireAmount(t *testing.T, want int64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, amt(want).Equal(got), "want %d got %s %v", want, got.String(), msgAndArgs)
}

// readJournal 按顺序读出所有记录
func readJournal(t *testing.T, path string) []Record {
	t.Helper()
	var out []Record
	_, err := wal.Replay(path, wal.ReplayOptions{}, func(payload []byte, _ int64) error {
		rec, err := JSONCodec{}.Decode(payload)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	require.NoError(t, err)
	return out
}

// stateKey 状态的可比较形式，decimal 内部表示不参与比较
func stateKey(st exchange.State) []string {
	out := make([]string, 0, len(st.Balances)+len(st.Orders)+1)
	for _, b := range st.Balances {
		out = append(out, fmt.Sprintf("bal %s %s %s", b.Token.Hex(), b.Account.Hex(), b.Amount.String()))
	}
	for _, o := range st.Orders {
		out = append(out, fmt.Sprintf("order %d %s %s %s %s %s %d %v %v", o.ID, o.Creator.Hex(),
			o.TokenGet.Hex(), o.AmountGet.String(), o.TokenGive.Hex(), o.AmountGive.String(),
			o.Timestamp, o.Cancelled, o.Filled))
	}
	return append(out, fmt.Sprintf("count %d", st.OrderCount))
}

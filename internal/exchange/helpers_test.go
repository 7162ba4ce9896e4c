package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	tokenA    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	custody   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	feeAcct   = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
	errWallet = errors.New("wallet refused")
)

// ether 1e18 base units
func ether(s string) decimal.Decimal {
	return decimal.RequireFromString(s).Shift(18)
}

// fakeToken 钱包余额，pull/push 可以单独注入失败
type fakeToken struct {
	wallets  map[common.Address]decimal.Decimal
	failPull bool
	failPush bool
	pushes   int
	pullErr  error // 非空时原样返回，钱包不动
	pushErr  error
}

func newFakeToken() *fakeToken {
	return &fakeToken{wallets: map[common.Address]decimal.Decimal{}}
}

func (t *fakeToken) PullFrom(_ context.Context, owner, to common.Address, amount decimal.Decimal) error {
	if t.pullErr != nil {
		return t.pullErr
	}
	if t.failPull || t.wallets[owner].LessThan(amount) {
		return errWallet
	}
	t.wallets[owner] = t.wallets[owner].Sub(amount)
	t.wallets[to] = t.wallets[to].Add(amount)
	return nil
}

func (t *fakeToken) PushTo(_ context.Context, recipient common.Address, amount decimal.Decimal) error {
	t.pushes++
	if t.pushErr != nil {
		return t.pushErr
	}
	if t.failPush || t.wallets[custody].LessThan(amount) {
		return errWallet
	}
	t.wallets[custody] = t.wallets[custody].Sub(amount)
	t.wallets[recipient] = t.wallets[recipient].Add(amount)
	return nil
}

type fakeResolver map[common.Address]*fakeToken

func (r fakeResolver) Lookup(addr common.Address) (Token, bool) {
	t, ok := r[addr]
	return t, ok
}

type recorder struct{ events []Event }

func (r *recorder) Emit(ev Event) { r.events = append(r.events, ev) }

type fixture struct {
	x    *Exchange
	a, b *fakeToken
	rec  *recorder
	now  int64
}

func newFixture(t *testing.T, feePercent int64) *fixture {
	t.Helper()
	fee, err := NewFeePolicy(feeAcct, feePercent)
	require.NoError(t, err)
	f := &fixture{a: newFakeToken(), b: newFakeToken(), rec: &recorder{}, now: 1700000000}
	f.x = New(fee, custody, fakeResolver{tokenA: f.a, tokenB: f.b}, WithClock(func() int64 {
		f.now++
		return f.now
	}))
	return f
}

func (f *fixture) fund(tok *fakeToken, who common.Address, amount decimal.Decimal) {
	tok.wallets[who] = tok.wallets[who].Add(amount)
}

func (f *fixture) deposit(t *testing.T, token common.Address, who common.Address, amount decimal.Decimal) {
	t.Helper()
	_, err := f.x.DepositToken(context.Background(), who, token, amount, f.rec)
	require.NoError(t, err)
}

func requireAmount(t *testing.T, want, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, want.Equal(got), "want %s got %s %v", want.String(), got.String(), msgAndArgs)
}

package token

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tokenex.com/internal/exchange"
)

var (
	custody  = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	deployer = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	user1    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	addrDapp = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func ether(s string) decimal.Decimal { return decimal.RequireFromString(s).Shift(18) }

func dapp() *Memory {
	meta := Meta{Address: addrDapp, Name: "Dapp University", Symbol: "DAPP", Decimals: 18, Driver: "memory"}
	return NewMemory(meta, custody, deployer, ether("1000000"))
}

func TestMemory_Metadata(t *testing.T) {
	tok := dapp()
	assert.Equal(t, "DAPP", tok.Meta().Symbol)
	assert.Equal(t, int32(18), tok.Meta().Decimals)
	assert.True(t, ether("1000000").Equal(tok.TotalSupply()))
	bal, err := tok.BalanceOf(context.Background(), deployer)
	require.NoError(t, err)
	assert.True(t, ether("1000000").Equal(bal))
}

func TestMemory_Transfer(t *testing.T) {
	tok := dapp()
	require.NoError(t, tok.Transfer(deployer, user1, ether("100")))
	bal, _ := tok.BalanceOf(context.Background(), user1)
	assert.True(t, ether("100").Equal(bal))

	assert.ErrorIs(t, tok.Transfer(user1, deployer, ether("101")), ErrInsufficientFunds)
	assert.ErrorIs(t, tok.Transfer(user1, common.Address{}, ether("1")), ErrInvalidRecipient)
}

func TestMemory_ApproveAndPull(t *testing.T) {
	tok := dapp()
	require.NoError(t, tok.Transfer(deployer, user1, ether("10")))
	ctx := context.Background()

	// 没授权拉不动
	assert.ErrorIs(t, tok.PullFrom(ctx, user1, custody, ether("1")), ErrInsufficientAllowance)

	require.NoError(t, tok.Approve(user1, custody, ether("5")))
	assert.True(t, ether("5").Equal(tok.Allowance(user1, custody)))
	require.NoError(t, tok.PullFrom(ctx, user1, custody, ether("3")))
	assert.True(t, ether("2").Equal(tok.Allowance(user1, custody)))

	bal, _ := tok.BalanceOf(ctx, custody)
	assert.True(t, ether("3").Equal(bal))

	require.NoError(t, tok.PushTo(ctx, user1, ether("3")))
	bal, _ = tok.BalanceOf(ctx, user1)
	assert.True(t, ether("10").Equal(bal))
	assert.ErrorIs(t, tok.PushTo(ctx, user1, ether("1")), ErrInsufficientFunds)
}

func TestMemory_Mint(t *testing.T) {
	tok := dapp()
	require.NoError(t, tok.Mint(user1, ether("1")))
	assert.True(t, ether("1000001").Equal(tok.TotalSupply()))
	assert.ErrorIs(t, tok.Mint(user1, decimal.NewFromInt(-1)), ErrNegativeValue)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	tok := dapp()
	require.NoError(t, r.Register(tok.Meta(), tok))
	assert.Error(t, r.Register(tok.Meta(), tok), "重复注册")

	got, ok := r.Lookup(addrDapp)
	require.True(t, ok)
	var _ exchange.Token = got

	m, err := r.Resolve("dapp")
	require.NoError(t, err)
	assert.Equal(t, addrDapp, m.Address)
	m, err = r.Resolve(addrDapp.Hex())
	require.NoError(t, err)
	assert.Equal(t, "DAPP", m.Symbol)

	_, err = r.Resolve("mETH")
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, ok = r.Lookup(user1)
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)
}

func TestMetaConversion(t *testing.T) {
	m := Meta{Address: addrDapp, Symbol: "USDC", Decimals: 6}
	base, err := m.ToBase(decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "1500000", base.String())
	assert.Equal(t, "1.5", m.FromBase(base).String())

	_, err = m.ToBase(decimal.RequireFromString("0.0000001"))
	assert.Error(t, err)

	assert.Error(t, Meta{Symbol: "X", Decimals: 18}.Validate())
	assert.Error(t, Meta{Address: addrDapp, Decimals: 18}.Validate())
}

// 用 Memory 驱动跑一遍完整的充值-下单-吃单-提现
func TestExchangeWithMemoryTokens(t *testing.T) {
	ctx := context.Background()
	metaB := Meta{Address: common.HexToAddress("0xbb"), Name: "mETH", Symbol: "mETH", Decimals: 18}
	a, b := dapp(), NewMemory(metaB, custody, deployer, ether("1000000"))
	r := NewRegistry()
	require.NoError(t, r.Register(a.Meta(), a))
	require.NoError(t, r.Register(metaB, b))

	fee := common.HexToAddress("0xfe")
	maker, taker := user1, common.HexToAddress("0x02")
	require.NoError(t, a.Transfer(deployer, maker, ether("10")))
	require.NoError(t, b.Transfer(deployer, taker, ether("10")))
	require.NoError(t, a.Approve(maker, custody, ether("10")))
	require.NoError(t, b.Approve(taker, custody, ether("10")))

	policy, err := exchange.NewFeePolicy(fee, 10)
	require.NoError(t, err)
	x := exchange.New(policy, custody, r)

	_, err = x.DepositToken(ctx, maker, a.Meta().Address, ether("1"), nil)
	require.NoError(t, err)
	_, err = x.DepositToken(ctx, taker, metaB.Address, ether("2"), nil)
	require.NoError(t, err)

	o, err := x.MakeOrder(maker, metaB.Address, ether("1"), a.Meta().Address, ether("1"), nil)
	require.NoError(t, err)
	_, err = x.FillOrder(taker, o.ID, nil)
	require.NoError(t, err)

	_, err = x.WithdrawToken(ctx, taker, a.Meta().Address, ether("1"), nil)
	require.NoError(t, err)
	bal, _ := a.BalanceOf(ctx, taker)
	assert.True(t, ether("1").Equal(bal))
	assert.True(t, ether("0.1").Equal(x.BalanceOf(metaB.Address, fee)))

	// 托管余额 == 账本总额
	held, _ := b.BalanceOf(ctx, custody)
	assert.True(t, held.Equal(x.TotalBalance(metaB.Address)))
}

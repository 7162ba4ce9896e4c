package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient wallet balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidRecipient      = errors.New("invalid recipient")
	ErrNegativeValue         = errors.New("negative value")
)

// Memory 进程内的 ERC-20：余额、授权、transfer/transferFrom，开发和测试用
type Memory struct {
	mu          sync.Mutex
	meta        Meta
	custody     common.Address
	totalSupply decimal.Decimal
	balances    map[common.Address]decimal.Decimal
	allowances  map[common.Address]map[common.Address]decimal.Decimal
}

// NewMemory 全部发行量给 holder；custody 是交易所托管地址，PushTo 从这里转出
func NewMemory(meta Meta, custody, holder common.Address, supply decimal.Decimal) *Memory {
	return &Memory{
		meta:        meta,
		custody:     custody,
		totalSupply: supply,
		balances:    map[common.Address]decimal.Decimal{holder: supply},
		allowances:  make(map[common.Address]map[common.Address]decimal.Decimal),
	}
}

func (m *Memory) Meta() Meta { return m.meta }

func (m *Memory) TotalSupply() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSupply
}

func (m *Memory) BalanceOf(_ context.Context, owner common.Address) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner], nil
}

func (m *Memory) Allowance(owner, spender common.Address) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[owner][spender]
}

func (m *Memory) Approve(owner, spender common.Address, value decimal.Decimal) error {
	if spender == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if value.IsNegative() {
		return ErrNegativeValue
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]decimal.Decimal)
	}
	m.allowances[owner][spender] = value
	return nil
}

func (m *Memory) Transfer(from, to common.Address, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, to, value)
}

// TransferFrom spender 花 from 授权给它的额度
func (m *Memory) TransferFrom(spender, from, to common.Address, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := m.allowances[from][spender]
	if allowed.LessThan(value) {
		return fmt.Errorf("%w: %s allowed %s", ErrInsufficientAllowance, spender.Hex(), allowed.String())
	}
	if err := m.move(from, to, value); err != nil {
		return err
	}
	m.allowances[from][spender] = allowed.Sub(value)
	return nil
}

// Mint faucet 用
func (m *Memory) Mint(to common.Address, value decimal.Decimal) error {
	if value.IsNegative() {
		return ErrNegativeValue
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[to] = m.balances[to].Add(value)
	m.totalSupply = m.totalSupply.Add(value)
	return nil
}

func (m *Memory) move(from, to common.Address, value decimal.Decimal) error {
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if value.IsNegative() {
		return ErrNegativeValue
	}
	have := m.balances[from]
	if have.LessThan(value) {
		return fmt.Errorf("%w: %s has %s", ErrInsufficientFunds, from.Hex(), have.String())
	}
	m.balances[from] = have.Sub(value)
	m.balances[to] = m.balances[to].Add(value)
	return nil
}

// PullFrom 交易所作为 spender 把 owner 的币拉到 to
func (m *Memory) PullFrom(_ context.Context, owner, to common.Address, amount decimal.Decimal) error {
	return m.TransferFrom(to, owner, to, amount)
}

func (m *Memory) PushTo(_ context.Context, recipient common.Address, amount decimal.Decimal) error {
	return m.Transfer(m.custody, recipient, amount)
}

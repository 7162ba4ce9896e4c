package exchange

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

// Balance 一条托管余额
type Balance struct {
	Token   common.Address  `json:"token"`
	Account common.Address  `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Ledger 按 (token, account) 记托管余额。所有写入都经过 Tx，失败的 Tx 直接丢弃即可回滚。
// Ledger 本身不加锁，由 Exchange 负责互斥。
type Ledger struct {
	balances map[balanceKey]decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[balanceKey]decimal.Decimal, 1024)}
}

// BalanceOf 未出现过的 key 返回 0
func (l *Ledger) BalanceOf(token, account common.Address) decimal.Decimal {
	return l.balances[balanceKey{token, account}]
}

// TransferInternal 账内划转，不碰链上 token
func (l *Ledger) TransferInternal(token, from, to common.Address, amount decimal.Decimal) error {
	tx := l.Begin()
	if err := tx.Transfer(token, from, to, amount); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Total 某个 token 在账本里的总额
func (l *Ledger) Total(token common.Address) decimal.Decimal {
	sum := decimal.Zero
	for k, v := range l.balances {
		if k.token == token {
			sum = sum.Add(v)
		}
	}
	return sum
}

// Balances 导出全部余额，按 token/account 排序，快照用
func (l *Ledger) Balances() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, Balance{Token: k.token, Account: k.account, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token[:], out[j].Token[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

func (l *Ledger) reset(bs []Balance) {
	l.balances = make(map[balanceKey]decimal.Decimal, len(bs))
	for _, b := range bs {
		l.balances[balanceKey{b.Token, b.Account}] = b.Amount
	}
}

// Tx 暂存一组余额变更，Commit 前对 Ledger 不可见
type Tx struct {
	l      *Ledger
	staged map[balanceKey]decimal.Decimal
}

func (l *Ledger) Begin() *Tx {
	return &Tx{l: l, staged: make(map[balanceKey]decimal.Decimal, 4)}
}

func (tx *Tx) BalanceOf(token, account common.Address) decimal.Decimal {
	k := balanceKey{token, account}
	if v, ok := tx.staged[k]; ok {
		return v
	}
	return tx.l.balances[k]
}

func (tx *Tx) Credit(token, account common.Address, amount decimal.Decimal) decimal.Decimal {
	next := tx.BalanceOf(token, account).Add(amount)
	tx.staged[balanceKey{token, account}] = next
	return next
}

// Debit 下溢保护：余额不够直接失败，不改任何东西
func (tx *Tx) Debit(token, account common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	have := tx.BalanceOf(token, account)
	if have.LessThan(amount) {
		return have, insufficient(token, account, have, amount)
	}
	next := have.Sub(amount)
	tx.staged[balanceKey{token, account}] = next
	return next, nil
}

func (tx *Tx) Transfer(token, from, to common.Address, amount decimal.Decimal) error {
	if _, err := tx.Debit(token, from, amount); err != nil {
		return err
	}
	tx.Credit(token, to, amount)
	return nil
}

func (tx *Tx) Commit() {
	for k, v := range tx.staged {
		tx.l.balances[k] = v
	}
	tx.staged = nil
}

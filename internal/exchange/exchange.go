package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token 交易所依赖的外部 token，只需要拉入和推出
type Token interface {
	PullFrom(ctx context.Context, owner, to common.Address, amount decimal.Decimal) error
	PushTo(ctx context.Context, recipient common.Address, amount decimal.Decimal) error
}

type TokenResolver interface {
	Lookup(token common.Address) (Token, bool)
}

// Exchange 托管账本 + 订单生命周期。
// writeMu 串行化所有变更（包括等待外部转账的时间），mu 保护内存状态，查询只拿 mu 读锁，
// 因此外部转账期间查询不会被挡住，也看不到半截状态。
type Exchange struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	fee     FeePolicy
	custody common.Address
	tokens  TokenResolver
	now     func() int64

	ledger *Ledger
	orders *OrderStore
}

type Option func(*Exchange)

// WithClock 替换时间源，返回 unix 秒
func WithClock(fn func() int64) Option {
	return func(x *Exchange) { x.now = fn }
}

// New custody 是交易所自己的托管地址，充值时 token 转到这里
func New(fee FeePolicy, custody common.Address, tokens TokenResolver, opts ...Option) *Exchange {
	x := &Exchange{
		fee:     fee,
		custody: custody,
		tokens:  tokens,
		now:     func() int64 { return time.Now().Unix() },
		ledger:  NewLedger(),
		orders:  NewOrderStore(),
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

func orDiscard(emit Emitter) Emitter {
	if emit == nil {
		return Discard
	}
	return emit
}

func (x *Exchange) token(addr common.Address) (Token, error) {
	t, ok := x.tokens.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: unknown token %s", ErrTransferFailed, addr.Hex())
	}
	return t, nil
}

// DepositToken 先从 caller 钱包拉币，成功后再记账
func (x *Exchange) DepositToken(ctx context.Context, caller, token common.Address, amount decimal.Decimal, emit Emitter) (Event, error) {
	emit = orDiscard(emit)
	if err := ValidAmount(amount); err != nil {
		return Event{}, err
	}
	t, err := x.token(token)
	if err != nil {
		return Event{}, err
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if err := t.PullFrom(ctx, caller, x.custody, amount); err != nil {
		if errors.Is(err, ErrTransferPending) {
			// 结果未知不入账，多出来的托管余额只能对账后补
			return Event{}, fmt.Errorf("%w: pull %s from %s: %v", ErrTransferFailed, amount.String(), caller.Hex(), err)
		}
		return Event{}, fmt.Errorf("%w: pull %s from %s: %w", ErrTransferFailed, amount.String(), caller.Hex(), err)
	}

	x.mu.Lock()
	tx := x.ledger.Begin()
	bal := tx.Credit(token, caller, amount)
	tx.Commit()
	x.mu.Unlock()

	ev := Event{Type: EvDeposit, Token: token, User: caller, Amount: amount, Balance: bal, Timestamp: x.now()}
	emit.Emit(ev)
	return ev, nil
}

// WithdrawToken 余额够才推币；推币失败账本不变。
// 推币返回 ErrTransferPending 时币可能已经转出，照常扣减并发事件，同时把这个错误返回给调用方。
// writeMu 保证检查余额到扣减之间没有别的写入。
func (x *Exchange) WithdrawToken(ctx context.Context, caller, token common.Address, amount decimal.Decimal, emit Emitter) (Event, error) {
	emit = orDiscard(emit)
	if err := ValidAmount(amount); err != nil {
		return Event{}, err
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.RLock()
	have := x.ledger.BalanceOf(token, caller)
	x.mu.RUnlock()
	if have.LessThan(amount) {
		return Event{}, insufficient(token, caller, have, amount)
	}

	t, err := x.token(token)
	if err != nil {
		return Event{}, err
	}

	ev := Event{Type: EvWithdraw, Token: token, User: caller, Amount: amount, Balance: have.Sub(amount), Timestamp: x.now()}
	if p, ok := emit.(Preparer); ok {
		if err := p.Prepare(ev); err != nil {
			return Event{}, err
		}
	}

	perr := t.PushTo(ctx, caller, amount)
	if perr != nil && !errors.Is(perr, ErrTransferPending) {
		return Event{}, fmt.Errorf("%w: push %s to %s: %w", ErrTransferFailed, amount.String(), caller.Hex(), perr)
	}

	x.mu.Lock()
	tx := x.ledger.Begin()
	if _, err := tx.Debit(token, caller, amount); err != nil {
		x.mu.Unlock()
		// writeMu 下不可能发生
		return Event{}, err
	}
	tx.Commit()
	x.mu.Unlock()

	emit.Emit(ev)
	if perr != nil {
		return ev, fmt.Errorf("push %s to %s: %w", amount.String(), caller.Hex(), perr)
	}
	return ev, nil
}

// MakeOrder 返回新订单；只检查当前 tokenGive 余额，不冻结
func (x *Exchange) MakeOrder(caller, tokenGet common.Address, amountGet decimal.Decimal,
	tokenGive common.Address, amountGive decimal.Decimal, emit Emitter) (Order, error) {
	emit = orDiscard(emit)
	if err := ValidAmount(amountGet); err != nil {
		return Order{}, err
	}
	if err := ValidAmount(amountGive); err != nil {
		return Order{}, err
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	o, err := x.orders.Create(x.ledger, caller, tokenGet, amountGet, tokenGive, amountGive, x.now())
	x.mu.Unlock()
	if err != nil {
		return Order{}, err
	}

	emit.Emit(orderEvent(EvOrder, o, o.Timestamp))
	return o, nil
}

func (x *Exchange) CancelOrder(caller common.Address, id uint64, emit Emitter) (Order, error) {
	emit = orDiscard(emit)
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	o, err := x.orders.Cancel(id, caller)
	x.mu.Unlock()
	if err != nil {
		return Order{}, err
	}

	emit.Emit(orderEvent(EvCancel, o, x.now()))
	return o, nil
}

// FillOrder 整单成交：三笔划转要么全部生效要么都不生效。
// 手续费由吃单方用 tokenGet 支付，所以吃单方至少要有 amountGet + fee。
func (x *Exchange) FillOrder(caller common.Address, id uint64, emit Emitter) (Event, error) {
	emit = orDiscard(emit)
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	o, ok := x.orders.orders[id]
	if !ok {
		x.mu.Unlock()
		return Event{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if o.Cancelled {
		x.mu.Unlock()
		return Event{}, fmt.Errorf("%w: order %d", ErrAlreadyCancelled, id)
	}
	if o.Filled {
		x.mu.Unlock()
		return Event{}, fmt.Errorf("%w: order %d", ErrAlreadyFilled, id)
	}

	fee := x.fee.Fee(o.AmountGet)
	if err := x.settle(*o, caller, fee, x.fee.Account()); err != nil {
		x.mu.Unlock()
		return Event{}, err
	}
	x.orders.markFilled(id)
	x.mu.Unlock()

	ev := orderEvent(EvTrade, *o, x.now())
	ev.User = caller
	ev.Fee = fee
	ev.FeeAccount = x.fee.Account()
	emit.Emit(ev)
	return ev, nil
}

// settle 调用方持有 mu
func (x *Exchange) settle(o Order, filler common.Address, fee decimal.Decimal, feeAccount common.Address) error {
	tx := x.ledger.Begin()
	if err := tx.Transfer(o.TokenGive, o.Creator, filler, o.AmountGive); err != nil {
		return err
	}
	if err := tx.Transfer(o.TokenGet, filler, o.Creator, o.AmountGet); err != nil {
		return err
	}
	if err := tx.Transfer(o.TokenGet, filler, feeAccount, fee); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// ---------------------------------------------------------
// 查询
// ---------------------------------------------------------

func (x *Exchange) BalanceOf(token, account common.Address) decimal.Decimal {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.BalanceOf(token, account)
}

// TotalBalance 账本里某 token 的总额，对账用
func (x *Exchange) TotalBalance(token common.Address) decimal.Decimal {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.Total(token)
}

func (x *Exchange) OrderCount() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.orders.Count()
}

func (x *Exchange) OrderCancelled(id uint64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.orders.Cancelled(id)
}

func (x *Exchange) OrderFilled(id uint64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.orders.Filled(id)
}

func (x *Exchange) GetOrder(id uint64) (Order, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.orders.Get(id)
}

func (x *Exchange) FeeAccount() common.Address { return x.fee.Account() }
func (x *Exchange) FeePercent() int64          { return x.fee.Percent() }
func (x *Exchange) Custody() common.Address    { return x.custody }

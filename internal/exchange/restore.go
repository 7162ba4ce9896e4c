package exchange

import (
	"fmt"
)

// State 内存状态的完整拷贝
type State struct {
	Balances   []Balance `json:"balances"`
	Orders     []Order   `json:"orders"`
	OrderCount uint64    `json:"orderCount"`
}

func (x *Exchange) Snapshot() State {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return State{
		Balances:   x.ledger.Balances(),
		Orders:     x.orders.All(),
		OrderCount: x.orders.Count(),
	}
}

// Restore 用快照整体替换内存状态
func (x *Exchange) Restore(st State) {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ledger.reset(st.Balances)
	x.orders.reset(st.Orders, st.OrderCount)
}

// Apply 回放一条已提交的事件：不调外部 token，不发事件。
// 事件里记录的结果和重算结果对不上时返回错误，说明日志和状态已经分叉。
func (x *Exchange) Apply(ev Event) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	switch ev.Type {
	case EvDeposit:
		tx := x.ledger.Begin()
		bal := tx.Credit(ev.Token, ev.User, ev.Amount)
		if !bal.Equal(ev.Balance) {
			return diverged(ev, bal)
		}
		tx.Commit()
	case EvWithdraw:
		tx := x.ledger.Begin()
		bal, err := tx.Debit(ev.Token, ev.User, ev.Amount)
		if err != nil {
			return fmt.Errorf("replay withdraw: %w", err)
		}
		if !bal.Equal(ev.Balance) {
			return diverged(ev, bal)
		}
		tx.Commit()
	case EvOrder:
		return x.orders.put(Order{
			ID:         ev.OrderID,
			Creator:    ev.Creator,
			TokenGet:   ev.TokenGet,
			AmountGet:  ev.AmountGet,
			TokenGive:  ev.TokenGive,
			AmountGive: ev.AmountGive,
			Timestamp:  ev.Timestamp,
		})
	case EvCancel:
		if _, err := x.orders.Cancel(ev.OrderID, ev.Creator); err != nil {
			return fmt.Errorf("replay cancel: %w", err)
		}
	case EvTrade:
		o, ok := x.orders.orders[ev.OrderID]
		if !ok || o.Cancelled || o.Filled {
			return fmt.Errorf("replay trade: order %d not open", ev.OrderID)
		}
		if err := x.settle(*o, ev.User, ev.Fee, ev.FeeAccount); err != nil {
			return fmt.Errorf("replay trade: %w", err)
		}
		x.orders.markFilled(ev.OrderID)
	default:
		return fmt.Errorf("replay: unknown event type %d", ev.Type)
	}
	return nil
}

func diverged(ev Event, got interface{ String() string }) error {
	return fmt.Errorf("replay %s: balance diverged, journal %s computed %s", ev.Type, ev.Balance.String(), got.String())
}

package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/orm"
)

type OrderQuery struct {
	TokenGet  common.Address
	TokenGive common.Address
	Creator   common.Address
	Status    string
	Page      int
	Limit     int
}

// TradeQuery 设置了 TokenA/TokenB 时两个方向的成交都算
type TradeQuery struct {
	TokenA  common.Address
	TokenB  common.Address
	Account common.Address // maker 或 taker
	Page    int
	Limit   int
}

type TransferQuery struct {
	Account common.Address
	Token   common.Address
	Page    int
	Limit   int
}

type Store interface {
	Apply(ctx context.Context, env engine.Envelope) error
	Orders(ctx context.Context, q OrderQuery) ([]OrderRow, error)
	Trades(ctx context.Context, q TradeQuery) ([]TradeRow, error)
	Transfers(ctx context.Context, q TransferQuery) ([]TransferRow, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&OrderRow{}, &TradeRow{}, &TransferRow{})
}

// Apply 按 seq 幂等：重复投递的事件不会再改动
func (s *gormStore) Apply(ctx context.Context, env engine.Envelope) (err error) {
	start := time.Now()
	defer func() { observe("apply_"+env.Event.Type.String(), start, err) }()

	ev := env.Event
	db := s.db.WithContext(ctx)
	switch ev.Type {
	case exchange.EvDeposit, exchange.EvWithdraw:
		row := transferRow(env)
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	case exchange.EvOrder:
		row := orderRow(env)
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	case exchange.EvCancel:
		return s.setStatus(db, env, StatusCancelled)
	case exchange.EvTrade:
		return db.Transaction(func(tx *gorm.DB) error {
			row := tradeRow(env)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
			return s.setStatus(tx, env, StatusFilled)
		})
	default:
		return fmt.Errorf("indexer: unknown event type %d", ev.Type)
	}
}

// setStatus 取消/成交事件带着完整订单字段，投影晚于下单启动时也能补上这一行
func (s *gormStore) setStatus(db *gorm.DB, env engine.Envelope, status string) error {
	row := orderRow(env)
	row.Status = status
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	return db.Model(&OrderRow{}).
		Where("id = ? AND seq < ?", env.Event.OrderID, env.Seq).
		Updates(map[string]any{"status": status, "seq": env.Seq}).Error
}

func (s *gormStore) Orders(ctx context.Context, q OrderQuery) (rows []OrderRow, err error) {
	start := time.Now()
	defer func() { observe("orders", start, err) }()

	db := s.db.WithContext(ctx).Model(&OrderRow{})
	if q.TokenGet != (common.Address{}) {
		db = db.Where("token_get = ?", q.TokenGet.Hex())
	}
	if q.TokenGive != (common.Address{}) {
		db = db.Where("token_give = ?", q.TokenGive.Hex())
	}
	if q.Creator != (common.Address{}) {
		db = db.Where("creator = ?", q.Creator.Hex())
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	err = db.Order("id DESC").Scopes(orm.Paginate(q.Page, q.Limit)).Find(&rows).Error
	return rows, err
}

func (s *gormStore) Trades(ctx context.Context, q TradeQuery) (rows []TradeRow, err error) {
	start := time.Now()
	defer func() { observe("trades", start, err) }()

	db := s.db.WithContext(ctx).Model(&TradeRow{})
	if q.TokenA != (common.Address{}) && q.TokenB != (common.Address{}) {
		a, b := q.TokenA.Hex(), q.TokenB.Hex()
		db = db.Where("(token_get = ? AND token_give = ?) OR (token_get = ? AND token_give = ?)", a, b, b, a)
	}
	if q.Account != (common.Address{}) {
		acc := q.Account.Hex()
		db = db.Where("(maker = ? OR taker = ?)", acc, acc)
	}
	err = db.Order("seq DESC").Scopes(orm.Paginate(q.Page, q.Limit)).Find(&rows).Error
	return rows, err
}

func (s *gormStore) Transfers(ctx context.Context, q TransferQuery) (rows []TransferRow, err error) {
	start := time.Now()
	defer func() { observe("transfers", start, err) }()

	db := s.db.WithContext(ctx).Model(&TransferRow{})
	if q.Account != (common.Address{}) {
		db = db.Where("account = ?", q.Account.Hex())
	}
	if q.Token != (common.Address{}) {
		db = db.Where("token = ?", q.Token.Hex())
	}
	err = db.Order("seq DESC").Scopes(orm.Paginate(q.Page, q.Limit)).Find(&rows).Error
	return rows, err
}

func observe(query string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.DbQueryDuration.WithLabelValues(query, status).Observe(time.Since(start).Seconds())
}

func transferRow(env engine.Envelope) TransferRow {
	ev := env.Event
	kind := KindDeposit
	if ev.Type == exchange.EvWithdraw {
		kind = KindWithdraw
	}
	return TransferRow{
		Seq:       env.Seq,
		Kind:      kind,
		Token:     ev.Token.Hex(),
		Account:   ev.User.Hex(),
		Amount:    ev.Amount,
		Balance:   ev.Balance,
		Timestamp: ev.Timestamp,
	}
}

func orderRow(env engine.Envelope) OrderRow {
	ev := env.Event
	return OrderRow{
		ID:         ev.OrderID,
		Creator:    ev.Creator.Hex(),
		TokenGet:   ev.TokenGet.Hex(),
		AmountGet:  ev.AmountGet,
		TokenGive:  ev.TokenGive.Hex(),
		AmountGive: ev.AmountGive,
		Status:     StatusOpen,
		Timestamp:  ev.Timestamp,
		Seq:        env.Seq,
	}
}

func tradeRow(env engine.Envelope) TradeRow {
	ev := env.Event
	return TradeRow{
		Seq:        env.Seq,
		OrderID:    ev.OrderID,
		Maker:      ev.Creator.Hex(),
		Taker:      ev.User.Hex(),
		TokenGet:   ev.TokenGet.Hex(),
		AmountGet:  ev.AmountGet,
		TokenGive:  ev.TokenGive.Hex(),
		AmountGive: ev.AmountGive,
		Fee:        ev.Fee,
		FeeAccount: ev.FeeAccount.Hex(),
		Timestamp:  ev.Timestamp,
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"tokenex.com/internal/api/auth"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
	"tokenex.com/internal/token"
	pkgcommon "tokenex.com/pkg/common"
	"tokenex.com/pkg/xerr"
)

type Submitter interface {
	Submit(ctx context.Context, cmd engine.Command) (engine.Result, error)
}

// Querier 只读查询，直接读内存状态
type Querier interface {
	BalanceOf(token, account common.Address) decimal.Decimal
	OrderCount() uint64
	GetOrder(id uint64) (exchange.Order, error)
	FeeAccount() common.Address
	FeePercent() int64
	Custody() common.Address
}

type Handler struct {
	eng    Submitter
	core   Querier
	tokens *token.Registry
}

func NewHandler(eng Submitter, core Querier, tokens *token.Registry) *Handler {
	return &Handler{eng: eng, core: core, tokens: tokens}
}

func (h *Handler) Exchange(c *gin.Context) {
	pkgcommon.Success(c, exchangeResp{
		FeeAccount: h.core.FeeAccount(),
		FeePercent: h.core.FeePercent(),
		Custody:    h.core.Custody(),
		Tokens:     h.tokens.List(),
	})
}

func (h *Handler) Balance(c *gin.Context) {
	meta, account, ok := h.tokenAndAccount(c)
	if !ok {
		return
	}
	pkgcommon.Success(c, balanceResp{
		Token:   meta.Address,
		Symbol:  meta.Symbol,
		Account: account,
		Balance: amountOf(meta, h.core.BalanceOf(meta.Address, account)),
	})
}

// Wallet 链上（或内存 token）钱包余额，不是交易所里的
func (h *Handler) Wallet(c *gin.Context) {
	meta, account, ok := h.tokenAndAccount(c)
	if !ok {
		return
	}
	tok, _, _ := h.tokens.Get(meta.Address)
	bal, err := tok.BalanceOf(c.Request.Context(), account)
	if err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.ServiceUnavailable, err))
		return
	}
	pkgcommon.Success(c, balanceResp{Token: meta.Address, Symbol: meta.Symbol, Account: account, Balance: amountOf(meta, bal)})
}

func (h *Handler) OrderCount(c *gin.Context) {
	pkgcommon.Success(c, gin.H{"count": h.core.OrderCount()})
}

func (h *Handler) Order(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := h.core.GetOrder(id)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, h.orderResp(o))
}

func (h *Handler) OrderStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := h.core.GetOrder(id)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, statusResp{ID: o.ID, Cancelled: o.Cancelled, Filled: o.Filled})
}

func (h *Handler) Deposit(c *gin.Context)  { h.transfer(c, engine.CmdDeposit) }
func (h *Handler) Withdraw(c *gin.Context) { h.transfer(c, engine.CmdWithdraw) }

func (h *Handler) transfer(c *gin.Context, typ engine.CmdType) {
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RequestParamsError, err))
		return
	}
	meta, base, err := h.toBase(req.Token, req.Amount)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	h.submit(c, engine.Command{Type: typ, Token: meta.Address, Amount: base})
}

func (h *Handler) MakeOrder(c *gin.Context) {
	var req orderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RequestParamsError, err))
		return
	}
	getMeta, getBase, err := h.toBase(req.TokenGet, req.AmountGet)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	giveMeta, giveBase, err := h.toBase(req.TokenGive, req.AmountGive)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	h.submit(c, engine.Command{
		Type:       engine.CmdMakeOrder,
		TokenGet:   getMeta.Address,
		AmountGet:  getBase,
		TokenGive:  giveMeta.Address,
		AmountGive: giveBase,
	})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	if id, ok := orderID(c); ok {
		h.submit(c, engine.Command{Type: engine.CmdCancelOrder, OrderID: id})
	}
}

func (h *Handler) FillOrder(c *gin.Context) {
	if id, ok := orderID(c); ok {
		h.submit(c, engine.Command{Type: engine.CmdFillOrder, OrderID: id})
	}
}

// submit 补上调用方和请求 id，等引擎落盘后回包
func (h *Handler) submit(c *gin.Context, cmd engine.Command) {
	caller, ok := auth.Account(c)
	if !ok {
		pkgcommon.FailErr(c, auth.ErrNoAccount)
		return
	}
	cmd.Caller = caller
	cmd.ReqID = pkgcommon.RequestIDFromGin(c)
	res, err := h.eng.Submit(c.Request.Context(), cmd)
	if errors.Is(err, exchange.ErrTransferPending) {
		// 已经记账，链上还没确认
		c.JSON(http.StatusAccepted, pkgcommon.Response{
			Code:    xerr.TransferPending,
			Message: xerr.MapErrMsg(xerr.TransferPending),
			Data:    commandOf(res),
		})
		return
	}
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, commandOf(res))
}

func (h *Handler) tokenAndAccount(c *gin.Context) (token.Meta, common.Address, bool) {
	meta, err := h.tokens.Resolve(c.Param("token"))
	if err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RecordNotFound, err))
		return token.Meta{}, common.Address{}, false
	}
	raw := c.Param("account")
	if !common.IsHexAddress(raw) {
		pkgcommon.FailErr(c, xerr.New(xerr.RequestParamsError, "bad account address"))
		return token.Meta{}, common.Address{}, false
	}
	return meta, common.HexToAddress(raw), true
}

func (h *Handler) toBase(tok string, human decimal.Decimal) (token.Meta, decimal.Decimal, error) {
	meta, err := h.tokens.Resolve(tok)
	if err != nil {
		return token.Meta{}, decimal.Zero, xerr.Wrap(xerr.RequestParamsError, err)
	}
	base, err := meta.ToBase(human)
	if err != nil {
		return token.Meta{}, decimal.Zero, xerr.Wrap(xerr.InvalidAmount, err)
	}
	return meta, base, nil
}

// meta 订单里的 token 不一定注册过，按 18 位小数兜底
func (h *Handler) meta(addr common.Address) token.Meta {
	if _, m, ok := h.tokens.Get(addr); ok {
		return m
	}
	return token.Meta{Address: addr, Symbol: addr.Hex(), Decimals: 18}
}

func (h *Handler) orderResp(o exchange.Order) orderResp {
	return orderResp{
		ID:         o.ID,
		Creator:    o.Creator,
		TokenGet:   o.TokenGet,
		AmountGet:  amountOf(h.meta(o.TokenGet), o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: amountOf(h.meta(o.TokenGive), o.AmountGive),
		Timestamp:  o.Timestamp,
		Status:     orderStatus(o),
	}
}

func orderID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		pkgcommon.FailErr(c, xerr.New(xerr.RequestParamsError, fmt.Sprintf("bad order id %q", c.Param("id"))))
		return 0, false
	}
	return id, true
}

package api

import (
	"github.com/gin-gonic/gin"
	"tokenex.com/internal/api/auth"
	"tokenex.com/internal/token"
	pkgcommon "tokenex.com/pkg/common"
	"tokenex.com/pkg/xerr"
)

// DevHandler 只对内存 token 生效，用来在本地走通 approve -> deposit -> 下单 的流程
type DevHandler struct {
	h *Handler
}

func (d *DevHandler) memory(c *gin.Context) (*token.Memory, token.Meta, transferReq, bool) {
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RequestParamsError, err))
		return nil, token.Meta{}, req, false
	}
	meta, err := d.h.tokens.Resolve(req.Token)
	if err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RequestParamsError, err))
		return nil, token.Meta{}, req, false
	}
	tok, _, _ := d.h.tokens.Get(meta.Address)
	mem, ok := tok.(*token.Memory)
	if !ok {
		pkgcommon.FailErr(c, xerr.New(xerr.Forbidden, "dev endpoints only work with memory tokens"))
		return nil, token.Meta{}, req, false
	}
	return mem, meta, req, true
}

// Approve 授权交易所托管地址扣款
func (d *DevHandler) Approve(c *gin.Context) {
	mem, meta, req, ok := d.memory(c)
	if !ok {
		return
	}
	caller, _ := auth.Account(c)
	base, err := meta.ToBase(req.Amount)
	if err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.InvalidAmount, err))
		return
	}
	if err := mem.Approve(caller, d.h.core.Custody(), base); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.InvalidAmount, err))
		return
	}
	pkgcommon.Success(c, gin.H{
		"owner":     caller,
		"spender":   d.h.core.Custody(),
		"allowance": amountOf(meta, mem.Allowance(caller, d.h.core.Custody())),
	})
}

// Faucet 给调用方钱包铸币
func (d *DevHandler) Faucet(c *gin.Context) {
	mem, meta, req, ok := d.memory(c)
	if !ok {
		return
	}
	caller, _ := auth.Account(c)
	base, err := meta.ToBase(req.Amount)
	if err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.InvalidAmount, err))
		return
	}
	if err := mem.Mint(caller, base); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.InvalidAmount, err))
		return
	}
	bal, _ := mem.BalanceOf(c.Request.Context(), caller)
	pkgcommon.Success(c, balanceResp{Token: meta.Address, Symbol: meta.Symbol, Account: caller, Balance: amountOf(meta, bal)})
}

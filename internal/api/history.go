package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"tokenex.com/internal/indexer"
	pkgcommon "tokenex.com/pkg/common"
	"tokenex.com/pkg/xerr"
)

// HistoryHandler 看板的历史查询，读 SQL 投影
type HistoryHandler struct {
	hist *indexer.History
}

func NewHistoryHandler(hist *indexer.History) *HistoryHandler {
	return &HistoryHandler{hist: hist}
}

type pageQuery struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

type orderHistoryQuery struct {
	pageQuery
	TokenGet  string `form:"tokenGet"`
	TokenGive string `form:"tokenGive"`
	Creator   string `form:"creator"`
	Status    string `form:"status" binding:"omitempty,oneof=open cancelled filled"`
}

type tradeHistoryQuery struct {
	pageQuery
	TokenA  string `form:"tokenA"`
	TokenB  string `form:"tokenB"`
	Account string `form:"account"`
}

type transferHistoryQuery struct {
	pageQuery
	Account string `form:"account"`
	Token   string `form:"token"`
}

func (h *HistoryHandler) Orders(c *gin.Context) {
	var q orderHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RequestParamsError, err))
		return
	}
	addrs, ok := parseAddrs(c, q.TokenGet, q.TokenGive, q.Creator)
	if !ok {
		return
	}
	rows, err := h.hist.Orders(c.Request.Context(), indexer.OrderQuery{
		TokenGet: addrs[0], TokenGive: addrs[1], Creator: addrs[2],
		Status: q.Status, Page: q.Page, Limit: q.Limit,
	})
	respond(c, rows, err)
}

func (h *HistoryHandler) Trades(c *gin.Context) {
	var q tradeHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RequestParamsError, err))
		return
	}
	addrs, ok := parseAddrs(c, q.TokenA, q.TokenB, q.Account)
	if !ok {
		return
	}
	rows, err := h.hist.Trades(c.Request.Context(), indexer.TradeQuery{
		TokenA: addrs[0], TokenB: addrs[1], Account: addrs[2],
		Page: q.Page, Limit: q.Limit,
	})
	respond(c, rows, err)
}

func (h *HistoryHandler) Transfers(c *gin.Context) {
	var q transferHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.RequestParamsError, err))
		return
	}
	addrs, ok := parseAddrs(c, q.Account, q.Token)
	if !ok {
		return
	}
	rows, err := h.hist.Transfers(c.Request.Context(), indexer.TransferQuery{
		Account: addrs[0], Token: addrs[1], Page: q.Page, Limit: q.Limit,
	})
	respond(c, rows, err)
}

// parseAddrs 空串是零地址，表示不过滤
func parseAddrs(c *gin.Context, raw ...string) ([]common.Address, bool) {
	out := make([]common.Address, len(raw))
	for i, s := range raw {
		if s == "" {
			continue
		}
		if !common.IsHexAddress(s) {
			pkgcommon.FailErr(c, xerr.New(xerr.RequestParamsError, "bad address "+s))
			return nil, false
		}
		out[i] = common.HexToAddress(s)
	}
	return out, true
}

func respond[T any](c *gin.Context, rows []T, err error) {
	if err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(xerr.DbError, err))
		return
	}
	if rows == nil {
		rows = []T{}
	}
	pkgcommon.Success(c, rows)
}

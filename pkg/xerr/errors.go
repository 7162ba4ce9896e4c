package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                 = 200
	RequestParamsError = 400
	Unauthorized       = 401
	Forbidden          = 403
	RecordNotFound     = 404
	Conflict           = 409
	TooManyRequests    = 429
	ServerCommonError  = 500
	DbError            = 501
	ServiceUnavailable = 503

	// 业务错误码 1xxxx
	InsufficientBalance = 10001
	AlreadyCancelled    = 10002
	AlreadyFilled       = 10003
	TransferFailed      = 10004
	InvalidAmount       = 10005
	EngineBusy          = 10006
	DuplicateRequest    = 10007
	TransferPending     = 10008
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	err  error
}

func (e *CodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.err }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 给底层错误挂上错误码，errors.Is 仍然能穿透
func Wrap(code int, err error) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: MapErrMsg(code), err: err}
}

// CodeOf 取错误链上第一个 CodeError 的码，没有就是 500
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

func MapErrMsg(code int) string {
	switch code {
	case OK:
		return "OK"
	case RequestParamsError:
		return "参数错误"
	case Unauthorized:
		return "未登录"
	case Forbidden:
		return "无权限"
	case RecordNotFound:
		return "记录不存在"
	case Conflict:
		return "状态冲突"
	case TooManyRequests:
		return "请求过于频繁"
	case ServerCommonError:
		return "服务器开小差了"
	case DbError:
		return "数据库繁忙"
	case ServiceUnavailable:
		return "服务繁忙"
	case InsufficientBalance:
		return "余额不足"
	case AlreadyCancelled:
		return "订单已取消"
	case AlreadyFilled:
		return "订单已成交"
	case TransferFailed:
		return "链上转账失败"
	case InvalidAmount:
		return "金额不合法"
	case EngineBusy:
		return "撮合引擎繁忙"
	case DuplicateRequest:
		return "重复请求"
	case TransferPending:
		return "链上转账确认中"
	default:
		return "未知错误"
	}
}

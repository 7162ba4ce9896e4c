package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    xerr.OK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func FailLogged(c *gin.Context, httpStatus int, code int, msg string, err error) {
	logger.Warn(c.Request.Context(), "http error",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.String("message", msg),
		zap.Error(err),
	)
	Fail(c, httpStatus, code, msg)
}

// FailErr 按错误链上的 CodeError 回包；没有码的一律 500 且不透出内部信息
func FailErr(c *gin.Context, err error) {
	var ce *xerr.CodeError
	if !errors.As(err, &ce) {
		FailLogged(c, http.StatusInternalServerError, xerr.ServerCommonError, xerr.MapErrMsg(xerr.ServerCommonError), err)
		return
	}
	FailLogged(c, HTTPStatus(ce.Code), ce.Code, ce.Msg, err)
}

// HTTPStatus 业务码到 HTTP 状态码
func HTTPStatus(code int) int {
	switch code {
	case xerr.OK:
		return http.StatusOK
	case xerr.TransferPending:
		return http.StatusAccepted
	case xerr.RequestParamsError, xerr.InvalidAmount:
		return http.StatusBadRequest
	case xerr.Unauthorized:
		return http.StatusUnauthorized
	case xerr.Forbidden:
		return http.StatusForbidden
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.Conflict, xerr.AlreadyCancelled, xerr.AlreadyFilled, xerr.DuplicateRequest:
		return http.StatusConflict
	case xerr.InsufficientBalance:
		return http.StatusUnprocessableEntity
	case xerr.TransferFailed:
		return http.StatusBadGateway
	case xerr.TooManyRequests:
		return http.StatusTooManyRequests
	case xerr.EngineBusy, xerr.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tokenex.com/pkg/common"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/xerr"
)

func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPPanics.WithLabelValues(route).Inc()
			logger.Error(c.Request.Context(), "http panic",
				zap.String("method", c.Request.Method),
				zap.String("route", route),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			// handler 已经开始写 body 就只能断开
			if c.Writer.Written() {
				c.Abort()
				return
			}
			common.Fail(c, http.StatusInternalServerError, xerr.ServerCommonError, xerr.MapErrMsg(xerr.ServerCommonError))
			c.Abort()
		}()
		c.Next()
	}
}
